package common

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	loggerKey       = contextKey("logger")
	activationIDKey = contextKey("activation_id")
)

// WithLogger stores the logger.
func WithLogger(ctx context.Context, l logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// Logger returns the structured logger.
func Logger(ctx context.Context) logrus.FieldLogger {
	l, ok := ctx.Value(loggerKey).(logrus.FieldLogger)
	if !ok {
		return logrus.StandardLogger()
	}
	return l
}

// LoggerWithFields returns a child context of the provided parent that
// contains a logger with additional fields from the parent's logger, it
// returns the new child logger, as well.
func LoggerWithFields(ctx context.Context, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	l := Logger(ctx)
	l = l.WithFields(fields)
	ctx = WithLogger(ctx, l)
	return ctx, l
}

// WithActivationID tags the context (and its logger) with the id of the
// forwarded activation being handled.
func WithActivationID(ctx context.Context, id string) context.Context {
	ctx, _ = LoggerWithFields(ctx, logrus.Fields{"activation_id": id})
	return context.WithValue(ctx, activationIDKey, id)
}

// ActivationID returns the activation id stored by WithActivationID.
func ActivationID(ctx context.Context) string {
	id, _ := ctx.Value(activationIDKey).(string)
	return id
}

// contextWithNoDeadline is an implementation of context.Context which delegates
// Value() to its parent, but it has no deadline and it is never cancelled, just
// like a context.Background().
type contextWithNoDeadline struct {
	original context.Context
}

func (ctx *contextWithNoDeadline) Deadline() (deadline time.Time, ok bool) {
	return context.Background().Deadline()
}

func (ctx *contextWithNoDeadline) Done() <-chan struct{} {
	return context.Background().Done()
}

func (ctx *contextWithNoDeadline) Err() error {
	return context.Background().Err()
}

func (ctx *contextWithNoDeadline) Value(key interface{}) interface{} {
	return ctx.original.Value(key)
}

// BackgroundContext returns a context that is specifically not a child of the
// provided parent context wrt any cancellation or deadline of the parent,
// so that it contains all values only. Teardown runs on one of these so an
// interrupted session still restores the remote action.
func BackgroundContext(ctx context.Context) context.Context {
	return &contextWithNoDeadline{
		original: ctx,
	}
}
