// Package platform talks to the remote serverless platform hosting the
// action being debugged.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
)

// Client is the small action management surface the debugger needs.
type Client interface {
	// Namespace returns the resolved namespace, looking up "_" if needed.
	Namespace(ctx context.Context) (string, error)
	// Info returns the platform's introspection document.
	Info(ctx context.Context) (*models.PlatformInfo, error)

	GetAction(ctx context.Context, name string, code bool) (*models.Action, error)
	PutAction(ctx context.Context, action *models.Action) (*models.Action, error)
	DeleteAction(ctx context.Context, name string) error

	// Invoke calls name blocking and returns its result. An application
	// error comes back as an *Error with Status 502 and the Result set.
	Invoke(ctx context.Context, name string, params map[string]interface{}) (models.Result, error)
	// InvokeAsync fires name and returns the activation id.
	InvokeAsync(ctx context.Context, name string, params map[string]interface{}) (string, error)

	ListActivations(ctx context.Context, opts ListOptions) ([]*models.ActivationRecord, error)
}

type ListOptions struct {
	Name  string
	Since time.Time
	Limit int
	// Docs includes the full records with results
	Docs bool
}

// Error is a non 2xx answer from the platform.
type Error struct {
	Status       int
	Message      string
	ActivationID string
	// Result holds the application error of a failed blocking invoke.
	Result models.Result
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("platform returned %d: %s", e.Status, e.Message)
}

// Code lets Error satisfy models.APIError.
func (e *Error) Code() int { return e.Status }

func asError(err error) (*Error, bool) {
	var perr *Error
	ok := errors.As(err, &perr)
	return perr, ok
}

// IsNotFound reports a 404 from the platform.
func IsNotFound(err error) bool {
	perr, ok := asError(err)
	return ok && perr.Status == http.StatusNotFound
}

// IsRejected reports a 4xx: the platform refused the request without
// applying it. Any other failure of a write leaves its outcome unknown.
func IsRejected(err error) bool {
	perr, ok := asError(err)
	return ok && perr.Status >= 400 && perr.Status < 500
}

// ReservedCode extracts an agent control code from an invoke error. A 202
// means the blocking call outlived the platform's blocking window while the
// activation keeps running, which is handled like CodeRetry.
func ReservedCode(err error) (int, bool) {
	perr, ok := asError(err)
	if !ok {
		return 0, false
	}
	if perr.Status == http.StatusAccepted {
		return models.CodeRetry, true
	}
	if perr.Result == nil {
		return 0, false
	}
	code, ok := perr.Result.ErrorCode()
	if ok && (code == models.CodeRetry || code == models.CodeStop) {
		return code, true
	}
	return 0, false
}

// IsTransient reports errors worth retrying while polling: network failures,
// throttling and gateway errors other than application errors.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	perr, ok := asError(err)
	if !ok {
		return common.IsTemporary(err)
	}
	switch {
	case perr.Status == http.StatusTooManyRequests:
		return true
	case perr.Status == http.StatusBadGateway && perr.Result != nil:
		return isOverloaded(perr.Result)
	case perr.Status >= 500:
		return true
	}
	return isOverloaded(perr.Result) || strings.Contains(strings.ToLower(perr.Message), "overloaded")
}

func isOverloaded(r models.Result) bool {
	if r == nil {
		return false
	}
	return strings.Contains(strings.ToLower(fmt.Sprint(r["error"])), "overloaded")
}

// IsConcurrencyRejection spots a platform refusing the concurrency limit of
// an action update. The platform cannot be asked up front, so this matches
// the error text.
func IsConcurrencyRejection(err error) bool {
	perr, ok := asError(err)
	return ok && perr.Status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(perr.Message), "concurrency")
}
