package agent

import (
	"context"
	"time"

	"github.com/fnproject/fndebug/api/agent/js"
	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// DefaultPollInterval paces activation listing in the log-record variant
	DefaultPollInterval = 500 * time.Millisecond
	seenExpiry          = 30 * time.Minute
	listLimit           = 50
)

// logRecordChannel exchanges activations through the records of two echo
// helpers, for platforms that cannot run one instance concurrently.
type logRecordChannel struct {
	client    platform.Client
	invoked   string
	completed string
	backoff   common.BackOffConfig
	limiter   *rate.Limiter
	seen      *cache.Cache

	since   time.Time
	pending []*models.Activation
}

func newLogRecordChannel(client platform.Client, name string, poll time.Duration, backoff common.BackOffConfig) *logRecordChannel {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &logRecordChannel{
		client:    client,
		invoked:   models.InvokedHelperName(name),
		completed: models.CompletedHelperName(name),
		backoff:   backoff,
		limiter:   rate.NewLimiter(rate.Every(poll), 1),
		seen:      cache.New(seenExpiry, time.Minute),
	}
}

func (c *logRecordChannel) variant() string { return models.VariantLogRecord }

func (c *logRecordChannel) helpers() []string { return []string{c.invoked, c.completed} }

func (c *logRecordChannel) params() models.KeyValues {
	return models.KeyValues{
		{Key: models.ParamInvokedHelper, Value: c.invoked},
		{Key: models.ParamCompletedHelper, Value: c.completed},
	}
}

func helperAction(name string) *models.Action {
	return &models.Action{
		Name:        name,
		Exec:        models.Exec{Kind: AgentKind, Code: js.Echo()},
		Annotations: models.KeyValues{{Key: models.AnnotationHelper, Value: true}},
	}
}

func (c *logRecordChannel) setup(ctx context.Context) error {
	for _, name := range c.helpers() {
		if _, err := c.client.PutAction(ctx, helperAction(name)); err != nil {
			return err
		}
	}
	c.since = time.Now()
	return nil
}

func (c *logRecordChannel) next(ctx context.Context) (*models.Activation, error) {
	log := common.Logger(ctx)
	b := common.NewBackOff(c.backoff)
	for {
		if len(c.pending) > 0 {
			a := c.pending[0]
			c.pending = c.pending[1:]
			return a, nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil
		}

		recs, err := c.client.ListActivations(ctx, platform.ListOptions{
			Name:  c.invoked,
			Since: c.since,
			Limit: listLimit,
			Docs:  true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			if !platform.IsTransient(err) {
				return nil, err
			}
			log.WithError(err).Warn("platform busy, retrying")
			if !common.SleepBackOff(ctx, b) {
				return nil, nil
			}
			continue
		}
		b = common.NewBackOff(c.backoff)
		c.collect(recs)
	}
}

// collect queues unseen records oldest first. since stays at the newest
// record start, inclusive, the seen cache drops the repeats.
func (c *logRecordChannel) collect(recs []*models.ActivationRecord) {
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if start := r.StartTime(); start.After(c.since) {
			c.since = start
		}
		if r.Response == nil {
			continue
		}
		id, _ := r.Response.Result[models.ParamActivationID].(string)
		if id == "" {
			continue
		}
		if c.seen.Add(id, struct{}{}, cache.DefaultExpiration) != nil {
			continue
		}
		c.pending = append(c.pending, &models.Activation{ID: id, Params: models.StripReserved(r.Response.Result)})
	}
}

func (c *logRecordChannel) complete(ctx context.Context, id string, r models.Result) error {
	_, err := invokeAgent(ctx, c.client, c.completed, c.backoff, map[string]interface{}{
		models.ParamActivationID: id,
		models.ParamResult:       map[string]interface{}(r),
	})
	return err
}

func (c *logRecordChannel) close(ctx context.Context) error { return nil }
