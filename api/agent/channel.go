package agent

import (
	"context"
	"errors"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
)

// AgentKind is the runtime the agent programs are written for.
const AgentKind = "nodejs:default"

// channel is one forwarding protocol between the installed agent and the
// local client.
type channel interface {
	variant() string
	// setup runs before the agent is written, e.g. to learn a tunnel url
	setup(ctx context.Context) error
	// params are bound to the agent action
	params() models.KeyValues
	// helpers are extra actions the channel created
	helpers() []string
	// next blocks for an activation, nil means the debugger should stop
	next(ctx context.Context) (*models.Activation, error)
	complete(ctx context.Context, id string, r models.Result) error
	close(ctx context.Context) error
}

var errNoActivationID = errors.New("agent answered without an activation id")

// concurrentChannel talks to a single warm agent instance holding the queue.
type concurrentChannel struct {
	client  platform.Client
	name    string
	backoff common.BackOffConfig
}

func (c *concurrentChannel) variant() string                 { return models.VariantConcurrent }
func (c *concurrentChannel) setup(ctx context.Context) error { return nil }
func (c *concurrentChannel) params() models.KeyValues        { return nil }
func (c *concurrentChannel) helpers() []string               { return nil }

func (c *concurrentChannel) next(ctx context.Context) (*models.Activation, error) {
	res, err := invokeAgent(ctx, c.client, c.name, c.backoff, map[string]interface{}{
		models.ParamWaitForActivation: true,
	})
	if res == nil || err != nil {
		return nil, err
	}
	id, _ := res[models.ParamActivationID].(string)
	if id == "" {
		return nil, errNoActivationID
	}
	return &models.Activation{ID: id, Params: models.StripReserved(res)}, nil
}

func (c *concurrentChannel) complete(ctx context.Context, id string, r models.Result) error {
	_, err := invokeAgent(ctx, c.client, c.name, c.backoff, map[string]interface{}{
		models.ParamCompleteActivation: true,
		models.ParamActivationID:       id,
		models.ParamResult:             map[string]interface{}(r),
	})
	return err
}

// close tells the agent to fail pending waits, best effort: the slot is
// overwritten right after anyway.
func (c *concurrentChannel) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.client.Invoke(ctx, c.name, map[string]interface{}{models.ParamStopDebugger: true})
	if err != nil {
		common.Logger(ctx).WithError(err).Debug("agent did not take the stop signal")
	}
	return nil
}

// invokeAgent calls the agent until it gives a real answer. CodeRetry loops,
// transient errors back off, CodeStop and cancellation return nil, nil.
func invokeAgent(ctx context.Context, client platform.Client, name string, cfg common.BackOffConfig, params map[string]interface{}) (models.Result, error) {
	log := common.Logger(ctx)
	b := common.NewBackOff(cfg)
	for {
		res, err := client.Invoke(ctx, name, params)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		if code, ok := platform.ReservedCode(err); ok {
			if code == models.CodeStop {
				log.Info("agent signalled the debugger to stop")
				return nil, nil
			}
			b = common.NewBackOff(cfg)
			continue
		}
		if !platform.IsTransient(err) {
			return nil, err
		}
		log.WithError(err).Warn("platform busy, retrying")
		if !common.SleepBackOff(ctx, b) {
			return nil, nil
		}
	}
}
