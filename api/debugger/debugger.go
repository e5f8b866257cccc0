// Package debugger runs one debug session: it starts the local sandbox,
// swaps the remote action for a forwarding agent and executes forwarded
// activations locally until stopped.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fnproject/fndebug/api/agent"
	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/config"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
	"github.com/fnproject/fndebug/api/sandbox"
	"github.com/fnproject/fndebug/api/sandbox/kinds"
	"github.com/fnproject/fndebug/api/watch"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds the teardown.
const ShutdownTimeout = 30 * time.Second

// ErrStopped is returned by Run once the session is shutting down.
var ErrStopped = errors.New("debug session stopped")

type Options struct {
	Config   *config.Config
	Platform platform.Client
	Runtime  sandbox.Runtime
	// Out receives hook output and the leftover report, default stdout
	Out io.Writer

	// PollInterval and BackOff tune the agent channel, zero keeps defaults
	PollInterval time.Duration
	BackOff      *common.BackOffConfig
	// Debounce for file watch callbacks
	Debounce time.Duration
}

type Debugger struct {
	cfg     *config.Config
	client  platform.Client
	runtime sandbox.Runtime
	out     io.Writer
	opts    Options

	agent   *agent.Manager
	watcher *watch.Watcher

	state sessionState

	// exec serializes local execution between the run loop, tunnel
	// requests and reloads
	exec   sync.Mutex
	spec   *sandbox.Spec
	meta   *models.Action
	remote *models.Action

	lock      sync.Mutex
	stopped   bool
	cancelRun func()

	shutdownOnce sync.Once
}

func New(opts Options) *Debugger {
	d := &Debugger{
		cfg:     opts.Config,
		client:  opts.Platform,
		runtime: opts.Runtime,
		out:     opts.Out,
		opts:    opts,
	}
	if d.out == nil {
		d.out = os.Stdout
	}
	d.agent = agent.New(d.client, agent.Options{
		Action:        d.cfg.Action,
		Condition:     d.cfg.Condition,
		Tunnel:        d.cfg.Tunnel,
		RelayURL:      d.cfg.RelayURL,
		TunnelAddr:    d.cfg.TunnelAddr,
		TunnelURL:     d.cfg.TunnelURL,
		TunnelHandler: d.Execute,
		Cleanup:       d.cfg.Cleanup,
		AgentTimeout:  d.cfg.AgentTimeout,
		PollInterval:  opts.PollInterval,
		BackOff:       opts.BackOff,
		Out:           d.out,
	})
	return d
}

func (d *Debugger) State() State { return d.state.get() }

// Agent exposes the agent manager of the session.
func (d *Debugger) Agent() *agent.Manager { return d.agent }

func (d *Debugger) logger(ctx context.Context) (context.Context, logrus.FieldLogger) {
	return common.LoggerWithFields(ctx, logrus.Fields{"action": d.cfg.Action})
}

func (d *Debugger) sandboxOptions() sandbox.Options {
	return sandbox.Options{
		Overrides: kinds.Overrides{
			Kind:         d.cfg.Kind,
			Image:        d.cfg.Image,
			InternalPort: d.cfg.InternalPort,
			Port:         d.cfg.Port,
			Command:      d.cfg.Command,
		},
		Source:     d.cfg.Source,
		Main:       d.cfg.Main,
		DockerArgs: d.cfg.DockerArgs,
	}
}

// Start brings the session up to Ready. On error the caller still owns the
// teardown through Shutdown.
func (d *Debugger) Start(ctx context.Context) error {
	ctx, log := d.logger(ctx)

	if err := runHook(ctx, "onBuild", d.cfg.OnBuild, d.out); err != nil {
		return d.startFailed(err)
	}

	meta, err := d.agent.Peek(ctx)
	if err != nil {
		return d.startFailed(err)
	}
	spec, err := sandbox.Prepare(meta, d.sandboxOptions())
	if err != nil {
		return d.startFailed(err)
	}
	d.meta, d.spec = meta, spec
	log.WithFields(logrus.Fields{"kind": spec.Kind, "image": spec.Image}).Info("starting session")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := d.runtime.Start(gctx, spec)
		if err == nil {
			log.WithFields(logrus.Fields{"container": h.Name, "debug_port": h.DebugPort}).Info("sandbox started")
		}
		return err
	})
	g.Go(func() error {
		remote, err := d.agent.ReadWithCode(gctx)
		d.remote = remote
		return err
	})
	if err := g.Wait(); err != nil {
		return d.startFailed(err)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.runtime.Init(gctx, sandbox.InitFor(spec, d.remote))
	})
	g.Go(func() error {
		return d.agent.Install(gctx)
	})
	if err := g.Wait(); err != nil {
		return d.startFailed(err)
	}

	if err := runHook(ctx, "onStart", d.cfg.OnStart, d.out); err != nil {
		return d.startFailed(err)
	}

	if len(d.cfg.Watch) > 0 {
		d.watcher = watch.New(d.cfg.Watch, d.opts.Debounce, d.onChange)
		if err := d.watcher.Start(ctx); err != nil {
			return d.startFailed(fmt.Errorf("cannot watch sources: %w", err))
		}
	}

	d.state.set(StateReady)
	log.WithField("variant", d.agent.Variant()).Info("ready for activations")
	return nil
}

func (d *Debugger) startFailed(err error) error {
	d.state.set(StateShuttingDown)
	return err
}

// Run forwards activations until Stop, the context ends or the agent
// signals the end of the session.
func (d *Debugger) Run(ctx context.Context) error {
	ctx, log := d.logger(ctx)
	if !d.state.set(StateRunning) {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.lock.Lock()
	d.cancelRun = cancel
	d.lock.Unlock()

	for !d.isStopped() {
		a, err := d.agent.WaitForNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if a == nil {
			log.Info("no more activations")
			return nil
		}

		start := time.Now()
		res, _ := d.Execute(ctx, a)
		if err := d.agent.CompleteActivation(ctx, a.ID, res, time.Since(start)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).WithField("activation_id", a.ID).Error("result lost, the caller will time out")
		}
	}
	return nil
}

func (d *Debugger) isStopped() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stopped
}

// Stop ends the run loop after the current activation.
func (d *Debugger) Stop() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.stopped = true
	if d.cancelRun != nil {
		d.cancelRun()
	}
}

// Execute runs a on the local sandbox. Sandbox failures become the error
// result of the activation, so a caller never waits for a result that will
// not come.
func (d *Debugger) Execute(ctx context.Context, a *models.Activation) (models.Result, error) {
	ctx = common.WithActivationID(ctx, a.ID)
	log := common.Logger(ctx)

	d.exec.Lock()
	defer d.exec.Unlock()

	ctx, finish := common.MakeTracker(ctx, runMeasure, "run")
	req := sandbox.NewRunRequest(d.spec, a, d.cfg.APIHost, d.cfg.Auth, d.agent.Timeout())
	start := time.Now()
	res, err := d.runtime.Run(ctx, req)
	finish(err)
	if err != nil {
		log.WithError(err).Error("local run failed")
		return models.Result{"error": err.Error()}, nil
	}
	log.WithField("duration", time.Since(start)).Info("activation ran locally")
	return res, nil
}

// onChange reloads the sandbox when the code is not mounted, then invokes
// the remote action if asked to.
func (d *Debugger) onChange(ctx context.Context, changed []string) {
	ctx, log := d.logger(ctx)
	log = log.WithField("changed", changed)

	if d.spec != nil && len(d.spec.Mounts) == 0 && d.cfg.Source != "" {
		if err := d.reload(ctx); err != nil {
			common.RecordOp(ctx, reloadMeasure, "failed")
			log.WithError(err).Error("reload failed, keeping the previous code")
			return
		}
		common.RecordOp(ctx, reloadMeasure, "reloaded")
		log.Info("sandbox reloaded")
	} else {
		log.Info("sources changed")
	}

	if d.cfg.InvokeParams == nil && d.cfg.InvokeAction == "" {
		return
	}
	name := d.cfg.InvokeAction
	if name == "" {
		name = d.cfg.Action
	}
	params := d.cfg.InvokeParams
	if params == nil {
		params = map[string]interface{}{}
	}
	res, err := d.client.Invoke(ctx, name, params)
	if err != nil {
		log.WithError(err).WithField("invoked", name).Warn("invoke after change failed")
		return
	}
	log.WithFields(logrus.Fields{"invoked": name, "result": res}).Info("invoked after change")
}

// reload restarts the sandbox with freshly read source. Runtimes accept a
// single /init, so a new container is the only way to swap code.
func (d *Debugger) reload(ctx context.Context) error {
	d.exec.Lock()
	defer d.exec.Unlock()

	spec, err := sandbox.Prepare(d.meta, d.sandboxOptions())
	if err != nil {
		return err
	}
	if err := d.runtime.Stop(ctx); err != nil {
		return err
	}
	if _, err := d.runtime.Start(ctx, spec); err != nil {
		return err
	}
	if err := d.runtime.Init(ctx, sandbox.InitFor(spec, d.remote)); err != nil {
		return err
	}
	d.spec = spec
	return nil
}

// Shutdown tears the session down once, concurrent callers wait for the
// first. It runs on a fresh context so a cancelled caller still restores
// the remote action. Step failures are logged, not returned.
func (d *Debugger) Shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		d.state.set(StateShuttingDown)
		d.Stop()

		ctx, cancel := context.WithTimeout(common.BackgroundContext(ctx), ShutdownTimeout)
		defer cancel()
		ctx, log := d.logger(ctx)
		log.Info("shutting down")

		if err := d.agent.Shutdown(ctx); err != nil {
			log.WithError(err).Error("cannot restore the remote action")
		}
		// a reload may hold the sandbox
		d.exec.Lock()
		if err := d.runtime.Stop(ctx); err != nil {
			log.WithError(err).Error("cannot stop the sandbox")
		}
		d.exec.Unlock()
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				log.WithError(err).Warn("cannot stop watching")
			}
		}

		d.state.set(StateStopped)
		log.Info("stopped")
	})
}

// Debug runs a whole session: Start, Run until ctx ends, Shutdown.
func (d *Debugger) Debug(ctx context.Context) error {
	defer d.Shutdown(ctx)
	if err := d.Start(ctx); err != nil {
		return err
	}
	if err := d.Run(ctx); err != nil && err != ErrStopped {
		return err
	}
	return nil
}
