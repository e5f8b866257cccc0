// Package agent swaps a remote action for a forwarding agent and exchanges
// activations with it.
//
// The remote slot is rewritten in place: the deployed action is
// saved under a backup name, the slot gets the agent program plus a marker
// annotation, and shutdown writes the original back. The platform has no
// atomic swap, so the marker is what tells a leftover agent apart from a
// real implementation on the next run.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fnproject/fndebug/api/agent/condition"
	"github.com/fnproject/fndebug/api/agent/js"
	"github.com/fnproject/fndebug/api/agent/tunnel"
	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
	"github.com/golang/groupcache/singleflight"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/tag"
)

// AgentConcurrency is the instance concurrency asked for the concurrent variant.
const AgentConcurrency = 200

var (
	// ErrAgentConflict means the slot holds an agent but no usable backup,
	// the action has to be redeployed before it can be debugged.
	ErrAgentConflict = errors.New("action slot holds a debug agent without a valid backup")
	// ErrAgentCode means agent code was about to be used as the original.
	ErrAgentCode = errors.New("refusing to use debug agent code as the action implementation")
	ErrNotRead   = errors.New("action code must be read before installing the agent")
)

type Options struct {
	Action    string
	Condition string
	Tunnel    bool
	// RelayURL is the public tunnel relay, empty serves the listener directly
	RelayURL string
	// TunnelAddr is the tunnel listener address, default 127.0.0.1:0
	TunnelAddr string
	// TunnelURL is where the agent reaches the listener, default its bound
	// address. Ignored with a relay.
	TunnelURL string
	// TunnelHandler runs tunneled activations locally
	TunnelHandler tunnel.Handler
	Cleanup       bool
	AgentTimeout  time.Duration
	// PollInterval paces the log-record variant
	PollInterval time.Duration
	// BackOff for transient platform errors, default common.PlatformBackOff
	BackOff *common.BackOffConfig
	// Out receives the leftover report, default stdout
	Out io.Writer
}

// Manager owns the remote slot of one action. Peek, ReadWithCode, Install
// and the activation calls are made from one goroutine; Shutdown may be
// called from any number of goroutines.
type Manager struct {
	client  platform.Client
	opts    Options
	backoff common.BackOffConfig

	state agentState

	lock      sync.Mutex
	original  *models.Action
	leftover  bool
	timeout   time.Duration
	ch        channel
	backup    chan error
	restored  bool
	restoreMu singleflight.Group
}

func New(client platform.Client, opts Options) *Manager {
	m := &Manager{client: client, opts: opts, backoff: common.PlatformBackOff}
	if opts.BackOff != nil {
		m.backoff = *opts.BackOff
	}
	if m.opts.Out == nil {
		m.opts.Out = os.Stdout
	}
	if m.opts.AgentTimeout <= 0 {
		m.opts.AgentTimeout = 300 * time.Second
	}
	return m
}

func (m *Manager) State() StateType { return m.state.get() }

// Variant is the protocol of the installed agent, empty before Install.
func (m *Manager) Variant() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.ch == nil {
		return ""
	}
	return m.ch.variant()
}

// Timeout is the agent timeout actually installed.
func (m *Manager) Timeout() time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.timeout
}

func (m *Manager) name() string { return m.opts.Action }

func (m *Manager) logger(ctx context.Context) (context.Context, logrus.FieldLogger) {
	return common.LoggerWithFields(ctx, logrus.Fields{"action": m.name()})
}

// Peek reads the slot's metadata. A slot already holding an agent with a
// valid backup reports the backup as the original.
func (m *Manager) Peek(ctx context.Context) (*models.Action, error) {
	ctx, log := m.logger(ctx)

	a, err := m.client.GetAction(ctx, m.name(), false)
	if err != nil {
		return nil, fmt.Errorf("cannot read action %s: %w", m.name(), err)
	}
	if !a.IsAgent() {
		return a, nil
	}

	backup, err := m.client.GetAction(ctx, models.BackupName(m.name()), false)
	if err != nil && !platform.IsNotFound(err) {
		return nil, fmt.Errorf("cannot read backup of %s: %w", m.name(), err)
	}
	if err != nil || backup.IsAgent() {
		return nil, fmt.Errorf("%w: %s, redeploy the action first", ErrAgentConflict, m.name())
	}

	log.Warn("agent from an earlier session is still installed, its backup is used as the original")
	backup.Name = a.Name
	m.lock.Lock()
	m.leftover = true
	m.lock.Unlock()
	m.state.set(ctx, StateInstalling)
	m.state.set(ctx, StateInstalled)
	return backup, nil
}

// ReadWithCode fetches the full original. A leftover agent is taken down
// first so the slot is consistent before a new install.
func (m *Manager) ReadWithCode(ctx context.Context) (*models.Action, error) {
	ctx, log := m.logger(ctx)

	m.lock.Lock()
	leftover := m.leftover
	m.lock.Unlock()
	if leftover {
		log.Info("restoring the original before reinstalling the agent")
		if err := m.restore(ctx, StateNotInstalled); err != nil {
			return nil, err
		}
		m.lock.Lock()
		m.leftover = false
		m.lock.Unlock()
	}

	a, err := m.client.GetAction(ctx, m.name(), true)
	if err != nil {
		return nil, fmt.Errorf("cannot read action %s: %w", m.name(), err)
	}
	if a.IsAgent() {
		return nil, ErrAgentCode
	}
	m.lock.Lock()
	m.original = a.Clone()
	m.lock.Unlock()
	return a, nil
}

// agentTimeout caps the configured timeout by the platform's advertised
// maximum. Platforms that advertise no limits keep the configured value.
func (m *Manager) agentTimeout(ctx context.Context) time.Duration {
	timeout := m.opts.AgentTimeout
	info, err := m.client.Info(ctx)
	if err != nil {
		common.Logger(ctx).WithError(err).Debug("cannot read platform limits")
		return timeout
	}
	if info.Limits != nil && info.Limits.MaxActionDuration > 0 {
		max := time.Duration(info.Limits.MaxActionDuration) * time.Millisecond
		if max < timeout {
			common.Logger(ctx).WithField("max", max).Info("agent timeout capped by platform limit")
			timeout = max
		}
	}
	return timeout
}

func (m *Manager) newChannel(variant string) channel {
	switch variant {
	case models.VariantTunnel:
		return newTunnelChannel(m.opts.TunnelHandler, m.opts.TunnelAddr, m.opts.TunnelURL, m.opts.RelayURL)
	case models.VariantLogRecord:
		return newLogRecordChannel(m.client, m.name(), m.opts.PollInterval, m.backoff)
	}
	return &concurrentChannel{client: m.client, name: m.name(), backoff: m.backoff}
}

func (m *Manager) agentAction(orig *models.Action, ch channel, timeout time.Duration) (*models.Action, error) {
	code, err := js.Agent(ch.variant())
	if err != nil {
		return nil, err
	}

	params := orig.Parameters.With(models.ParamBackupName, models.BackupName(m.name()))
	if m.opts.Condition != "" {
		params = params.With(models.ParamCondition, m.opts.Condition)
	}
	for _, kv := range ch.params() {
		params = params.With(kv.Key, kv.Value)
	}

	a := &models.Action{
		Name:    m.name(),
		Publish: orig.Publish,
		Exec:    models.Exec{Kind: AgentKind, Code: code},
		Limits: models.Limits{
			Timeout: int(timeout / time.Millisecond),
			Memory:  orig.Limits.Memory,
			Logs:    orig.Limits.Logs,
		},
		Annotations: orig.Annotations.
			Without(models.AnnotationExec).
			With(models.AnnotationAgent, true).
			With(models.AnnotationVariant, ch.variant()),
		Parameters: params,
	}
	if ch.variant() == models.VariantConcurrent {
		a.Limits.Concurrency = AgentConcurrency
	}
	return a, nil
}

func backupOf(orig *models.Action) *models.Action {
	b := orig.ForPut()
	b.Name = models.BackupName(orig.Name)
	b.Annotations = b.Annotations.Without(models.AnnotationExec)
	return b
}

// Install saves the original and overwrites the slot with the agent. When
// the agent write fails without a clear rejection the state stays
// Installing, the write may have landed and Shutdown restores the slot.
func (m *Manager) Install(ctx context.Context) error {
	ctx, log := m.logger(ctx)

	m.lock.Lock()
	orig := m.original
	m.lock.Unlock()
	if orig == nil {
		return ErrNotRead
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.opts.Condition != "" {
		if _, err := condition.Parse(m.opts.Condition); err != nil {
			log.WithError(err).Warn("condition does not compile, every call will be forwarded")
		}
	}
	m.state.set(ctx, StateInstalling)

	timeout := m.agentTimeout(ctx)

	// the backup is awaited at shutdown, not here
	backup := make(chan error, 1)
	bctx := common.BackgroundContext(ctx)
	go func() {
		_, err := m.client.PutAction(bctx, backupOf(orig))
		backup <- err
	}()
	m.lock.Lock()
	m.backup, m.timeout = backup, timeout
	m.lock.Unlock()

	variant := models.VariantConcurrent
	if m.opts.Tunnel {
		variant = models.VariantTunnel
	}

	ch, written, err := m.installVariant(ctx, orig, variant, timeout)
	if err != nil && variant == models.VariantConcurrent && platform.IsConcurrencyRejection(err) {
		log.WithError(err).Warn("platform rejected a concurrent agent, falling back to activation records")
		ch, written, err = m.installVariant(ctx, orig, models.VariantLogRecord, timeout)
	}
	if err != nil {
		if written {
			log.WithError(err).Warn("agent write failed with an unknown outcome, the original is restored on shutdown")
		} else {
			m.state.set(ctx, StateNotInstalled)
		}
		return fmt.Errorf("cannot install agent on %s: %w", m.name(), err)
	}

	m.lock.Lock()
	m.ch = ch
	m.lock.Unlock()
	m.state.set(ctx, StateInstalled)
	log.WithFields(logrus.Fields{"variant": ch.variant(), "timeout": timeout}).Info("agent installed")
	return nil
}

// installVariant sets up the channel and writes the agent. written reports
// a failed agent write the platform may still have applied. The write is
// detached from ctx so a cancellation cannot leave it half done.
func (m *Manager) installVariant(ctx context.Context, orig *models.Action, variant string, timeout time.Duration) (ch channel, written bool, err error) {
	ch = m.newChannel(variant)
	if err := ch.setup(ctx); err != nil {
		return nil, false, err
	}
	// helpers exist from here on, even if the agent write fails
	m.lock.Lock()
	if m.ch == nil {
		m.ch = ch
	}
	m.lock.Unlock()

	a, err := m.agentAction(orig, ch, timeout)
	if err == nil {
		_, err = m.client.PutAction(common.BackgroundContext(ctx), a)
		written = err != nil && !platform.IsRejected(err)
	}
	if err != nil {
		// a concurrent agent never ran, closing it would invoke the original
		if variant != models.VariantConcurrent {
			ch.close(ctx)
		}
		m.lock.Lock()
		if m.ch == ch {
			m.ch = nil
		}
		m.lock.Unlock()
		m.forget(common.BackgroundContext(ctx), ch)
		return nil, written, err
	}
	return ch, false, nil
}

// forget removes the helpers of a channel that never became active.
func (m *Manager) forget(ctx context.Context, ch channel) {
	for _, h := range ch.helpers() {
		if err := m.client.DeleteAction(ctx, h); err != nil && !platform.IsNotFound(err) {
			common.Logger(ctx).WithError(err).WithField("helper", h).Warn("cannot delete helper")
		}
	}
}

func (m *Manager) channel() channel {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.ch
}

func (m *Manager) tagged(ctx context.Context, ch channel) context.Context {
	ctx, err := tag.New(ctx, tag.Upsert(variantKey, ch.variant()))
	if err != nil {
		logrus.WithError(err).Fatalf("cannot add tag %v=%v", variantKey, ch.variant())
	}
	return ctx
}

// WaitForNext blocks for the next forwarded activation. A nil activation
// with a nil error means the session is over.
func (m *Manager) WaitForNext(ctx context.Context) (*models.Activation, error) {
	ch := m.channel()
	if ch == nil {
		return nil, ErrNotRead
	}
	ctx = m.tagged(ctx, ch)
	ctx, finish := common.MakeTracker(ctx, waitMeasure, "agent_wait")
	a, err := ch.next(ctx)
	finish(err)
	if a != nil {
		common.RecordOp(ctx, activationsMeasure, "received")
		common.Logger(ctx).WithField("activation_id", a.ID).Info("activation received")
	}
	return a, err
}

// CompleteActivation hands the local result back to the waiting caller.
func (m *Manager) CompleteActivation(ctx context.Context, id string, r models.Result, took time.Duration) error {
	ch := m.channel()
	if ch == nil {
		return ErrNotRead
	}
	ctx = m.tagged(ctx, ch)
	if err := ch.complete(ctx, id, r); err != nil {
		return fmt.Errorf("cannot complete activation %s: %w", id, err)
	}
	common.RecordOp(ctx, activationsMeasure, "completed")
	common.Logger(ctx).WithFields(logrus.Fields{"activation_id": id, "duration": took}).Info("activation completed")
	return nil
}

// Shutdown restores the original and releases the channel. Concurrent
// callers share one restore and later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	_, err := m.restoreMu.Do("shutdown", func() (interface{}, error) {
		return nil, m.shutdown(ctx)
	})
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	ctx, log := m.logger(ctx)

	m.lock.Lock()
	if m.restored {
		m.lock.Unlock()
		return nil
	}
	backup, ch := m.backup, m.ch
	m.lock.Unlock()

	state := m.State()
	if backup == nil && state != StateInstalling && state != StateInstalled {
		// nothing was written to the platform
		m.lock.Lock()
		m.restored = true
		m.lock.Unlock()
		return nil
	}

	var backupErr error
	if backup != nil {
		if err := <-backup; err != nil {
			backupErr = fmt.Errorf("backup write failed: %w", err)
		}
		// later calls must not block on the drained channel
		m.lock.Lock()
		m.backup = nil
		m.lock.Unlock()
	}

	if ch != nil {
		if err := ch.close(ctx); err != nil {
			log.WithError(err).Warn("cannot close agent channel")
		}
	}

	switch state {
	case StateInstalling, StateInstalled:
		if err := m.restore(ctx, StateRestored); err != nil {
			return err
		}
	}

	var helpers []string
	if ch != nil {
		helpers = ch.helpers()
	}
	if m.opts.Cleanup {
		for _, name := range append([]string{models.BackupName(m.name())}, helpers...) {
			if err := m.client.DeleteAction(ctx, name); err != nil && !platform.IsNotFound(err) {
				log.WithError(err).WithField("leftover", name).Warn("cannot delete")
			}
		}
	} else {
		m.report(helpers)
	}

	m.lock.Lock()
	m.restored = true
	m.lock.Unlock()

	return backupErr
}

func (m *Manager) report(helpers []string) {
	fmt.Fprintf(m.opts.Out, "kept backup %s\n", models.BackupName(m.name()))
	for _, h := range helpers {
		fmt.Fprintf(m.opts.Out, "kept helper %s\n", h)
	}
	fmt.Fprintln(m.opts.Out, "run with cleanup to remove them")
}

// restore writes the original back to the slot, from memory if it was read
// in this session, else from the backup, and moves to final.
func (m *Manager) restore(ctx context.Context, final StateType) error {
	log := common.Logger(ctx)
	m.state.set(ctx, StateRestoring)

	m.lock.Lock()
	orig := m.original
	m.lock.Unlock()

	if orig == nil {
		b, err := m.client.GetAction(ctx, models.BackupName(m.name()), true)
		if err != nil {
			return fmt.Errorf("cannot read backup of %s: %w", m.name(), err)
		}
		if b.IsAgent() {
			return fmt.Errorf("%w: %s", ErrAgentConflict, m.name())
		}
		orig = b
	}

	put := orig.ForPut()
	put.Name = m.name()
	put.Annotations = put.Annotations.Without(models.AnnotationExec)
	if _, err := m.client.PutAction(ctx, put); err != nil {
		return fmt.Errorf("cannot restore %s: %w", m.name(), err)
	}
	m.state.set(ctx, final)
	log.Info("original action restored")
	return nil
}
