// Package docker runs debug containers on the local docker engine.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/sandbox"
	"github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
)

// MinDockerVersion is the oldest engine with auto-remove and the API calls used.
const MinDockerVersion = "17.6.0"

var (
	ErrDockerTooOld = errors.New("docker engine is too old")
	ErrPortInUse    = errors.New("debug port is already in use")
)

// Adapter implements sandbox.Runtime on one container.
type Adapter struct {
	docker dockerClient
	// Stdout and Stderr receive the container output.
	Stdout io.Writer
	Stderr io.Writer

	mu         sync.Mutex
	handle     *sandbox.Handle
	client     *sandbox.Client
	stopLogs   context.CancelFunc
	logsDone   chan struct{}
	freePortFn func() (int, error)
}

var _ sandbox.Runtime = (*Adapter)(nil)

// New connects to the engine from the environment and checks its version.
func New(ctx context.Context) (*Adapter, error) {
	c, err := newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to docker: %w", err)
	}
	a := newAdapter(c)
	if err := a.checkDockerVersion(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newAdapter(c dockerClient) *Adapter {
	return &Adapter{
		docker:     c,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		freePortFn: freePort,
	}
}

func (a *Adapter) checkDockerVersion(ctx context.Context) error {
	v, err := a.docker.ServerVersion(ctx)
	if err != nil {
		return err
	}

	actual, err := parseEngineVersion(v.Version)
	if err != nil {
		return err
	}
	wanted := semver.New(MinDockerVersion)
	if actual.LessThan(*wanted) {
		return fmt.Errorf("%w: required %s, found %s", ErrDockerTooOld, MinDockerVersion, v.Version)
	}
	return nil
}

// engine versions look like 17.06.2-ce or 20.10.7+dfsg1
func parseEngineVersion(s string) (*semver.Version, error) {
	if i := strings.IndexAny(s, "-+~"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	for i, p := range parts[:3] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad docker version %q: %w", s, err)
		}
		parts[i] = strconv.Itoa(n)
	}
	return semver.NewVersion(strings.Join(parts[:3], "."))
}

func labelFilter(label string) filters.Args {
	return filters.NewArgs(filters.Arg("label", sandbox.LabelAction+"="+label))
}

// ReclaimStaleContainers force removes containers left behind by an earlier
// session for the same action.
func (a *Adapter) ReclaimStaleContainers(ctx context.Context, label string) error {
	log := common.Logger(ctx)
	list, err := a.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: labelFilter(label)})
	if err != nil {
		return fmt.Errorf("cannot list containers: %w", err)
	}
	for _, c := range list {
		log.WithField("container", c.ID).Info("removing stale debug container")
		err := a.docker.RemoveContainer(docker.RemoveContainerOptions{ID: c.ID, Force: true, Context: ctx})
		if err != nil && !isNoSuchContainer(err) {
			return fmt.Errorf("cannot remove stale container %s: %w", c.ID, err)
		}
		stats.Record(ctx, dockerReclaimMeasure.M(0))
	}
	return nil
}

func (a *Adapter) checkPortFree(ctx context.Context, port int) error {
	list, err := a.docker.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return fmt.Errorf("cannot list containers: %w", err)
	}
	for _, c := range list {
		for _, p := range c.Ports {
			if int(p.PublicPort) == port {
				return fmt.Errorf("%w: port %d is published by container %s", ErrPortInUse, port, strings.Join(c.Names, ","))
			}
		}
	}

	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortInUse, err)
	}
	return l.Close()
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Start replaces any stale container for spec and starts a new one.
func (a *Adapter) Start(ctx context.Context, spec *sandbox.Spec) (*sandbox.Handle, error) {
	ctx, log := common.LoggerWithFields(ctx, logrus.Fields{"container": spec.ContainerName()})

	extra, err := ParseExtraArgs(spec.DockerArgs)
	if err != nil {
		return nil, err
	}
	if err := a.ReclaimStaleContainers(ctx, spec.Label()); err != nil {
		return nil, err
	}
	if err := a.checkPortFree(ctx, spec.Port); err != nil {
		return nil, err
	}
	if err := a.EnsureImage(ctx, spec.Image); err != nil {
		return nil, err
	}
	runtimePort, err := a.freePortFn()
	if err != nil {
		return nil, err
	}

	opts := createOptions(ctx, spec, extra, runtimePort)
	c, err := a.docker.CreateContainer(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot create container: %w", err)
	}
	if err := a.docker.StartContainerWithContext(c.ID, nil, ctx); err != nil {
		a.remove(ctx, c.ID)
		return nil, fmt.Errorf("cannot start container: %w", err)
	}

	h := &sandbox.Handle{
		ID:          c.ID,
		Name:        opts.Name,
		Image:       spec.Image,
		Host:        "127.0.0.1",
		RuntimePort: runtimePort,
		DebugPort:   spec.Port,
		Mounts:      append(append([]sandbox.Mount(nil), spec.Mounts...), extra.Mounts...),
	}

	logCtx, cancel := context.WithCancel(common.BackgroundContext(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.streamLogs(logCtx, c.ID)
	}()

	a.mu.Lock()
	a.handle = h
	a.client = sandbox.NewClient(h.RuntimeURL())
	a.stopLogs, a.logsDone = cancel, done
	a.mu.Unlock()

	log.WithFields(logrus.Fields{"image": spec.Image, "debug_port": spec.Port, "runtime_port": runtimePort}).Info("debug container started")
	return h, nil
}

func createOptions(ctx context.Context, spec *sandbox.Spec, extra *ExtraArgs, runtimePort int) docker.CreateContainerOptions {
	env := make([]string, 0, len(spec.Env)+len(extra.Env))
	for k, v := range spec.Env {
		if _, ok := extra.Env[k]; !ok {
			env = append(env, k+"="+v)
		}
	}
	for k, v := range extra.Env {
		env = append(env, k+"="+v)
	}

	runtime := docker.Port(strconv.Itoa(sandbox.RuntimePort) + "/tcp")
	debug := docker.Port(strconv.Itoa(spec.InternalPort) + "/tcp")
	exposed := map[docker.Port]struct{}{runtime: {}, debug: {}}
	bindings := map[docker.Port][]docker.PortBinding{
		runtime: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(runtimePort)}},
		debug:   {{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
	}
	for _, p := range extra.Publish {
		port := docker.Port(p.ContainerPort + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], docker.PortBinding{HostIP: p.HostIP, HostPort: p.HostPort})
	}

	var binds []string
	for _, m := range append(append([]sandbox.Mount(nil), spec.Mounts...), extra.Mounts...) {
		b := m.Source + ":" + m.Target
		if m.ReadOnly {
			b += ":ro"
		}
		binds = append(binds, b)
	}

	entrypoint := spec.Entrypoint
	if len(extra.Entrypoint) > 0 {
		entrypoint = extra.Entrypoint
	}
	var cmd []string
	if spec.Command != "" {
		cmd = []string{"/bin/sh", "-c", spec.Command}
	}

	memory := int64(spec.MemoryMB) * 1024 * 1024
	if extra.Memory > 0 {
		memory = extra.Memory
	}

	return docker.CreateContainerOptions{
		Name: spec.ContainerName(),
		Config: &docker.Config{
			Image:        spec.Image,
			Env:          env,
			Cmd:          cmd,
			Entrypoint:   entrypoint,
			WorkingDir:   spec.WorkingDir,
			ExposedPorts: exposed,
			Labels:       map[string]string{sandbox.LabelAction: spec.Label()},
		},
		HostConfig: &docker.HostConfig{
			Binds:        binds,
			PortBindings: bindings,
			AutoRemove:   true,
			NetworkMode:  extra.Network,
			Memory:       memory,
		},
		Context: ctx,
	}
}

func (a *Adapter) streamLogs(ctx context.Context, id string) {
	err := a.docker.Logs(docker.LogsOptions{
		Context:      ctx,
		Container:    id,
		OutputStream: a.Stdout,
		ErrorStream:  a.Stderr,
		Follow:       true,
		Stdout:       true,
		Stderr:       true,
	})
	if err != nil && ctx.Err() == nil {
		common.Logger(ctx).WithError(err).Debug("container log stream ended")
	}
}

func (a *Adapter) runtimeClient() (*sandbox.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, sandbox.ErrNotStarted
	}
	return a.client, nil
}

func (a *Adapter) Init(ctx context.Context, p *sandbox.InitPayload) error {
	c, err := a.runtimeClient()
	if err != nil {
		return err
	}
	return c.Init(ctx, p)
}

func (a *Adapter) Run(ctx context.Context, r *sandbox.RunRequest) (models.Result, error) {
	c, err := a.runtimeClient()
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, r)
}

// Handle is the running container, nil before Start and after Stop.
func (a *Adapter) Handle() *sandbox.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// Stop removes the container. Calling it again, or before Start, is a no-op.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	h, cancel, done := a.handle, a.stopLogs, a.logsDone
	a.handle, a.client, a.stopLogs, a.logsDone = nil, nil, nil, nil
	a.mu.Unlock()

	if h == nil {
		return nil
	}
	err := a.remove(ctx, h.ID)
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

func (a *Adapter) remove(ctx context.Context, id string) error {
	err := a.docker.RemoveContainer(docker.RemoveContainerOptions{ID: id, Force: true, Context: ctx})
	if err == nil || isNoSuchContainer(err) {
		return nil
	}
	common.Logger(ctx).WithError(err).WithField("container", id).Error("cannot remove debug container")
	return err
}

func isNoSuchContainer(err error) bool {
	var nsc *docker.NoSuchContainer
	if errors.As(err, &nsc) {
		return true
	}
	var derr *docker.Error
	return errors.As(err, &derr) && derr.Status == 404
}
