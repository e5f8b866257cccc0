package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/fnproject/fndebug/api/sandbox"
	"github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDocker struct {
	mock.Mock

	mu    sync.Mutex
	order []string
}

func (m *mockDocker) record(op string) {
	m.mu.Lock()
	m.order = append(m.order, op)
	m.mu.Unlock()
}

func (m *mockDocker) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *mockDocker) ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error) {
	op := "list"
	if options.Filters.Len() > 0 {
		op = "list_label"
	}
	m.record(op)
	args := m.Called(op)
	return args.Get(0).([]types.Container), args.Error(1)
}

func (m *mockDocker) ServerVersion(ctx context.Context) (types.Version, error) {
	args := m.Called()
	return args.Get(0).(types.Version), args.Error(1)
}

func (m *mockDocker) CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error) {
	m.record("create")
	args := m.Called(opts.Name)
	c, _ := args.Get(0).(*docker.Container)
	return c, args.Error(1)
}

func (m *mockDocker) StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error {
	m.record("start")
	return m.Called(id).Error(0)
}

func (m *mockDocker) RemoveContainer(opts docker.RemoveContainerOptions) error {
	m.record("remove:" + opts.ID)
	return m.Called(opts.ID).Error(0)
}

func (m *mockDocker) InspectImage(name string) (*docker.Image, error) {
	args := m.Called(name)
	img, _ := args.Get(0).(*docker.Image)
	return img, args.Error(1)
}

func (m *mockDocker) PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error {
	m.record("pull")
	args := m.Called(opts.Repository, opts.Tag)
	if opts.OutputStream != nil {
		io.WriteString(opts.OutputStream, `{"id":"abc","status":"Downloading","progress":"[==>  ]"}`+"\n")
	}
	return args.Error(0)
}

func (m *mockDocker) Logs(opts docker.LogsOptions) error {
	return nil
}

func testSpec(t *testing.T) *sandbox.Spec {
	port, err := freePort()
	require.NoError(t, err)
	return &sandbox.Spec{
		Action:       "hello",
		Namespace:    "guest",
		Image:        "openwhisk/action-nodejs-v10:latest",
		InternalPort: 9229,
		Port:         port,
		Command:      "node --inspect=0.0.0.0:9229 app.js",
		Env:          map[string]string{"__OW_ALLOW_CONCURRENT": "true"},
	}
}

func testAdapter(m *mockDocker) *Adapter {
	a := newAdapter(m)
	a.Stdout, a.Stderr = ioutil.Discard, ioutil.Discard
	a.freePortFn = func() (int, error) { return 18080, nil }
	return a
}

func TestStaleRemovedBeforeStart(t *testing.T) {
	m := &mockDocker{}
	spec := testSpec(t)
	m.On("ContainerList", "list_label").Return([]types.Container{{ID: "stale1"}, {ID: "stale2"}}, nil)
	m.On("ContainerList", "list").Return([]types.Container{}, nil)
	m.On("RemoveContainer", "stale1").Return(nil)
	m.On("RemoveContainer", "stale2").Return(&docker.NoSuchContainer{ID: "stale2"})
	m.On("InspectImage", spec.Image).Return(&docker.Image{}, nil)
	m.On("CreateContainer", spec.ContainerName()).Return(&docker.Container{ID: "new"}, nil)
	m.On("StartContainerWithContext", "new").Return(nil)
	m.On("RemoveContainer", "new").Return(nil)

	a := testAdapter(m)
	h, err := a.Start(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "new", h.ID)
	assert.Equal(t, "http://127.0.0.1:18080", h.RuntimeURL())

	assert.Equal(t, []string{"list_label", "remove:stale1", "remove:stale2", "list", "create", "start"}, m.calls())

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()), "stop is idempotent")
	m.AssertNumberOfCalls(t, "RemoveContainer", 3)
	assert.Nil(t, a.Handle())
}

func TestPortInUse(t *testing.T) {
	m := &mockDocker{}
	spec := testSpec(t)
	m.On("ContainerList", "list_label").Return([]types.Container{}, nil)
	m.On("ContainerList", "list").Return([]types.Container{{ID: "other", Names: []string{"/other"}, Ports: []types.Port{{PublicPort: uint16(spec.Port)}}}}, nil)

	_, err := testAdapter(m).Start(context.Background(), spec)
	assert.True(t, errors.Is(err, ErrPortInUse))
	m.AssertNotCalled(t, "CreateContainer", mock.Anything)
}

func TestStartRejectsUnknownArgs(t *testing.T) {
	spec := testSpec(t)
	spec.DockerArgs = "--privileged"
	_, err := testAdapter(&mockDocker{}).Start(context.Background(), spec)
	assert.True(t, errors.Is(err, ErrUnsupportedArg))
}

func TestStopBeforeStart(t *testing.T) {
	assert.NoError(t, testAdapter(&mockDocker{}).Stop(context.Background()))
	_, err := testAdapter(&mockDocker{}).Run(context.Background(), &sandbox.RunRequest{})
	assert.Equal(t, sandbox.ErrNotStarted, err)
}

func TestEnsureImagePulls(t *testing.T) {
	m := &mockDocker{}
	m.On("InspectImage", "openwhisk/action-nodejs-v10:1.2").Return(nil, docker.ErrNoSuchImage)
	m.On("PullImage", "openwhisk/action-nodejs-v10", "1.2").Return(nil)

	PullProgressInterval = 10 * time.Millisecond
	defer func() { PullProgressInterval = 3 * time.Second }()

	require.NoError(t, testAdapter(m).EnsureImage(context.Background(), "openwhisk/action-nodejs-v10:1.2"))
	m.AssertExpectations(t)
}

func TestEnsureImagePullFails(t *testing.T) {
	m := &mockDocker{}
	m.On("InspectImage", "nope").Return(nil, docker.ErrNoSuchImage)
	m.On("PullImage", "nope", "latest").Return(&docker.Error{Status: 404, Message: `{"message":"manifest unknown"}`})

	err := testAdapter(m).EnsureImage(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestReportProgress(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.Out = &buf

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		reportProgress(context.Background(), log, pr, 5*time.Millisecond)
		close(done)
	}()
	io.WriteString(pw, `{"id":"l1","status":"Downloading","progress":"1/2"}`+"\n")
	time.Sleep(30 * time.Millisecond)
	pw.Close()
	<-done

	assert.True(t, strings.Contains(buf.String(), "l1 Downloading 1/2"), buf.String())
}

func TestReportProgressDrainsOverlongLine(t *testing.T) {
	log := logrus.New()
	log.Out = ioutil.Discard

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		reportProgress(context.Background(), log, pr, time.Hour)
		close(done)
	}()

	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(pw, strings.Repeat("x", bufio.MaxScanTokenSize+1)+"\n")
		if err == nil {
			_, err = io.WriteString(pw, `{"status":"Pull complete"}`+"\n")
		}
		pw.Close()
		written <- err
	}()

	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pull output writer blocked")
	}
	<-done
}

func TestCheckDockerVersion(t *testing.T) {
	for _, tc := range []struct {
		version string
		ok      bool
	}{
		{"17.06.0-ce", true},
		{"20.10.7+dfsg1", true},
		{"24.0.5", true},
		{"17.05.0-ce", false},
		{"1.13.1", false},
	} {
		m := &mockDocker{}
		m.On("ServerVersion").Return(types.Version{Version: tc.version}, nil)
		err := testAdapter(m).checkDockerVersion(context.Background())
		if tc.ok {
			assert.NoError(t, err, tc.version)
		} else {
			assert.True(t, errors.Is(err, ErrDockerTooOld), tc.version)
		}
	}
}

func TestCreateOptions(t *testing.T) {
	spec := testSpec(t)
	spec.MemoryMB = 256
	spec.Mounts = []sandbox.Mount{{Source: "/src", Target: sandbox.MountPath, ReadOnly: true}}
	extra, err := ParseExtraArgs("-e FOO=bar -v /data:/data --network host")
	require.NoError(t, err)

	opts := createOptions(context.Background(), spec, extra, 18080)
	assert.Equal(t, spec.ContainerName(), opts.Name)
	assert.Equal(t, "guest/hello", opts.Config.Labels[sandbox.LabelAction])
	assert.Contains(t, opts.Config.Env, "FOO=bar")
	assert.Contains(t, opts.Config.Env, "__OW_ALLOW_CONCURRENT=true")
	assert.Equal(t, []string{"/bin/sh", "-c", spec.Command}, opts.Config.Cmd)
	assert.Equal(t, []string{"/src:/fndebug-src:ro", "/data:/data"}, opts.HostConfig.Binds)
	assert.Equal(t, "18080", opts.HostConfig.PortBindings["8080/tcp"][0].HostPort)
	assert.True(t, opts.HostConfig.AutoRemove)
	assert.Equal(t, "host", opts.HostConfig.NetworkMode)
	assert.Equal(t, int64(256*1024*1024), opts.HostConfig.Memory)
}

func TestRegistryHost(t *testing.T) {
	for repo, want := range map[string]string{
		"ubuntu":                        dockerHubRegistry,
		"openwhisk/action-nodejs-v10":   dockerHubRegistry,
		"registry.example.com/team/img": "registry.example.com",
		"localhost:5000/img":            "localhost:5000",
		"localhost/img":                 "localhost",
	} {
		assert.Equal(t, want, registryHost(repo), repo)
	}
}
