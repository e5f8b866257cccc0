package docker

import (
	"context"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	realdocker "github.com/docker/docker/client"
	"github.com/fnproject/fndebug/api/common"
	"github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
)

type dockerClient interface {
	// github.com/docker/docker/client
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ServerVersion(ctx context.Context) (types.Version, error)

	// github.com/fsouza/go-dockerclient
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	InspectImage(name string) (*docker.Image, error)
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	Logs(opts docker.LogsOptions) error
}

func newClient(ctx context.Context) (dockerClient, error) {
	realclient, err := realdocker.NewClientWithOpts(realdocker.FromEnv)
	if err != nil {
		return nil, err
	}

	// this syncs to the latest possible API based on running docker version and our bindings
	realclient.NegotiateAPIVersion(ctx)

	if _, err := realclient.Ping(ctx); err != nil {
		return nil, err
	}

	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	if err := client.Ping(); err != nil {
		return nil, err
	}

	return &dockerWrap{realdocker: realclient, docker: client}, nil
}

type dockerWrap struct {
	realdocker *realdocker.Client
	docker     *docker.Client
}

var (
	apiNameKey   = common.MakeKey("api_name")
	apiStatusKey = common.MakeKey("api_status")

	dockerLatencyMeasure = common.MakeMeasure("docker_api_latency", "Docker wrapper latency", "msecs")
	dockerReclaimMeasure = common.MakeMeasure("docker_reclaimed_containers", "stale debug containers removed", "")
)

// Create a span/tracker with required context tags
func makeTracker(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, err := tag.New(ctx, tag.Upsert(apiNameKey, name))
	if err != nil {
		logrus.WithError(err).Fatalf("cannot add tag %v=%v", apiNameKey, name)
	}

	ctx, span := trace.StartSpan(ctx, name)
	start := time.Now()

	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			if err == context.Canceled {
				status = "canceled"
			} else if err == context.DeadlineExceeded {
				status = "timeout"
			} else if derr, ok := err.(*docker.Error); ok {
				status = strconv.FormatInt(int64(derr.Status), 10)
			} else {
				status = "error"
			}
		}

		ctx, err := tag.New(ctx, tag.Upsert(apiStatusKey, status))
		if err != nil {
			logrus.WithError(err).Fatalf("cannot add tag %v=%v", apiStatusKey, status)
		}

		stats.Record(ctx, dockerLatencyMeasure.M(int64(time.Since(start)/time.Millisecond)))
		span.End()
	}
}

// RegisterViews creates and registers the docker views.
func RegisterViews(latencyDist []float64) {
	defaultTags := []tag.Key{apiNameKey, apiStatusKey}
	err := view.Register(
		common.CreateViewWithTags(dockerLatencyMeasure, view.Distribution(latencyDist...), defaultTags),
		common.CreateViewWithTags(dockerReclaimMeasure, view.Count(), nil),
	)
	if err != nil {
		logrus.WithError(err).Fatal("cannot register view")
	}
}

func (d *dockerWrap) ContainerList(ctx context.Context, options types.ContainerListOptions) (containers []types.Container, err error) {
	ctx, closer := makeTracker(ctx, "docker_list_containers")
	defer func() { closer(err) }()
	containers, err = d.realdocker.ContainerList(ctx, options)
	return containers, err
}

func (d *dockerWrap) ServerVersion(ctx context.Context) (v types.Version, err error) {
	ctx, closer := makeTracker(ctx, "docker_version")
	defer func() { closer(err) }()
	v, err = d.realdocker.ServerVersion(ctx)
	return v, err
}

func (d *dockerWrap) CreateContainer(opts docker.CreateContainerOptions) (c *docker.Container, err error) {
	ctx, closer := makeTracker(opts.Context, "docker_create_container")
	defer func() { closer(err) }()
	opts.Context = ctx
	c, err = d.docker.CreateContainer(opts)
	return c, err
}

func (d *dockerWrap) StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) (err error) {
	ctx, closer := makeTracker(ctx, "docker_start_container")
	defer func() { closer(err) }()
	err = d.docker.StartContainerWithContext(id, hostConfig, ctx)
	return err
}

func (d *dockerWrap) RemoveContainer(opts docker.RemoveContainerOptions) (err error) {
	ctx, closer := makeTracker(opts.Context, "docker_remove_container")
	defer func() { closer(err) }()
	opts.Context = ctx
	err = d.docker.RemoveContainer(opts)
	return err
}

func (d *dockerWrap) InspectImage(name string) (i *docker.Image, err error) {
	_, closer := makeTracker(context.Background(), "docker_inspect_image")
	defer func() { closer(err) }()
	i, err = d.docker.InspectImage(name)
	return i, err
}

func (d *dockerWrap) PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) (err error) {
	ctx, closer := makeTracker(opts.Context, "docker_pull_image")
	defer func() { closer(err) }()
	opts.Context = ctx
	err = d.docker.PullImage(opts, auth)
	return err
}

// Logs blocks while following, so it is not tracked
func (d *dockerWrap) Logs(opts docker.LogsOptions) error {
	return d.docker.Logs(opts)
}
