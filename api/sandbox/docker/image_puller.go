package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
)

// PullProgressInterval is the longest a pull stays silent.
var PullProgressInterval = 3 * time.Second

const dockerHubRegistry = "https://index.docker.io/v1/"

// registryAuth reads credentials for repo from the docker cli config,
// anonymous when there are none.
var registryAuth = func(repo string) docker.AuthConfiguration {
	auths, err := docker.NewAuthConfigurationsFromDockerCfg()
	if err != nil {
		return docker.AuthConfiguration{}
	}
	reg := registryHost(repo)
	for _, key := range []string{reg, "https://" + reg, "http://" + reg} {
		if a, ok := auths.Configs[key]; ok {
			return a
		}
	}
	return docker.AuthConfiguration{}
}

// registryHost is the registry part of repo, docker hub if it has none.
func registryHost(repo string) string {
	i := strings.Index(repo, "/")
	if i <= 0 {
		return dockerHubRegistry
	}
	host := repo[:i]
	if !strings.ContainsAny(host, ".:") && host != "localhost" {
		return dockerHubRegistry
	}
	return host
}

// EnsureImage pulls img unless the engine already has it.
func (a *Adapter) EnsureImage(ctx context.Context, img string) error {
	log := common.Logger(ctx).WithField("image", img)

	if _, err := a.docker.InspectImage(img); err == nil {
		return nil
	} else if err != docker.ErrNoSuchImage {
		return fmt.Errorf("cannot inspect image %s: %w", img, err)
	}

	log.Info("pulling image")
	repo, tag := docker.ParseRepositoryTag(img)
	if tag == "" {
		tag = "latest"
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		reportProgress(ctx, log, pr, PullProgressInterval)
	}()

	err := a.docker.PullImage(docker.PullImageOptions{
		Repository:    repo,
		Tag:           tag,
		OutputStream:  pw,
		RawJSONStream: true,
		Context:       ctx,
	}, registryAuth(repo))
	pw.CloseWithError(err)
	<-done

	if err != nil {
		msg := err.Error()
		if derr, ok := err.(*docker.Error); ok {
			msg = dockerMsg(derr)
		}
		return fmt.Errorf("failed to pull image '%s': %s", img, msg)
	}
	log.Info("image pulled")
	return nil
}

type pullMessage struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress string `json:"progress"`
	Error    string `json:"error"`
}

func (m pullMessage) String() string {
	return strings.TrimSpace(strings.Join([]string{m.ID, m.Status, m.Progress}, " "))
}

// reportProgress logs the latest pull status on every tick, and once more
// when the stream ends.
func reportProgress(ctx context.Context, log logrus.FieldLogger, r io.Reader, every time.Duration) {
	var (
		mu     sync.Mutex
		last   pullMessage
		layers = map[string]string{}
	)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer wg.Wait()
	defer close(stop)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				msg := last.String()
				n := len(layers)
				mu.Unlock()
				log.WithField("layers", n).Infof("pulling: %s", msg)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var m pullMessage
		if json.Unmarshal(scanner.Bytes(), &m) != nil {
			continue
		}
		if m.Error != "" {
			log.Warn(m.Error)
			continue
		}
		mu.Lock()
		last = m
		if m.ID != "" {
			layers[m.ID] = m.Status
		}
		mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Debug("pull progress unreadable, discarding the rest")
	}
	// the writer blocks until the stream is consumed
	io.Copy(ioutil.Discard, r)
	if last.Status != "" {
		log.Debugf("pull: %s", last.String())
	}
}

// removes docker err formatting: 'API Error (code) {"message":"..."}'
func dockerMsg(derr *docker.Error) string {
	var v struct {
		Msg string `json:"message"`
	}

	err := json.Unmarshal([]byte(derr.Message), &v)
	if err != nil {
		// If message was not valid JSON, the raw body is still better than nothing.
		return derr.Message
	}
	return v.Msg
}
