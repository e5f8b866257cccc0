package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
)

// InitTimeout bounds how long /init is retried while the runtime boots.
const InitTimeout = 30 * time.Second

var (
	runtimeLatencyMeasure = common.MakeMeasure("runtime_latency", "local runtime /init and /run latency", "msecs")

	// ErrNotStarted is returned by calls made before Start or after Stop.
	ErrNotStarted = errors.New("debug container is not running")
)

// RegisterViews creates and registers the runtime views.
func RegisterViews(latencyDist []float64) {
	err := view.Register(
		common.CreateViewWithTags(runtimeLatencyMeasure, view.Distribution(latencyDist...), common.OpTags()),
	)
	if err != nil {
		logrus.WithError(err).Fatal("cannot register view")
	}
}

// InitError is the runtime rejecting the code, there is no point retrying.
type InitError struct {
	Status  int
	Message string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("action init failed (%d): %s", e.Status, e.Message)
}

// Client speaks the action runtime protocol to a container.
type Client struct {
	base string
	http *http.Client
	// initBackOff overrides the /init retry pacing, tests only
	initBackOff common.BackOffConfig
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{},
		initBackOff: common.BackOffConfig{
			MaxRetries: common.RetryForever,
			Interval:   100,
			MinDelay:   100,
			MaxDelay:   1000,
		},
	}
}

// Init pushes code to the runtime. A 502 with an error body and any 4xx are
// fatal, connection failures and other 5xx are retried until InitTimeout
// while the container boots.
func (c *Client) Init(ctx context.Context, p *InitPayload) error {
	ctx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	ctx, finish := common.MakeTracker(ctx, runtimeLatencyMeasure, "runtime_init")
	err := c.init(ctx, p)
	finish(err)
	return err
}

func (c *Client) init(ctx context.Context, p *InitPayload) error {
	log := common.Logger(ctx)
	b := common.NewBackOff(c.initBackOff)
	for {
		status, body, err := c.post(ctx, "/init", map[string]interface{}{"value": p})
		if err == nil && status == http.StatusOK {
			return nil
		}
		if err == nil {
			if msg, ok := errorMessage(body); (ok && status == http.StatusBadGateway) || status < 500 {
				if !ok {
					msg = string(body)
				}
				return &InitError{Status: status, Message: msg}
			}
			err = fmt.Errorf("runtime returned %d", status)
		} else if !common.IsTemporary(err) && ctx.Err() == nil {
			return err
		}

		log.WithError(err).Debug("runtime not ready, retrying init")
		if !common.SleepBackOff(ctx, b) {
			return fmt.Errorf("runtime did not accept init within %v: %w", InitTimeout, err)
		}
	}
}

// Run executes one activation. Application errors come back as a result,
// only transport failures are errors.
func (c *Client) Run(ctx context.Context, r *RunRequest) (models.Result, error) {
	ctx, finish := common.MakeTracker(ctx, runtimeLatencyMeasure, "runtime_run")
	res, err := c.run(ctx, r)
	finish(err)
	return res, err
}

func (c *Client) run(ctx context.Context, r *RunRequest) (models.Result, error) {
	status, body, err := c.post(ctx, "/run", r)
	if err != nil {
		return nil, err
	}

	var res models.Result
	if err := json.Unmarshal(body, &res); err != nil || res == nil {
		if status == http.StatusOK {
			return nil, fmt.Errorf("runtime returned a non object result: %q", truncate(body))
		}
		return models.Result{"error": fmt.Sprintf("runtime returned %d: %s", status, truncate(body))}, nil
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, v interface{}) (int, []byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func errorMessage(body []byte) (string, bool) {
	var e struct {
		Error interface{} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error == nil {
		return "", false
	}
	if s, ok := e.Error.(string); ok {
		return s, true
	}
	b, _ := json.Marshal(e.Error)
	return string(b), true
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
