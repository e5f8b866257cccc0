package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/plugin/ochttp/propagation/b3"
	"go.opencensus.io/stats/view"
)

// activation id header of blocking invokes
const headerActivationID = "X-Openwhisk-Activation-Id"

var (
	platformLatencyMeasure = common.MakeMeasure("platform_api_latency", "remote platform call latency", "msecs")
	platformRetriesMeasure = common.MakeMeasure("platform_api_retries", "remote platform call retries", "")
)

// RegisterViews creates and registers the platform client views.
func RegisterViews(latencyDist []float64) {
	err := view.Register(
		common.CreateViewWithTags(platformLatencyMeasure, view.Distribution(latencyDist...), common.OpTags()),
		common.CreateViewWithTags(platformRetriesMeasure, view.Count(), common.OpTags()),
	)
	if err != nil {
		logrus.WithError(err).Fatal("cannot register view")
	}
}

type Options struct {
	APIHost   string
	Auth      string
	Namespace string
	Insecure  bool
	// Retries for idempotent calls that fail transiently
	Retries uint64
}

// client implements Client over the platform REST API
type client struct {
	base    string
	user    string
	pass    string
	http    *http.Client
	retries uint64

	nsLock sync.Mutex
	ns     string
	nsWant string
}

func NewClient(opts Options) (Client, error) {
	uri, err := url.Parse(opts.APIHost)
	if err != nil {
		return nil, err
	}
	if uri.Host == "" {
		return nil, errors.New("no host specified for platform client")
	}
	if uri.Scheme == "" {
		uri.Scheme = "https"
	}

	user, pass := opts.Auth, ""
	if i := strings.Index(opts.Auth, ":"); i >= 0 {
		user, pass = opts.Auth[:i], opts.Auth[i+1:]
	}

	retries := opts.Retries
	if retries == 0 {
		retries = 3
	}

	// no client timeout: blocking invokes run up to the action's own limit
	// and are bounded by their context instead
	httpClient := &http.Client{
		Transport: &ochttp.Transport{
			Propagation: &b3.HTTPFormat{},
			Base: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				Dial: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).Dial,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: opts.Insecure,
				},
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}

	return &client{
		base:    uri.Scheme + "://" + uri.Host + "/api/v1",
		user:    user,
		pass:    pass,
		http:    httpClient,
		retries: retries,
		nsWant:  opts.Namespace,
	}, nil
}

func (cl *client) Namespace(ctx context.Context) (string, error) {
	cl.nsLock.Lock()
	defer cl.nsLock.Unlock()
	if cl.ns != "" {
		return cl.ns, nil
	}
	if cl.nsWant != "" && cl.nsWant != "_" {
		cl.ns = cl.nsWant
		return cl.ns, nil
	}

	var list []string
	if err := cl.do(ctx, "namespaces_list", http.MethodGet, nil, nil, &list, "namespaces"); err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", errors.New("platform returned no namespaces for these credentials")
	}
	cl.ns = list[0]
	return cl.ns, nil
}

func (cl *client) Info(ctx context.Context) (*models.PlatformInfo, error) {
	var info models.PlatformInfo
	err := cl.do(ctx, "platform_info", http.MethodGet, nil, nil, &info)
	return &info, err
}

func (cl *client) actionPath(ctx context.Context, name string) ([]string, error) {
	ns, err := cl.Namespace(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, models.ErrMissingActionName
	}
	return append([]string{"namespaces", ns, "actions"}, strings.Split(name, "/")...), nil
}

func (cl *client) GetAction(ctx context.Context, name string, code bool) (*models.Action, error) {
	path, err := cl.actionPath(ctx, name)
	if err != nil {
		return nil, err
	}
	q := url.Values{"code": {strconv.FormatBool(code)}}
	var a models.Action
	if err := cl.do(ctx, "action_get", http.MethodGet, q, nil, &a, path...); err != nil {
		return nil, err
	}
	// the platform reports the package as part of the namespace
	a.Name = name
	return &a, nil
}

func (cl *client) PutAction(ctx context.Context, action *models.Action) (*models.Action, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	path, err := cl.actionPath(ctx, action.Name)
	if err != nil {
		return nil, err
	}
	q := url.Values{"overwrite": {"true"}}
	var out models.Action
	if err := cl.do(ctx, "action_put", http.MethodPut, q, action.ForPut(), &out, path...); err != nil {
		return nil, err
	}
	out.Name = action.Name
	return &out, nil
}

func (cl *client) DeleteAction(ctx context.Context, name string) error {
	path, err := cl.actionPath(ctx, name)
	if err != nil {
		return err
	}
	return cl.do(ctx, "action_delete", http.MethodDelete, nil, nil, nil, path...)
}

func (cl *client) Invoke(ctx context.Context, name string, params map[string]interface{}) (models.Result, error) {
	path, err := cl.actionPath(ctx, name)
	if err != nil {
		return nil, err
	}
	q := url.Values{"blocking": {"true"}, "result": {"true"}}
	var res models.Result
	err = cl.once(ctx, "action_invoke", http.MethodPost, q, params, &res, path...)
	return res, err
}

func (cl *client) InvokeAsync(ctx context.Context, name string, params map[string]interface{}) (string, error) {
	path, err := cl.actionPath(ctx, name)
	if err != nil {
		return "", err
	}
	var res struct {
		ActivationID string `json:"activationId"`
	}
	err = cl.once(ctx, "action_invoke_async", http.MethodPost, nil, params, &res, path...)
	return res.ActivationID, err
}

func (cl *client) ListActivations(ctx context.Context, opts ListOptions) ([]*models.ActivationRecord, error) {
	ns, err := cl.Namespace(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if !opts.Since.IsZero() {
		q.Set("since", strconv.FormatInt(opts.Since.UnixNano()/int64(time.Millisecond), 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Docs {
		q.Set("docs", "true")
	}
	var recs []*models.ActivationRecord
	err = cl.do(ctx, "activations_list", http.MethodGet, q, nil, &recs, "namespaces", ns, "activations")
	return recs, err
}

// do retries idempotent calls on transient errors
func (cl *client) do(ctx context.Context, op, method string, q url.Values, request, result interface{}, path ...string) error {
	b := common.NewBackOff(common.BackOffConfig{
		MaxRetries: cl.retries,
		Interval:   100,
		MinDelay:   200,
		MaxDelay:   2000,
	})
	for {
		err := cl.once(ctx, op, method, q, request, result, path...)
		if err == nil || !IsTransient(err) {
			return err
		}

		common.Logger(ctx).WithError(err).WithFields(logrus.Fields{"op": op}).Warn("error from platform, retrying")
		common.RecordOp(ctx, platformRetriesMeasure, op)

		if !common.SleepBackOff(ctx, b) {
			return err
		}
	}
}

func (cl *client) once(ctx context.Context, op, method string, q url.Values, request, result interface{}, path ...string) (err error) {
	ctx, tracker := common.MakeTracker(ctx, platformLatencyMeasure, op)
	defer func() { tracker(err) }()

	var body io.Reader
	if request != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(request); err != nil {
			return err
		}
		body = &buf
	}

	req, err := http.NewRequest(method, cl.url(q, path...), body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.SetBasicAuth(cl.user, cl.pass)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cl.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { io.Copy(ioutil.Discard, resp.Body); resp.Body.Close() }()

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// a blocking call answered 202 outlived the blocking window
	if resp.StatusCode >= 300 || resp.StatusCode == http.StatusAccepted && q.Get("blocking") == "true" {
		return decodeError(resp, raw)
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("cannot decode platform response for %s: %w", op, err)
		}
	}
	return nil
}

func decodeError(resp *http.Response, raw []byte) error {
	perr := &Error{
		Status:       resp.StatusCode,
		ActivationID: resp.Header.Get(headerActivationID),
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		perr.Message = strings.TrimSpace(string(raw))
		return perr
	}

	if resp.StatusCode == http.StatusBadGateway {
		// application error of a blocking invoke, the body is the result
		perr.Result = models.Result(doc)
	}
	if id, ok := doc["activationId"].(string); ok && perr.ActivationID == "" {
		perr.ActivationID = id
	}
	switch e := doc["error"].(type) {
	case string:
		perr.Message = e
	case map[string]interface{}:
		if m, ok := e["message"].(string); ok {
			perr.Message = m
		} else {
			b, _ := json.Marshal(e)
			perr.Message = string(b)
		}
	default:
		perr.Message = strings.TrimSpace(string(raw))
	}
	return perr
}

func (cl *client) url(q url.Values, args ...string) string {
	segs := make([]string, len(args))
	for i, a := range args {
		segs[i] = url.PathEscape(a)
	}
	u := cl.base
	if len(segs) > 0 {
		u += "/" + strings.Join(segs, "/")
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
