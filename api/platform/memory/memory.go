// Package memory is an in-process platform.Client. It stores actions and
// activation records in memory and runs nodejs actions, the installed
// agents and helpers among them, on an embedded JavaScript runtime, so the
// debugger can be tested end to end without a real platform.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/id"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
)

// Runner executes a plain (non agent, non helper) action.
type Runner func(ctx context.Context, a *models.Action, params map[string]interface{}) (models.Result, error)

// Platform is safe for concurrent use.
type Platform struct {
	// Limits is advertised by Info, nil like older platforms
	Limits *models.PlatformLimits
	// RejectConcurrency refuses action updates with a concurrency limit
	// above 1, like platforms without intra-container concurrency.
	RejectConcurrency bool
	// Runner executes actions that are not nodejs agents or helpers,
	// default echoing the params
	Runner Runner
	// HTTP carries the requests of nodejs actions
	HTTP *http.Client

	lock    sync.Mutex
	ns      string
	actions map[string]*models.Action
	// warm instances of actions allowing concurrent activations
	instances map[string]*instance
	records   []*models.ActivationRecord
	ops     []string
	calls   map[string]int
	version int
}

var _ platform.Client = (*Platform)(nil)

func New(namespace string) *Platform {
	if namespace == "" || namespace == "_" {
		namespace = "guest"
	}
	return &Platform{
		HTTP:      http.DefaultClient,
		ns:        namespace,
		actions:   make(map[string]*models.Action),
		instances: make(map[string]*instance),
		calls:     make(map[string]int),
	}
}

func notFound(name string) error {
	return &platform.Error{Status: http.StatusNotFound, Message: "The requested resource does not exist: " + name}
}

func (p *Platform) Namespace(ctx context.Context) (string, error) {
	return p.ns, nil
}

func (p *Platform) Info(ctx context.Context) (*models.PlatformInfo, error) {
	return &models.PlatformInfo{Description: "in-memory platform", Limits: p.Limits}, nil
}

// Seed stores a without recording an operation.
func (p *Platform) Seed(a *models.Action) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.store(a)
}

func (p *Platform) store(a *models.Action) *models.Action {
	p.version++
	c := a.Clone()
	c.Namespace = p.ns
	c.Version = "0.0." + strconv.Itoa(p.version)
	if c.Exec.Kind != "" && c.Annotations.GetString(models.AnnotationExec) == "" {
		c.Annotations = c.Annotations.With(models.AnnotationExec, c.Exec.Kind)
	}
	p.actions[c.Name] = c
	p.evict(c.Name)
	return c
}

// evict stops the warm instance of name, an update starts a new container.
func (p *Platform) evict(name string) {
	if in, ok := p.instances[name]; ok {
		in.stop()
		delete(p.instances, name)
	}
}

// Action returns the stored action with code, nil if absent.
func (p *Platform) Action(name string) *models.Action {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.actions[name].Clone()
}

func (p *Platform) GetAction(ctx context.Context, name string, code bool) (*models.Action, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.calls["get:"+name]++
	a, ok := p.actions[name]
	if !ok {
		return nil, notFound(name)
	}
	c := a.Clone()
	if !code {
		c.Exec.Code = ""
	}
	return c, nil
}

func (p *Platform) PutAction(ctx context.Context, a *models.Action) (*models.Action, error) {
	if err := a.Validate(); err != nil {
		return nil, &platform.Error{Status: http.StatusBadRequest, Message: err.Error()}
	}
	if p.RejectConcurrency && a.Limits.Concurrency > 1 {
		return nil, &platform.Error{Status: http.StatusBadRequest, Message: "The request content was malformed: requirement failed: concurrency 200 exceeds allowed threshold of 1"}
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	p.ops = append(p.ops, "put:"+a.Name)
	return p.store(a).Clone(), nil
}

func (p *Platform) DeleteAction(ctx context.Context, name string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.actions[name]; !ok {
		return notFound(name)
	}
	p.ops = append(p.ops, "delete:"+name)
	delete(p.actions, name)
	p.evict(name)
	return nil
}

func (p *Platform) Invoke(ctx context.Context, name string, params map[string]interface{}) (models.Result, error) {
	rec, err := p.invoke(ctx, name, params)
	if err != nil {
		return nil, err
	}
	res := rec.Response.Result
	if !rec.Response.Success {
		return nil, &platform.Error{
			Status:       http.StatusBadGateway,
			Message:      fmt.Sprint(res["error"]),
			ActivationID: rec.ActivationID,
			Result:       res,
		}
	}
	return res, nil
}

func (p *Platform) InvokeAsync(ctx context.Context, name string, params map[string]interface{}) (string, error) {
	p.lock.Lock()
	_, ok := p.actions[name]
	p.lock.Unlock()
	if !ok {
		return "", notFound(name)
	}
	actID := id.New().String()
	go p.run(common.BackgroundContext(ctx), name, params, actID)
	return actID, nil
}

func (p *Platform) ListActivations(ctx context.Context, opts platform.ListOptions) ([]*models.ActivationRecord, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	since := opts.Since.UnixNano() / int64(time.Millisecond)
	var out []*models.ActivationRecord
	for i := len(p.records) - 1; i >= 0; i-- {
		r := p.records[i]
		if opts.Name != "" && r.Name != opts.Name {
			continue
		}
		if !opts.Since.IsZero() && r.Start < since {
			continue
		}
		c := *r
		if !opts.Docs {
			c.Response = nil
		}
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start > out[j].Start })

	limit := opts.Limit
	if limit <= 0 {
		limit = 30
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ops lists the mutating calls in order, e.g. put:hello, delete:hello_debug_original.
func (p *Platform) Ops() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]string(nil), p.ops...)
}

// Invocations counts activations of name.
func (p *Platform) Invocations(name string) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.calls["invoke:"+name]
}

// QueueLen is the number of pending activations held by the warm instance
// of a concurrent agent.
func (p *Platform) QueueLen(name string) int {
	p.lock.Lock()
	in := p.instances[name]
	p.lock.Unlock()
	if in == nil {
		return 0
	}
	return in.queueLen()
}

func (p *Platform) invoke(ctx context.Context, name string, params map[string]interface{}) (*models.ActivationRecord, error) {
	p.lock.Lock()
	_, ok := p.actions[name]
	p.lock.Unlock()
	if !ok {
		return nil, notFound(name)
	}
	return p.run(ctx, name, params, id.New().String()), nil
}

func (p *Platform) run(ctx context.Context, name string, params map[string]interface{}, actID string) *models.ActivationRecord {
	p.lock.Lock()
	a := p.actions[name].Clone()
	p.calls["invoke:"+name]++
	p.lock.Unlock()

	start := time.Now()
	rec := &models.ActivationRecord{
		ActivationID: actID,
		Name:         name,
		Namespace:    p.ns,
		Start:        start.UnixNano() / int64(time.Millisecond),
	}

	var res models.Result
	if a == nil {
		res = models.Result{"error": "action deleted while invoked"}
	} else {
		merged := a.Parameters.Map()
		for k, v := range params {
			merged[k] = v
		}
		merged = roundTrip(merged)

		deadline := start.Add(time.Duration(a.Timeout()) * time.Millisecond)
		ctx, cancel := context.WithDeadline(ctx, deadline)
		res = roundTrip(p.execute(ctx, a, merged, actID, deadline))
		cancel()
	}

	end := time.Now()
	_, failed := res["error"]
	rec.End = end.UnixNano() / int64(time.Millisecond)
	rec.Duration = rec.End - rec.Start
	rec.Response = &models.Response{Status: "success", Success: !failed, Result: res}
	if failed {
		rec.Response.Status = "application error"
		rec.Response.StatusCode = 1
	}

	p.lock.Lock()
	p.records = append(p.records, rec)
	p.lock.Unlock()
	return rec
}

func (p *Platform) execute(ctx context.Context, a *models.Action, params map[string]interface{}, actID string, deadline time.Time) models.Result {
	switch {
	case isNode(a) && (a.IsAgent() || a.Annotations.GetBool(models.AnnotationHelper)):
		return p.node(ctx, a, params, actID, deadline)
	case p.Runner != nil:
		res, err := p.Runner(ctx, a, params)
		if err != nil {
			return models.Result{"error": err.Error()}
		}
		return res
	}
	return models.Result(models.StripReserved(params))
}

func isNode(a *models.Action) bool {
	return strings.HasPrefix(a.Kind(), "nodejs")
}

// node runs a on a warm instance when it allows concurrent activations,
// else on a fresh one, like one container per activation.
func (p *Platform) node(ctx context.Context, a *models.Action, params map[string]interface{}, actID string, deadline time.Time) models.Result {
	in, warm, err := p.instance(a)
	if err != nil {
		return models.Result{"error": err.Error()}
	}
	if !warm {
		defer in.stop()
	}
	return in.activate(ctx, params, actID, deadline)
}

func (p *Platform) instance(a *models.Action) (*instance, bool, error) {
	if a.Limits.Concurrency <= 1 {
		in, err := newInstance(p, a)
		return in, false, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if cur := p.actions[a.Name]; cur == nil || cur.Version != a.Version {
		// updated since the activation started
		in, err := newInstance(p, a)
		return in, false, err
	}
	if in, ok := p.instances[a.Name]; ok {
		return in, true, nil
	}
	in, err := newInstance(p, a)
	if err != nil {
		return nil, false, err
	}
	p.instances[a.Name] = in
	return in, true, nil
}

// roundTrip copies v through JSON, like the wire would.
func roundTrip(v map[string]interface{}) map[string]interface{} {
	buf, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	out := map[string]interface{}{}
	json.Unmarshal(buf, &out)
	return out
}
