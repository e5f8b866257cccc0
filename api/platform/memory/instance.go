package memory

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
	"github.com/sirupsen/logrus"
)

//go:embed node.js
var nodeSource string

var nodeProgram = goja.MustCompile("node.js", nodeSource, false)

var (
	errNoMain       = errors.New("action code defines no main function")
	errInstanceGone = errors.New("action instance was replaced while running")
)

// instance is one warm container of a nodejs action. The runtime is owned
// by the loop goroutine; natives doing I/O run off the loop and settle their
// promise through post.
type instance struct {
	p    *Platform
	name string
	rt   *goja.Runtime

	main   goja.Value
	run    goja.Callable
	defer_ goja.Callable
	queued goja.Callable

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func()
}

func newInstance(p *Platform, a *models.Action) (*instance, error) {
	ctx, cancel := context.WithCancel(context.Background())
	in := &instance{
		p:      p,
		name:   a.Name,
		rt:     goja.New(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan func(), 64),
	}
	if err := in.boot(a.Exec.Code); err != nil {
		cancel()
		return nil, err
	}
	go in.loop()
	return in, nil
}

func (in *instance) boot(code string) error {
	native := in.rt.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"invoke":     in.invoke,
		"list":       in.list,
		"fetch":      in.fetch,
		"setTimeout": in.setTimeout,
		"log":        in.log,
		"byteLength": in.byteLength,
	} {
		if err := native.Set(name, fn); err != nil {
			return err
		}
	}
	if err := in.rt.Set("__native", native); err != nil {
		return err
	}
	if _, err := in.rt.RunProgram(nodeProgram); err != nil {
		return err
	}
	if _, err := in.rt.RunString(code); err != nil {
		return fmt.Errorf("cannot load action code: %w", err)
	}

	in.main = in.rt.Get("main")
	if _, ok := goja.AssertFunction(in.main); !ok {
		return errNoMain
	}
	in.run, _ = goja.AssertFunction(in.rt.Get("__run"))
	in.defer_, _ = goja.AssertFunction(in.rt.Get("__defer"))
	in.queued, _ = goja.AssertFunction(in.rt.Get("__queued"))
	return nil
}

func (in *instance) loop() {
	for {
		select {
		case <-in.ctx.Done():
			return
		case job := <-in.jobs:
			job()
		}
	}
}

// post queues job on the loop, false once the instance is stopped.
func (in *instance) post(job func()) bool {
	select {
	case in.jobs <- job:
		return true
	case <-in.ctx.Done():
		return false
	}
}

func (in *instance) stop() { in.cancel() }

// activate runs main for one activation and waits for its settled result.
func (in *instance) activate(ctx context.Context, params map[string]interface{}, actID string, deadline time.Time) models.Result {
	buf, err := json.Marshal(params)
	if err != nil {
		return models.Result{"error": err.Error()}
	}

	out := make(chan models.Result, 1)
	settle := func(r models.Result) {
		select {
		case out <- r:
		default:
		}
	}
	ok := func(call goja.FunctionCall) goja.Value {
		var r models.Result
		if err := json.Unmarshal([]byte(call.Argument(0).String()), &r); err != nil {
			r = models.Result{"error": err.Error()}
		}
		settle(r)
		return goja.Undefined()
	}
	fail := func(call goja.FunctionCall) goja.Value {
		settle(models.Result{"error": call.Argument(0).String()})
		return goja.Undefined()
	}

	posted := in.post(func() {
		env := in.rt.Get("process").ToObject(in.rt).Get("env").ToObject(in.rt)
		env.Set("__OW_ACTIVATION_ID", actID)
		env.Set("__OW_DEADLINE", strconv.FormatInt(deadline.UnixNano()/int64(time.Millisecond), 10))
		if _, err := in.run(goja.Undefined(), in.main, in.rt.ToValue(string(buf)), in.rt.ToValue(ok), in.rt.ToValue(fail)); err != nil {
			settle(models.Result{"error": err.Error()})
		}
	})
	if !posted {
		return models.Result{"error": errInstanceGone.Error()}
	}

	select {
	case r := <-out:
		return r
	case <-ctx.Done():
		return models.Result{"error": "The action exceeded its time limits."}
	case <-in.ctx.Done():
		return models.Result{"error": errInstanceGone.Error()}
	}
}

// queueLen evaluates the length of the agent's pending queue.
func (in *instance) queueLen() int {
	out := make(chan int, 1)
	if !in.post(func() {
		v, err := in.queued(goja.Undefined())
		if err != nil {
			out <- 0
			return
		}
		out <- int(v.ToInteger())
	}) {
		return 0
	}
	select {
	case n := <-out:
		return n
	case <-in.ctx.Done():
		return 0
	}
}

// async runs work off the loop and returns a promise settled with its
// JSON outcome.
func (in *instance) async(work func() (string, error)) goja.Value {
	d, err := in.defer_(goja.Undefined())
	if err != nil {
		panic(in.rt.NewGoError(err))
	}
	obj := d.ToObject(in.rt)
	resolve, _ := goja.AssertFunction(obj.Get("resolve"))
	reject, _ := goja.AssertFunction(obj.Get("reject"))
	go func() {
		out, err := work()
		in.post(func() {
			if err != nil {
				reject(goja.Undefined(), in.rt.NewGoError(err))
				return
			}
			resolve(goja.Undefined(), in.rt.ToValue(out))
		})
	}()
	return obj.Get("promise")
}

func (in *instance) decode(call goja.FunctionCall, v interface{}) {
	if err := json.Unmarshal([]byte(call.Argument(0).String()), v); err != nil {
		panic(in.rt.NewGoError(err))
	}
}

func encode(v interface{}, err error) (string, error) {
	if err != nil {
		return "", err
	}
	buf, err := json.Marshal(v)
	return string(buf), err
}

type invokeOptions struct {
	Name     string                 `json:"name"`
	Params   map[string]interface{} `json:"params"`
	Blocking bool                   `json:"blocking"`
	Result   bool                   `json:"result"`
}

// invoke is actions.invoke of the openwhisk client. A blocking call with
// result resolves with the result even when it is an application error.
func (in *instance) invoke(call goja.FunctionCall) goja.Value {
	var o invokeOptions
	in.decode(call, &o)
	return in.async(func() (string, error) {
		if !o.Blocking {
			id, err := in.p.InvokeAsync(in.ctx, o.Name, o.Params)
			return encode(map[string]string{"activationId": id}, err)
		}
		rec, err := in.p.invoke(in.ctx, o.Name, o.Params)
		if err != nil {
			return "", err
		}
		if o.Result {
			return encode(rec.Response.Result, nil)
		}
		return encode(rec, nil)
	})
}

type listOptions struct {
	Name  string `json:"name"`
	Since int64  `json:"since"`
	Limit int    `json:"limit"`
	Docs  bool   `json:"docs"`
}

// list is activations.list of the openwhisk client, since in ms.
func (in *instance) list(call goja.FunctionCall) goja.Value {
	var o listOptions
	in.decode(call, &o)
	return in.async(func() (string, error) {
		opts := platform.ListOptions{Name: o.Name, Limit: o.Limit, Docs: o.Docs}
		if o.Since > 0 {
			opts.Since = time.Unix(0, o.Since*int64(time.Millisecond))
		}
		recs, err := in.p.ListActivations(in.ctx, opts)
		if recs == nil {
			recs = []*models.ActivationRecord{}
		}
		return encode(recs, err)
	})
}

type fetchCall struct {
	Method  string                 `json:"method"`
	URL     string                 `json:"url"`
	Headers map[string]interface{} `json:"headers"`
	Body    string                 `json:"body"`
}

type fetchResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// fetch backs the http and https modules.
func (in *instance) fetch(call goja.FunctionCall) goja.Value {
	var c fetchCall
	in.decode(call, &c)
	return in.async(func() (string, error) {
		req, err := http.NewRequest(c.Method, c.URL, bytes.NewReader([]byte(c.Body)))
		if err != nil {
			return "", err
		}
		req = req.WithContext(in.ctx)
		for k, v := range c.Headers {
			if http.CanonicalHeaderKey(k) == "Content-Length" {
				continue
			}
			req.Header.Set(k, fmt.Sprint(v))
		}
		resp, err := in.p.HTTP.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		body, err := ioutil.ReadAll(resp.Body)
		return encode(fetchResult{Status: resp.StatusCode, Body: string(body)}, err)
	})
}

func (in *instance) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(in.rt.NewTypeError("setTimeout needs a function"))
	}
	d := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	time.AfterFunc(d, func() {
		in.post(func() {
			if _, err := fn(goja.Undefined()); err != nil {
				logrus.WithError(err).WithField("action", in.name).Debug("timer callback failed")
			}
		})
	})
	return goja.Undefined()
}

func (in *instance) log(call goja.FunctionCall) goja.Value {
	logrus.WithField("action", in.name).Debug(call.Argument(0).String())
	return goja.Undefined()
}

func (in *instance) byteLength(call goja.FunctionCall) goja.Value {
	return in.rt.ToValue(len(call.Argument(0).String()))
}
