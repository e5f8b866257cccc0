package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fnproject/fndebug/api/agent/js"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentAction(t *testing.T, name, variant string, params ...models.KeyValue) *models.Action {
	code, err := js.Agent(variant)
	require.NoError(t, err)
	a := &models.Action{
		Name:   name,
		Exec:   models.Exec{Kind: "nodejs:default", Code: code},
		Limits: models.Limits{Timeout: 30000},
		Annotations: models.KeyValues{
			{Key: models.AnnotationAgent, Value: true},
			{Key: models.AnnotationVariant, Value: variant},
		},
		Parameters: params,
	}
	if variant == models.VariantConcurrent {
		a.Limits.Concurrency = 200
	}
	return a
}

func helperAction(name string) *models.Action {
	return &models.Action{
		Name:        name,
		Exec:        models.Exec{Kind: "nodejs:default", Code: js.Echo()},
		Annotations: models.KeyValues{{Key: models.AnnotationHelper, Value: true}},
	}
}

func original(name string) *models.Action {
	return &models.Action{Name: name, Exec: models.Exec{Kind: "nodejs:10", Code: "ORIGINAL"}}
}

func TestConditionFalseInvokesBackup(t *testing.T) {
	p := New("_")
	p.Seed(original(models.BackupName("hello")))
	p.Seed(agentAction(t, "hello", models.VariantConcurrent,
		models.KeyValue{Key: models.ParamCondition, Value: "debug === true"},
		models.KeyValue{Key: models.ParamBackupName, Value: models.BackupName("hello")},
	))

	res, err := p.Invoke(context.Background(), "hello", map[string]interface{}{"debug": false, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, models.Result{"debug": false, "x": float64(1)}, res)
	assert.Equal(t, 1, p.Invocations(models.BackupName("hello")))
	assert.Equal(t, 0, p.QueueLen("hello"))
}

func TestConcurrentRoundTrip(t *testing.T) {
	p := New("guest")
	p.Seed(agentAction(t, "hello", models.VariantConcurrent))
	ctx := context.Background()

	done := make(chan models.Result, 1)
	go func() {
		res, err := p.Invoke(ctx, "hello", map[string]interface{}{"name": "world"})
		assert.NoError(t, err)
		done <- res
	}()

	next, err := p.Invoke(ctx, "hello", map[string]interface{}{models.ParamWaitForActivation: true})
	require.NoError(t, err)
	assert.Equal(t, "world", next["name"])
	actID, _ := next[models.ParamActivationID].(string)
	require.NotEmpty(t, actID)

	_, err = p.Invoke(ctx, "hello", map[string]interface{}{
		models.ParamCompleteActivation: true,
		models.ParamActivationID:       actID,
		models.ParamResult:             map[string]interface{}{"greeting": "hi world"},
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, models.Result{"greeting": "hi world"}, res)
	case <-time.After(5 * time.Second):
		t.Fatal("caller never got its result")
	}
}

func TestConcurrentAgentIsFIFO(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 5
	params.MaxSize = 4
	properties := gopter.NewProperties(params)

	properties.Property("waits hand out calls in arrival order", prop.ForAll(
		func(ns []int) bool {
			p := New("guest")
			p.Seed(agentAction(t, "hello", models.VariantConcurrent))
			ctx := context.Background()

			results := make(chan models.Result, len(ns))
			for i, n := range ns {
				go func(n int) {
					res, _ := p.Invoke(ctx, "hello", map[string]interface{}{"n": n})
					results <- res
				}(n)
				for giveUp := time.Now().Add(2 * time.Second); p.QueueLen("hello") < i+1; time.Sleep(5 * time.Millisecond) {
					if time.Now().After(giveUp) {
						return false
					}
				}
			}

			for _, n := range ns {
				next, err := p.Invoke(ctx, "hello", map[string]interface{}{models.ParamWaitForActivation: true})
				if err != nil || next["n"] != float64(n) {
					return false
				}
				_, err = p.Invoke(ctx, "hello", map[string]interface{}{
					models.ParamCompleteActivation: true,
					models.ParamActivationID:       next[models.ParamActivationID],
					models.ParamResult:             map[string]interface{}{"n": n},
				})
				if err != nil || (<-results)["n"] != float64(n) {
					return false
				}
			}
			return p.QueueLen("hello") == 0
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func TestConcurrentStop(t *testing.T) {
	p := New("guest")
	p.Seed(agentAction(t, "hello", models.VariantConcurrent))
	ctx := context.Background()

	_, err := p.Invoke(ctx, "hello", map[string]interface{}{models.ParamStopDebugger: true})
	require.NoError(t, err)

	_, err = p.Invoke(ctx, "hello", map[string]interface{}{models.ParamWaitForActivation: true})
	code, ok := platform.ReservedCode(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, models.CodeStop, code)
}

func TestTunnelForwards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(map[string]interface{}{"got": body["n"], "id": body[models.ParamActivationID]})
	}))
	defer srv.Close()

	p := New("guest")
	p.Seed(agentAction(t, "hello", models.VariantTunnel,
		models.KeyValue{Key: models.ParamTunnelURL, Value: srv.URL},
		models.KeyValue{Key: models.ParamTunnelAuth, Value: "secret"},
	))

	res, err := p.Invoke(context.Background(), "hello", map[string]interface{}{"n": 7})
	require.NoError(t, err)
	assert.Equal(t, float64(7), res["got"])
	assert.NotEmpty(t, res["id"])
}

func TestLogRecordRoundTrip(t *testing.T) {
	p := New("guest")
	p.Seed(helperAction(models.InvokedHelperName("hello")))
	p.Seed(helperAction(models.CompletedHelperName("hello")))
	p.Seed(agentAction(t, "hello", models.VariantLogRecord,
		models.KeyValue{Key: models.ParamInvokedHelper, Value: models.InvokedHelperName("hello")},
		models.KeyValue{Key: models.ParamCompletedHelper, Value: models.CompletedHelperName("hello")},
	))
	ctx := context.Background()
	since := time.Now().Add(-time.Second)

	done := make(chan models.Result, 1)
	go func() {
		res, err := p.Invoke(ctx, "hello", map[string]interface{}{"q": "ping"})
		assert.NoError(t, err)
		done <- res
	}()

	var rec *models.ActivationRecord
	for giveUp := time.Now().Add(2 * time.Second); rec == nil; time.Sleep(5 * time.Millisecond) {
		require.True(t, time.Now().Before(giveUp), "agent never published the activation")
		recs, err := p.ListActivations(ctx, platform.ListOptions{Name: models.InvokedHelperName("hello"), Since: since, Docs: true})
		require.NoError(t, err)
		if len(recs) > 0 {
			rec = recs[0]
		}
	}

	assert.Equal(t, "ping", rec.Response.Result["q"])
	actID := rec.Response.Result[models.ParamActivationID]

	_, err := p.Invoke(ctx, models.CompletedHelperName("hello"), map[string]interface{}{
		models.ParamActivationID: actID,
		models.ParamResult:       map[string]interface{}{"pong": true},
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, models.Result{"pong": true}, res)
	case <-time.After(5 * time.Second):
		t.Fatal("caller never got its result")
	}
}

func TestConditionUsesJavaScriptEquality(t *testing.T) {
	p := New("guest")
	p.Runner = func(ctx context.Context, a *models.Action, params map[string]interface{}) (models.Result, error) {
		return models.Result{"from": a.Name}, nil
	}
	p.Seed(original(models.BackupName("hello")))
	p.Seed(agentAction(t, "hello", models.VariantTunnel,
		models.KeyValue{Key: models.ParamCondition, Value: "count == '3'"},
		models.KeyValue{Key: models.ParamBackupName, Value: models.BackupName("hello")},
		models.KeyValue{Key: models.ParamTunnelURL, Value: "http://127.0.0.1:1"},
	))

	// loose equality holds, so the call is forwarded and the dead tunnel answers
	_, err := p.Invoke(context.Background(), "hello", map[string]interface{}{"count": 3})
	perr, ok := err.(*platform.Error)
	require.True(t, ok, "%v", err)
	assert.Contains(t, perr.Message, "tunnel unreachable")

	res, err := p.Invoke(context.Background(), "hello", map[string]interface{}{"count": 4})
	require.NoError(t, err)
	assert.Equal(t, models.BackupName("hello"), res["from"])
}

func TestBrokenConditionForwards(t *testing.T) {
	p := New("guest")
	p.Seed(original(models.BackupName("hello")))
	p.Seed(agentAction(t, "hello", models.VariantConcurrent,
		models.KeyValue{Key: models.ParamCondition, Value: "missing.field"},
		models.KeyValue{Key: models.ParamBackupName, Value: models.BackupName("hello")},
	))

	go p.Invoke(context.Background(), "hello", map[string]interface{}{"x": 1})
	require.Eventually(t, func() bool { return p.QueueLen("hello") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Invocations(models.BackupName("hello")))
}

func TestUpdateReplacesWarmInstance(t *testing.T) {
	p := New("guest")
	p.Seed(agentAction(t, "hello", models.VariantConcurrent))

	done := make(chan error, 1)
	go func() {
		_, err := p.Invoke(context.Background(), "hello", map[string]interface{}{"x": 1})
		done <- err
	}()
	require.Eventually(t, func() bool { return p.QueueLen("hello") == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := p.PutAction(context.Background(), original("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, p.QueueLen("hello"))
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("caller of the replaced agent never returned")
	}
}

func TestBadNodeCode(t *testing.T) {
	p := New("guest")
	p.Seed(&models.Action{
		Name:        "broken",
		Exec:        models.Exec{Kind: "nodejs:default", Code: "function main( {"},
		Annotations: models.KeyValues{{Key: models.AnnotationHelper, Value: true}},
	})
	p.Seed(&models.Action{
		Name:        "nomain",
		Exec:        models.Exec{Kind: "nodejs:default", Code: "var x = 1;"},
		Annotations: models.KeyValues{{Key: models.AnnotationHelper, Value: true}},
	})
	p.Seed(&models.Action{
		Name:        "scalar",
		Exec:        models.Exec{Kind: "nodejs:default", Code: "function main() { return 3; }"},
		Annotations: models.KeyValues{{Key: models.AnnotationHelper, Value: true}},
	})

	for name, want := range map[string]string{
		"broken": "cannot load action code",
		"nomain": errNoMain.Error(),
		"scalar": "did not return a dictionary",
	} {
		_, err := p.Invoke(context.Background(), name, nil)
		perr, ok := err.(*platform.Error)
		require.True(t, ok, name)
		assert.Contains(t, perr.Message, want, name)
	}
}

func TestRejectConcurrency(t *testing.T) {
	p := New("guest")
	p.RejectConcurrency = true
	a := agentAction(t, "hello", models.VariantConcurrent)
	a.Limits.Concurrency = 200

	_, err := p.PutAction(context.Background(), a)
	assert.True(t, platform.IsConcurrencyRejection(err))

	a.Limits.Concurrency = 0
	_, err = p.PutAction(context.Background(), a)
	assert.NoError(t, err)
	assert.Equal(t, []string{"put:hello"}, p.Ops())
}

func TestGetActionMetadata(t *testing.T) {
	p := New("guest")
	p.Seed(original("hello"))

	a, err := p.GetAction(context.Background(), "hello", false)
	require.NoError(t, err)
	assert.Empty(t, a.Exec.Code)
	assert.Equal(t, "nodejs:10", a.Kind())
	assert.Equal(t, "guest", a.Namespace)

	a, err = p.GetAction(context.Background(), "hello", true)
	require.NoError(t, err)
	assert.Equal(t, "ORIGINAL", a.Exec.Code)

	_, err = p.GetAction(context.Background(), "nope", false)
	assert.True(t, platform.IsNotFound(err))
	assert.True(t, platform.IsNotFound(p.DeleteAction(context.Background(), "nope")))
}

func TestApplicationErrorIs502(t *testing.T) {
	p := New("guest")
	p.Runner = func(ctx context.Context, a *models.Action, params map[string]interface{}) (models.Result, error) {
		return models.Result{"error": "bad input"}, nil
	}
	p.Seed(original("hello"))

	_, err := p.Invoke(context.Background(), "hello", nil)
	perr, ok := err.(*platform.Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, perr.Status)
	assert.Equal(t, "bad input", perr.Result["error"])
	assert.NotEmpty(t, perr.ActivationID)
}

func TestInvokeAsyncRecords(t *testing.T) {
	p := New("guest")
	p.Seed(original("hello"))

	actID, err := p.InvokeAsync(context.Background(), "hello", map[string]interface{}{"a": "b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, _ := p.ListActivations(context.Background(), platform.ListOptions{Name: "hello", Docs: true})
		return len(recs) == 1 && recs[0].ActivationID == actID
	}, 2*time.Second, 5*time.Millisecond)
}
