package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fnproject/fndebug/api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, ns string, h http.HandlerFunc) Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{APIHost: srv.URL, Auth: "user:pass", Namespace: ns})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNamespaceResolvedOnce(t *testing.T) {
	var calls int32
	c := newTestClient(t, "_", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)

		switch r.URL.Path {
		case "/api/v1/namespaces":
			atomic.AddInt32(&calls, 1)
			writeJSON(w, 200, []string{"guest"})
		case "/api/v1/namespaces/guest/actions/pkg/myaction":
			assert.Equal(t, "false", r.URL.Query().Get("code"))
			writeJSON(w, 200, map[string]interface{}{
				"namespace": "guest/pkg", "name": "myaction",
				"exec":        map[string]interface{}{"kind": "nodejs:10"},
				"annotations": []map[string]interface{}{{"key": "fndebug", "value": true}},
			})
		default:
			t.Errorf("unexpected path %v", r.URL.Path)
		}
	})

	ctx := context.Background()
	a, err := c.GetAction(ctx, "pkg/myaction", false)
	require.NoError(t, err)
	assert.Equal(t, "pkg/myaction", a.Name)
	assert.True(t, a.IsAgent())

	_, err = c.GetAction(ctx, "pkg/myaction", false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPutActionOverwrites(t *testing.T) {
	c := newTestClient(t, "guest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("overwrite"))
		var a models.Action
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Empty(t, a.Namespace)
		a.Version = "0.0.2"
		writeJSON(w, 200, a)
	})

	out, err := c.PutAction(context.Background(), &models.Action{Namespace: "ns", Name: "a", Exec: models.Exec{Kind: "nodejs:default", Code: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "0.0.2", out.Version)

	_, err = c.PutAction(context.Background(), &models.Action{})
	assert.True(t, errors.Is(err, models.ErrMissingActionName))
}

func TestConcurrencyRejection(t *testing.T) {
	c := newTestClient(t, "guest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, map[string]interface{}{"error": "The request content was malformed:\nrequirement failed: concurrency 200 exceeds allowed threshold of 1", "code": "tx1"})
	})
	_, err := c.PutAction(context.Background(), &models.Action{Namespace: "ns", Name: "a"})
	require.Error(t, err)
	assert.True(t, IsConcurrencyRejection(err))
	assert.False(t, IsTransient(err))
	code, ok := models.IsAPIError(err)
	assert.True(t, ok)
	assert.Equal(t, 400, code)
}

func TestInvokeReservedCodes(t *testing.T) {
	var status int32 = 502
	c := newTestClient(t, "guest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("blocking"))
		assert.Equal(t, "true", r.URL.Query().Get("result"))
		body, _ := ioutil.ReadAll(r.Body)
		assert.JSONEq(t, `{"$waitForActivation":true}`, string(body))

		switch atomic.LoadInt32(&status) {
		case 502:
			w.Header().Set(headerActivationID, "abc")
			writeJSON(w, 502, models.ErrorResult(models.CodeStop, "stopped"))
		case 202:
			writeJSON(w, 202, map[string]string{"activationId": "def"})
		default:
			writeJSON(w, 200, map[string]interface{}{"$activationId": "x1", "a": 1})
		}
	})

	ctx := context.Background()
	params := map[string]interface{}{models.ParamWaitForActivation: true}

	_, err := c.Invoke(ctx, "a", params)
	code, ok := ReservedCode(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeStop, code)
	perr, _ := asError(err)
	assert.Equal(t, "abc", perr.ActivationID)
	assert.Equal(t, "stopped", perr.Message)
	assert.False(t, IsTransient(err))

	atomic.StoreInt32(&status, 202)
	_, err = c.Invoke(ctx, "a", params)
	code, ok = ReservedCode(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeRetry, code)

	atomic.StoreInt32(&status, 200)
	res, err := c.Invoke(ctx, "a", params)
	require.NoError(t, err)
	assert.Equal(t, "x1", res[models.ParamActivationID])
}

func TestTransientRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, "guest", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, 503, map[string]string{"error": "System is overloaded, try again later."})
			return
		}
		writeJSON(w, 200, []*models.ActivationRecord{{ActivationID: "r1", Name: "a_debug_invoked", Start: 1546300800000}})
	})

	recs, err := c.ListActivations(context.Background(), ListOptions{Name: "a_debug_invoked", Since: time.Unix(1546300000, 0), Limit: 5, Docs: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].ActivationID)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1546300800), recs[0].StartTime().Unix())
}

func TestNotFound(t *testing.T) {
	c := newTestClient(t, "_", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/namespaces" {
			writeJSON(w, 200, []string{"guest"})
			return
		}
		writeJSON(w, 404, map[string]string{"error": "The requested resource does not exist."})
	})
	err := c.DeleteAction(context.Background(), "gone")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestInfoLimits(t *testing.T) {
	c := newTestClient(t, "guest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1", r.URL.Path)
		writeJSON(w, 200, map[string]interface{}{"limits": map[string]interface{}{"max_action_duration": 600000}})
	})
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info.Limits)
	assert.EqualValues(t, 600000, info.Limits.MaxActionDuration)
}
