package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fnproject/fndebug/api/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, a *models.Activation) (models.Result, error) {
	if a.Params["fail"] == true {
		return nil, errors.New("boom")
	}
	return models.Result{"id": a.ID, "name": a.Params["name"]}, nil
}

func post(t *testing.T, h http.Handler, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListenerResponses(t *testing.T) {
	l := NewListener("s3cret", echoHandler)
	h := l.Handler()

	rec := post(t, h, "wrong", `{"$activationId":"a1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, "s3cret", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "s3cret", `{"name":"world"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "an activation without id is malformed")

	rec = post(t, h, "s3cret", `{"$activationId":"a1","name":"world"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, map[string]interface{}{"id": "a1", "name": "world"}, res)

	rec = post(t, h, "s3cret", `{"$activationId":"a2","fail":true}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListenerStartStop(t *testing.T) {
	l := NewListener("", echoHandler)
	addr, err := l.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Post("http://"+addr+"/", "application/json", strings.NewReader(`{"$activationId":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Stop(ctx))
}

// fakeRelay speaks the relay side of the protocol over a real websocket.
func fakeRelay(t *testing.T, frames []requestFrame, answers chan<- responseFrame) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(hello{URL: "https://relay.test/t/abc"}); err != nil {
			t.Errorf("hello: %v", err)
			return
		}
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				t.Errorf("write frame: %v", err)
				return
			}
		}
		for range frames {
			var resp responseFrame
			if err := conn.ReadJSON(&resp); err != nil {
				return
			}
			answers <- resp
		}
		// hold the socket until the client closes it
		conn.ReadMessage()
	}))
}

func TestRelayForwardsFrames(t *testing.T) {
	l := NewListener("s3cret", echoHandler)

	frames := []requestFrame{
		{ID: "f1", Method: "POST", Path: "/", Header: map[string]string{"Authorization": "s3cret"}, Body: `{"$activationId":"a1","name":"one"}`},
		{ID: "f2", Method: "POST", Path: "/", Header: map[string]string{"Authorization": "bad"}, Body: `{"$activationId":"a2"}`},
	}
	answers := make(chan responseFrame, len(frames))
	srv := fakeRelay(t, frames, answers)
	defer srv.Close()

	r := NewRelay("ws"+strings.TrimPrefix(srv.URL, "http"), l.Handler())
	public, err := r.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://relay.test/t/abc", public)

	got := map[string]responseFrame{}
	for i := 0; i < len(frames); i++ {
		select {
		case resp := <-answers:
			got[resp.ID] = resp
		case <-time.After(5 * time.Second):
			t.Fatal("relay did not answer all frames")
		}
	}

	assert.Equal(t, http.StatusOK, got["f1"].Status)
	assert.JSONEq(t, `{"id":"a1","name":"one"}`, got["f1"].Body)
	assert.Equal(t, http.StatusUnauthorized, got["f2"].Status)

	assert.NoError(t, r.Close())
}

func TestRelayConnectFails(t *testing.T) {
	r := NewRelay("ws://127.0.0.1:1/none", http.NotFoundHandler())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.Connect(ctx)
	assert.Error(t, err)
	assert.NoError(t, r.Close())
}
