package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// hello is the first frame the relay sends.
type hello struct {
	URL string `json:"url"`
}

type requestFrame struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Header map[string]string `json:"header,omitempty"`
	Body   string            `json:"body,omitempty"`
}

type responseFrame struct {
	ID     string            `json:"id"`
	Status int               `json:"status"`
	Header map[string]string `json:"header,omitempty"`
	Body   string            `json:"body,omitempty"`
}

// Relay keeps a websocket open to a public relay, which hands out a public
// URL and forwards every HTTP request made to it as a frame.
type Relay struct {
	url     string
	handler http.Handler
	dialer  *websocket.Dialer

	conn      *websocket.Conn
	writeLock sync.Mutex
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewRelay(relayURL string, handler http.Handler) *Relay {
	return &Relay{
		url:     relayURL,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// Connect dials the relay and returns the public URL it assigned. Requests
// are served in the background until Close.
func (r *Relay) Connect(ctx context.Context) (string, error) {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("cannot connect to tunnel relay %s: %w", r.url, err)
	}

	var h hello
	if err := conn.ReadJSON(&h); err != nil {
		conn.Close()
		return "", fmt.Errorf("tunnel relay did not send a public url: %w", err)
	}
	if h.URL == "" {
		conn.Close()
		return "", errors.New("tunnel relay sent an empty public url")
	}

	r.conn = conn
	r.wg.Add(1)
	go r.serve(common.BackgroundContext(ctx))

	common.Logger(ctx).WithFields(logrus.Fields{"url": h.URL}).Info("tunnel open")
	return h.URL, nil
}

func (r *Relay) serve(ctx context.Context) {
	defer r.wg.Done()
	for {
		var req requestFrame
		if err := r.conn.ReadJSON(&req); err != nil {
			select {
			case <-r.done:
			default:
				common.Logger(ctx).WithError(err).Warn("tunnel relay connection lost")
			}
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.reply(ctx, r.dispatch(ctx, &req))
		}()
	}
}

func (r *Relay) dispatch(ctx context.Context, req *requestFrame) *responseFrame {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	path := req.Path
	if path == "" {
		path = "/"
	}

	hreq, err := http.NewRequest(method, path, bytes.NewBufferString(req.Body))
	if err != nil {
		return &responseFrame{ID: req.ID, Status: http.StatusBadRequest, Body: err.Error()}
	}
	hreq = hreq.WithContext(ctx)
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, hreq)

	resp := &responseFrame{ID: req.ID, Status: rec.Code, Body: rec.Body.String(), Header: map[string]string{}}
	for k := range rec.Header() {
		resp.Header[k] = rec.Header().Get(k)
	}
	return resp
}

func (r *Relay) reply(ctx context.Context, resp *responseFrame) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	if err := r.conn.WriteJSON(resp); err != nil {
		common.Logger(ctx).WithError(err).WithFields(logrus.Fields{"frame": resp.ID}).Warn("cannot answer tunnel request")
	}
}

// Close ends the relay connection and waits for in flight requests.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.conn == nil {
			return
		}
		r.writeLock.Lock()
		r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeLock.Unlock()
		err = r.conn.Close()
		r.wg.Wait()
	})
	return err
}
