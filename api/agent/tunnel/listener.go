// Package tunnel is the local end of the tunnel agent: an HTTP listener the
// agent's POSTs land on, and a websocket relay client that carries them from
// a public relay to the listener.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handler executes one forwarded activation locally.
type Handler func(ctx context.Context, a *models.Activation) (models.Result, error)

// Listener serves
//
//	POST /      forwarded activation, Authorization must carry the secret
//	GET  /ping  relay health check
type Listener struct {
	secret  string
	handler Handler
	engine  *gin.Engine
	srv     *http.Server
}

func NewListener(secret string, handler Handler) *Listener {
	l := &Listener{secret: secret, handler: handler}

	engine := gin.New()
	engine.Use(gin.Recovery(), loggerWrap)
	engine.POST("/", l.handleActivation)
	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	l.engine = engine
	return l
}

// Handler exposes the routes, the relay calls them in process.
func (l *Listener) Handler() http.Handler { return l.engine }

// Start serves on addr (e.g. 127.0.0.1:0) and returns the bound address.
func (l *Listener) Start(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	l.srv = &http.Server{Handler: l.engine}
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			common.Logger(ctx).WithError(err).Error("tunnel listener stopped")
		}
	}()
	common.Logger(ctx).WithFields(logrus.Fields{"addr": ln.Addr().String()}).Debug("tunnel listener started")
	return ln.Addr().String(), nil
}

// Stop shuts the listener down, waiting for in flight activations up to ctx.
func (l *Listener) Stop(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	return l.srv.Shutdown(ctx)
}

func (l *Listener) handleActivation(c *gin.Context) {
	ctx := c.Request.Context()

	if l.secret != "" && c.GetHeader("Authorization") != l.secret {
		writeError(c, models.ErrUnauthorized)
		return
	}

	var params map[string]interface{}
	if err := json.NewDecoder(c.Request.Body).Decode(&params); err != nil || params == nil {
		writeError(c, models.ErrInvalidJSON)
		return
	}
	id, _ := params[models.ParamActivationID].(string)
	if id == "" {
		writeError(c, models.NewAPIError(http.StatusBadRequest, errors.New("Missing "+models.ParamActivationID)))
		return
	}

	ctx = common.WithActivationID(ctx, id)
	a := &models.Activation{ID: id, Params: models.StripReserved(params)}
	res, err := l.handler(ctx, a)
	if err != nil {
		common.Logger(ctx).WithError(err).Error("local execution of tunneled activation failed")
		writeError(c, models.NewAPIError(http.StatusBadGateway, err))
		return
	}
	if res == nil {
		res = models.Result{}
	}
	c.JSON(http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	if e, ok := err.(models.APIError); ok {
		code = e.Code()
	}
	c.AbortWithStatusJSON(code, models.Error{Error: &models.ErrorBody{Message: err.Error()}})
}

func loggerWrap(c *gin.Context) {
	start := time.Now()
	c.Next()
	common.Logger(c.Request.Context()).WithFields(logrus.Fields{
		"method":   c.Request.Method,
		"path":     c.Request.URL.Path,
		"status":   c.Writer.Status(),
		"duration": time.Since(start),
	}).Debug("tunnel request")
}
