package agent

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/fnproject/fndebug/api/agent/tunnel"
	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/models"
	"github.com/google/uuid"
)

var errNoTunnelHandler = errors.New("no local handler for tunneled activations")

// tunnelChannel receives activations pushed by the agent. Nothing is
// polled, next only idles until the channel closes.
type tunnelChannel struct {
	handler   tunnel.Handler
	addr      string
	publicURL string
	relayURL  string

	secret   string
	url      string
	listener *tunnel.Listener
	relay    *tunnel.Relay

	closeOnce sync.Once
	done      chan struct{}
}

func newTunnelChannel(handler tunnel.Handler, addr, publicURL, relayURL string) *tunnelChannel {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &tunnelChannel{
		handler:   handler,
		addr:      addr,
		publicURL: publicURL,
		relayURL:  relayURL,
		secret:    uuid.New().String(),
		done:      make(chan struct{}),
	}
}

func (c *tunnelChannel) variant() string   { return models.VariantTunnel }
func (c *tunnelChannel) helpers() []string { return nil }

func (c *tunnelChannel) setup(ctx context.Context) error {
	if c.handler == nil {
		return errNoTunnelHandler
	}
	c.listener = tunnel.NewListener(c.secret, c.handler)
	addr, err := c.listener.Start(ctx, c.addr)
	if err != nil {
		return err
	}
	c.url = "http://" + addr
	if c.publicURL != "" {
		c.url = c.publicURL
	}

	if c.relayURL != "" {
		c.relay = tunnel.NewRelay(c.relayURL, c.listener.Handler())
		url, err := c.relay.Connect(ctx)
		if err != nil {
			c.listener.Stop(ctx)
			return err
		}
		c.url = url
	}
	log := common.Logger(ctx).WithField("url", c.url)
	if c.relay == nil && c.publicURL == "" && isLoopback(addr) {
		log.Warn("tunnel listens on loopback, only a platform on this machine can reach it")
	}
	log.Info("tunnel ready")
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return host == "localhost" || (ip != nil && ip.IsLoopback())
}

func (c *tunnelChannel) params() models.KeyValues {
	return models.KeyValues{
		{Key: models.ParamTunnelURL, Value: c.url},
		{Key: models.ParamTunnelAuth, Value: c.secret},
	}
}

func (c *tunnelChannel) next(ctx context.Context) (*models.Activation, error) {
	select {
	case <-ctx.Done():
	case <-c.done:
	}
	return nil, nil
}

// results go back on the tunneled request itself
func (c *tunnelChannel) complete(ctx context.Context, id string, r models.Result) error {
	return nil
}

func (c *tunnelChannel) close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.relay != nil {
			c.relay.Close()
		}
		if c.listener != nil {
			err = c.listener.Stop(ctx)
		}
	})
	return err
}
