// Package wsclient is the calling client's connection to the signaling relay.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives every envelope read from the relay, in arrival order.
type Handler func(ctx context.Context, env domain.Envelope)

type Config struct {
	URL      string
	Identity domain.UserID
	Token    string

	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	MaxBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 45 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Client keeps one websocket to the relay open, redialing with exponential
// backoff when it drops. It implements port.Signaler.
type Client struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	log     zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	onConnect func()
}

func New(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		handler: handler,
		dialer:  websocket.DefaultDialer,
		log:     log.With().Str("identity", cfg.Identity.String()).Str("relay", cfg.URL).Logger(),
	}
}

// OnConnect registers fn to run after every successful dial.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes env to the relay. It fails fast with domain.ErrNotConnected
// while the client is between connections.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return domain.ErrNotConnected
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	return nil
}

// Run dials and serves the relay connection until ctx ends or the relay
// refuses the credentials.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Msg("Relay connection lost, redialing")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, header, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 250 * time.Millisecond
	ebo.MaxInterval = c.cfg.MaxBackoff
	ebo.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		cn, resp, err := c.dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(fmt.Errorf("%w: relay refused credentials", domain.ErrUnauthenticated))
			}
			c.log.Debug().Err(err).Msg("Dial failed")
			return err
		}
		conn = cn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	c.log.Info().Msg("Connected to relay")
	return conn, nil
}

func (c *Client) endpoint() (string, http.Header, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", nil, fmt.Errorf("parse relay url: %w", err)
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	} else {
		q := u.Query()
		q.Set("identity", c.cfg.Identity.String())
		u.RawQuery = q.Encode()
	}
	return u.String(), header, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if c.onConnect != nil {
		c.onConnect()
	}

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, conn, done)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		c.handler(ctx, env)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				conn.Close()
				return
			}
		}
	}
}
