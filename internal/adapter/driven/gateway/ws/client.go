package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Outbound     int
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Outbound:     64,
		ReadLimit:    64 << 10,
		PingInterval: 20 * time.Second,
		PongWait:     45 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Outbound <= 0 {
		o.Outbound = d.Outbound
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

// Client is one authenticated websocket connection held by the relay. Sends
// are queued in an outbox and written by a single writer goroutine. It
// implements port.Connection.
type Client struct {
	id   domain.UserID
	conn *websocket.Conn
	opts Options
	out  *outbox
	log  zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(id domain.UserID, conn *websocket.Conn, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		id:   id,
		conn: conn,
		opts: opts,
		out:  newOutbox(opts.Outbound),
		log:  log.With().Str("identity", id.String()).Logger(),
		done: make(chan struct{}),
	}
}

func (c *Client) Identity() domain.UserID {
	return c.id
}

func (c *Client) Send(env domain.Envelope) bool {
	return c.out.Push(env)
}

// Dropped counts envelopes discarded because the outbox was full.
func (c *Client) Dropped() uint64 {
	return c.out.DropCount()
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.Close()
		deadline := time.Now().Add(c.opts.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

// Run serves the connection until it fails or ctx ends. Every decoded
// envelope is handed to handle from the read goroutine, in arrival order.
// Malformed frames are logged and dropped.
func (c *Client) Run(ctx context.Context, handle func(domain.Envelope)) error {
	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected close error")
				return err
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				c.log.Warn().Int64("limit", c.opts.ReadLimit).Msg("Frame exceeds read limit")
				return err
			}
			return nil
		}
		env, err := wire.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		handle(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				c.Close()
				return
			}
		case <-c.out.Ready():
			for {
				env, ok := c.out.Pop()
				if !ok {
					break
				}
				if err := c.write(env); err != nil {
					c.log.Debug().Err(err).Str("kind", string(env.Kind)).Msg("Write failed")
					c.Close()
					return
				}
			}
		}
	}
}

func (c *Client) write(env domain.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
