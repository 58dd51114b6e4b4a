// Package tvclient is the device side of the socket protocol: it registers a
// TV, keeps the connection alive and reconnects with exponential backoff.
package tvclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/markus-barta/tvfleet/internal/protocol"
	"github.com/rs/zerolog"
)

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 75 * time.Second // server pings every 54s
	writeWait        = 10 * time.Second
	closeGracePeriod = time.Second
)

// Handler is called on connection events. Calls come from the read
// goroutine, one at a time.
type Handler interface {
	OnRegistered(tvID string)
	OnRefreshState()
	OnDisconnected()
}

// Client manages one TV's connection to the socket server.
type Client struct {
	cfg     *config.ClientConfig
	log     zerolog.Logger
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client.
func New(cfg *config.ClientConfig, handler Handler, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "tvclient").Str("tv_id", cfg.TvID).Logger(),
		handler: handler,
	}
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0 // retry forever
	b.Reset()
	return b
}

// Run connects and maintains the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	b := c.newBackoff()

	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Debug().Msg("context cancelled, stopping")
			return
		}
		if registered {
			// The server accepted us; start the next attempt from scratch.
			b.Reset()
		}

		wait := b.NextBackOff()
		c.log.Warn().Err(err).Dur("backoff", wait).Msg("disconnected, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection: dial, register, read until it fails.
func (c *Client) session(ctx context.Context) (registered bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.handler.OnDisconnected()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := c.register(); err != nil {
		return false, err
	}

	go c.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			c.closeGracefully(conn)
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return registered, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed frame")
			continue
		}

		switch msg.Type {
		case protocol.TypeRegistered:
			registered = true
			c.log.Info().Msg("registered")
			c.handler.OnRegistered(msg.TvID)
		case protocol.TypeRefreshState:
			c.log.Debug().Msg("REFRESH_STATE received")
			c.handler.OnRefreshState()
		default:
			c.log.Debug().Str("type", msg.Type).Msg("ignoring frame")
		}
	}
}

func (c *Client) register() error {
	data, err := protocol.Encode(protocol.Message{Type: protocol.TypeRegister, TvID: c.cfg.TvID})
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop sends periodic pings until done is closed.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// closeGracefully sends a close frame and then drops the connection, which
// ends the read loop.
func (c *Client) closeGracefully(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	_ = conn.Close()
}

// IsConnected reports whether a connection is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
