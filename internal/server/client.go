package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Frames queued per connection before sends are dropped.
	sendBuffer = 64
)

// Client is one WebSocket connection. It implements registry.Conn.
type Client struct {
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	log    zerolog.Logger

	closeOnce sync.Once
	closed    atomic.Bool

	// Classification, written once by the read goroutine.
	mu            sync.Mutex
	kind          string // "", "tv" or "admin"
	tvID          string
	socketID      string // correlation id the TV was marked online under
	registerTimer *time.Timer
}

func newClient(s *Server, conn *websocket.Conn, remote string) *Client {
	c := &Client{
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendBuffer),
		log:    s.log.With().Str("remote", remote).Logger(),
	}
	c.mu.Lock()
	c.registerTimer = time.AfterFunc(s.cfg.RegisterTimeout, c.registerTimeout)
	c.mu.Unlock()
	return c
}

// Send queues msg without blocking. It reports false when the connection is
// closed or its buffer is full.
func (c *Client) Send(msg []byte) (ok bool) {
	if c.closed.Load() {
		return false
	}
	// Close may win the race between the check above and the send.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
		return false
	}
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Close terminates the connection. The write pump sends a close frame and
// closes the socket, which ends the read pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stopRegisterTimer()
		close(c.send)
	})
}

func (c *Client) stopRegisterTimer() {
	c.mu.Lock()
	if c.registerTimer != nil {
		c.registerTimer.Stop()
	}
	c.mu.Unlock()
}

// readPump reads frames until the connection fails, then runs the disconnect
// path.
func (c *Client) readPump() {
	defer func() {
		c.Close()
		_ = c.conn.Close()
		c.disconnected()
		c.server.untrack(c)
		c.server.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleMessage(data)
	}
}

// writePump drains the send channel and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Close() was called
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("write error")
				c.closed.Store(true)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closed.Store(true)
				return
			}
		}
	}
}
