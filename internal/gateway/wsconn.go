package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-go/internal/config"
	"dm-go/internal/protocol"
)

// wsConn adapts a gorilla websocket connection to presence.Conn. One is
// created per upgrade; the read pump drives the session's state machine and
// the write pump drains the send buffer.
type wsConn struct {
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	wsCfg config.WebSocketConfig

	mu     sync.Mutex
	userID string
	closed bool

	closeOnce sync.Once
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn, wsCfg config.WebSocketConfig) *wsConn {
	wsCfg = normalizeWSConfig(wsCfg)
	return &wsConn{
		conn: conn,
		send: make(chan []byte, wsCfg.SendBufferSize),
		done: make(chan struct{}),

		wsCfg: wsCfg,
	}
}

// normalizeWSConfig fills non-positive knobs with working defaults. A zero
// ping period would panic time.NewTicker in the write pump, and a zero pong
// wait would time every read out immediately.
func normalizeWSConfig(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.WriteWaitSeconds <= 0 {
		cfg.WriteWaitSeconds = 10
	}
	if cfg.PongWaitSeconds <= 0 {
		cfg.PongWaitSeconds = 60
	}
	if cfg.PingPeriodSeconds <= 0 || cfg.PingPeriodSeconds >= cfg.PongWaitSeconds {
		cfg.PingPeriodSeconds = cfg.PongWaitSeconds * 9 / 10
	}
	if cfg.MaxMessageSizeBytes <= 0 {
		cfg.MaxMessageSizeBytes = 4096
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	return cfg
}

// UserID returns the bound identity, "" before authentication.
func (c *wsConn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// BindUser attaches the authenticated identity. Called exactly once by the
// session, before registry registration.
func (c *wsConn) BindUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Send enqueues a marshaled frame without blocking. A full buffer reports
// failure; the caller decides whether that kills the connection.
func (c *wsConn) Send(frame []byte) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Idempotent: the registry, the router and
// both pumps may all race to call it.
func (c *wsConn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if reason != nil {
			log.Printf("gateway: closing connection for user %q: %v", c.UserID(), reason)
		}
		close(c.done)
	})
}

// IsClosed reports whether Close has been called.
func (c *wsConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Run starts both pumps and blocks until the read pump exits. Registry
// cleanup happens exactly once via the session teardown, whether the client
// closed cleanly, the socket reset, or the registry replaced us.
func (c *wsConn) Run(ctx context.Context, session *Session) {
	go c.writePump()
	c.readPump(ctx, session)
}

// readPump pumps frames from the websocket into the session state machine.
// Frames are handled sequentially, which is what serializes one sender's
// sends per thread.
func (c *wsConn) readPump(ctx context.Context, session *Session) {
	defer func() {
		session.Teardown()
		c.Close(nil)
		c.conn.Close()
	}()

	pongWait := time.Duration(c.wsCfg.PongWaitSeconds) * time.Second
	c.conn.SetReadLimit(int64(c.wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: websocket error (user %q): %v", c.UserID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("gateway: dropping malformed frame from user %q: %v", c.UserID(), err)
			continue
		}

		if err := session.HandleFrame(ctx, &frame); err != nil {
			// Terminal protocol error (auth failure, closed connection).
			return
		}
	}
}

// writePump pumps buffered frames to the websocket and keeps the connection
// alive with pings.
func (c *wsConn) writePump() {
	writeWait := time.Duration(c.wsCfg.WriteWaitSeconds) * time.Second
	pingPeriod := time.Duration(c.wsCfg.PingPeriodSeconds) * time.Second

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
