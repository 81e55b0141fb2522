// ABOUTME: One dashboard WebSocket connection with a bounded outbound queue
// ABOUTME: A single writer goroutine owns all writes; pings keep the read deadline alive

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/protocol"
)

const (
	sendQueueSize  = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 << 20 // inline images
)

// Connection errors
var (
	ErrConnClosed = errors.New("connection closed")
	ErrQueueFull  = errors.New("send queue full")
)

// Conn is a live client connection. It implements channel.Subscriber.
type Conn struct {
	id       string
	ws       *websocket.Conn
	identity *auth.Identity
	logger   *slog.Logger

	send chan protocol.Envelope
	done chan struct{}
	open atomic.Bool

	closeOnce sync.Once
	closeCode int
	closeText string
	// serverClosed is set when the close was initiated locally.
	serverClosed atomic.Bool
}

func newConn(id string, ws *websocket.Conn, identity *auth.Identity, logger *slog.Logger) *Conn {
	c := &Conn{
		id:       id,
		ws:       ws,
		identity: identity,
		logger:   logger.With("conn_id", id, "user_id", identity.UserID),
		send:     make(chan protocol.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// IsOpen reports whether the connection still accepts events.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// Identity returns the authenticated user.
func (c *Conn) Identity() *auth.Identity { return c.identity }

// Send queues env for the writer. It never blocks. A client that falls
// sendQueueSize events behind is disconnected; it resynchronizes from
// persisted state when it reconnects.
func (c *Conn) Send(env protocol.Envelope) error {
	if !c.IsOpen() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.logger.Warn("client too slow, closing connection")
		c.Close(websocket.CloseTryAgainLater, "send queue full")
		return ErrQueueFull
	}
}

// Close asks the writer to send a close frame with code and text and drop
// the connection. Only the first call has any effect.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.serverClosed.Store(true)
		c.open.Store(false)
		close(c.done)
	})
}

// markClosed stops accepting events after the reader has failed.
func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.closeCode = websocket.CloseNormalClosure
		c.open.Store(false)
		close(c.done)
	})
}

// writePump drains the queue to the socket and sends periodic pings. It is
// the only goroutine that writes to ws.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return

		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.markClosed()
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.markClosed()
				return
			}
		}
	}
}

// flush writes whatever is already queued, best effort.
func (c *Conn) flush() {
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump reads frames until the connection fails and hands each text
// frame to handle on this goroutine. It returns the read error.
func (c *Conn) readPump(handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// cleanClose reports whether the connection ended deliberately: either the
// server closed it or the client sent a normal or going-away close frame.
func (c *Conn) cleanClose(readErr error) bool {
	if c.serverClosed.Load() {
		return true
	}
	return websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
