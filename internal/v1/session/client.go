package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/metrics"
	"github.com/corkboard/realtime/internal/v1/types"
)

const (
	// writeWait bounds a single socket write, pings included.
	writeWait = 10 * time.Second

	// sendBufferSize is how many outbound frames a session may queue before
	// it is treated as unresponsive and torn down.
	sendBufferSize = 256
)

// wsConnection abstracts the underlying websocket so tests can substitute a
// scripted connection for *websocket.Conn.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one websocket session. All socket writes happen on writePump;
// everything else communicates with it through the send and ping channels.
// Identity fields are set once on authentication and read from broadcast
// paths, hence the separate small lock.
type Client struct {
	conn      wsConnection
	hub       *Hub
	sessionID string

	send chan []byte
	ping chan struct{}

	mu          sync.RWMutex
	userID      types.UserIdType
	displayName types.DisplayNameType
	color       string
	alive       bool
	closed      bool
}

func newClient(hub *Hub, conn wsConnection) *Client {
	return &Client{
		conn:      conn,
		hub:       hub,
		sessionID: uuid.New().String(),
		send:      make(chan []byte, sendBufferSize),
		ping:      make(chan struct{}, 1),
		alive:     true,
	}
}

// UserID returns the authenticated user id, or "" before auth.
func (c *Client) UserID() types.UserIdType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// DisplayName returns the authenticated display name, or "" before auth.
func (c *Client) DisplayName() types.DisplayNameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Color returns the assigned presence color, or "" before auth.
func (c *Client) Color() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.color
}

func (c *Client) setIdentity(id types.UserIdType, name types.DisplayNameType, color string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
	c.displayName = name
	c.color = color
}

func (c *Client) isAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

func (c *Client) setAlive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = v
}

// Disconnect closes the send channel, which makes writePump send a close
// frame and exit. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// enqueue places data on the send channel without blocking. It reports false
// only when the buffer is full; a session already disconnected swallows the
// frame and reports true, since tearing it down again achieves nothing. The
// recover covers the window where Disconnect closes the channel between the
// flag check and the send.
func (c *Client) enqueue(data []byte) (queued bool) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			queued = true
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendBytes enqueues an encoded frame. A full buffer means the peer stopped
// reading; the frame is dropped and the session torn down rather than let
// one slow consumer block a broadcast. Cleanup runs through readPump's exit.
func (c *Client) sendBytes(data []byte) {
	if data == nil {
		return
	}
	if c.enqueue(data) {
		return
	}
	metrics.SendBufferDrops.Inc()
	logging.Warn(context.Background(), "Send buffer full, closing unresponsive session",
		zap.String("sessionId", c.sessionID),
		zap.String("userId", string(c.UserID())))
	c.Disconnect()
}

func (c *Client) sendFrame(v any) {
	c.sendBytes(encodeFrame(v))
}

func (c *Client) sendError(msg string) {
	c.sendFrame(newErrorFrame(msg))
}

func (c *Client) sendAuthError(msg string) {
	c.sendFrame(errorFrame{Type: frameAuthError, Message: msg})
}

// requestPing asks writePump to emit a ping control frame. Non-blocking; a
// probe already pending is probe enough.
func (c *Client) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// readPump consumes inbound frames until the socket errors, then runs the
// full cleanup: registry removal with its broadcasts, channel close, and
// transport close.
func (c *Client) readPump() {
	defer func() {
		c.hub.registry.Disconnect(c)
		c.Disconnect()
		c.conn.Close()
		metrics.DecConnection()
		logging.Info(context.Background(), "Session closed",
			zap.String("sessionId", c.sessionID),
			zap.String("userId", string(c.UserID())))
	}()

	c.conn.SetPongHandler(func(string) error {
		c.setAlive(true)
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "Unexpected websocket close",
					zap.String("sessionId", c.sessionID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.route(context.Background(), c, data)
	}
}

// writePump is the only goroutine that writes to the socket. It drains the
// send channel, emits ping probes on request, and sends a close frame when
// the channel closes.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Warn(context.Background(), "Websocket write failed",
					zap.String("sessionId", c.sessionID), zap.Error(err))
				return
			}
		case <-c.ping:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
