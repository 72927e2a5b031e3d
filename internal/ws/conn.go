// ABOUTME: One authenticated socket: read loop, buffered write loop, liveness
// ABOUTME: Frames from a single connection are processed strictly in order

package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/harbor-support/internal/auth"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	sendBufferSize  = 128
	maxFrameBytes   = 64 * 1024
)

// socket is the subset of *websocket.Conn the connection needs,
// abstracted so tests can drive a connection without real I/O.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one live authenticated connection. Inbound frames are
// handled synchronously inside readLoop, which gives strict per-
// connection ordering: a leave is fully applied before a subsequent
// join from the same connection is even parsed.
type Conn struct {
	ID       string
	Identity auth.Identity

	sock    socket
	hub     *Hub
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	pongWait   time.Duration
	pingPeriod time.Duration
}

func newConn(hub *Hub, sock socket, id auth.Identity) *Conn {
	pongWait := hub.cfg.PongTimeout
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingPeriod := hub.cfg.PingInterval
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = pongWait * 9 / 10
	}
	connID := uuid.NewString()
	return &Conn{
		ID:         connID,
		Identity:   id,
		sock:       sock,
		hub:        hub,
		send:       make(chan []byte, sendBufferSize),
		limiter:    rate.NewLimiter(hub.cfg.messageRate(), hub.cfg.messageBurst()),
		logger:     hub.logger.With("conn_id", connID, "user_id", id.UserID),
		done:       make(chan struct{}),
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// Send queues an envelope for delivery. A connection whose buffer is
// full is considered stuck and gets closed rather than blocking the
// broadcaster.
func (c *Conn) Send(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshal frame", "type", env.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.close()
	}
}

// readLoop pulls frames off the socket and dispatches them to the hub
// one at a time. Returns when the socket errors or closes.
func (c *Conn) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.sock.SetReadLimit(maxFrameBytes)
	c.sock.SetReadDeadline(time.Now().Add(c.pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("socket read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("", CodeValidationError, "malformed frame", 0)
			continue
		}
		c.hub.handleFrame(c, env)
	}
}

// writeLoop drains the send buffer and pings on a fixed interval.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) sendError(conversationID, code, message string, retryAfter int) {
	c.Send(NewEnvelope(FrameError, conversationID, ErrorPayload{
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	}))
}

// close tears the connection down exactly once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}
