// ABOUTME: Client-side connection manager: one logical socket per session
// ABOUTME: Reconnect with capped backoff, tracked rooms re-joined automatically

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/harbor-support/internal/ws"
)

// Status is the connection state surfaced to the UI.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Errors returned by Send and Join.
var (
	ErrNotConnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: closed")
)

// Socket is the minimal transport the manager drives. The gorilla
// connection satisfies it via GorillaDialer.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a new socket. One dial per connection epoch.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// Config tunes the reconnect policy.
type Config struct {
	URL         string
	BaseDelay   time.Duration // first retry delay, doubles per attempt
	MaxDelay    time.Duration // backoff cap
	MaxAttempts int           // consecutive failures before giving up

	// OnFrame receives every inbound envelope. Called from the read
	// goroutine; implementations must not block.
	OnFrame func(ws.Envelope)
	// OnStatus observes state transitions for the UI indicator.
	OnStatus func(Status)
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Manager owns one logical connection with transparent resilience.
// Create one per active session and Close it on sign-out; never share
// an instance across sessions.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu     sync.Mutex
	status Status
	sock   Socket
	rooms  map[string]struct{} // joined conversations, re-joined after reconnect
	closed bool
	epoch  int // incremented per successful dial; stale read loops exit

	// sleep is swapped in tests to make backoff observable
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a manager in the disconnected state.
func New(cfg Config, dialer Dialer, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With("component", "client"),
		status: StatusDisconnected,
		rooms:  make(map[string]struct{}),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if changed && m.cfg.OnStatus != nil {
		m.cfg.OnStatus(s)
	}
}

// Connect establishes the initial connection. It does not retry; a
// failed first dial is surfaced to the caller, who typically shows a
// sign-in error rather than spinning.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status == StatusConnected || m.status == StatusConnecting {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setStatus(StatusConnecting)
	sock, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		m.setStatus(StatusError)
		return fmt.Errorf("dial: %w", err)
	}

	m.adopt(ctx, sock)
	return nil
}

// adopt installs a freshly dialed socket and starts its read loop.
func (m *Manager) adopt(ctx context.Context, sock Socket) {
	m.mu.Lock()
	m.sock = sock
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	go m.readLoop(ctx, sock, epoch)
}

func (m *Manager) readLoop(ctx context.Context, sock Socket, epoch int) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleDrop(ctx, epoch)
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("malformed inbound frame", "error", err)
			continue
		}
		if m.cfg.OnFrame != nil {
			m.cfg.OnFrame(env)
		}
	}
}

// handleDrop runs the reconnect state machine after an abnormal drop.
// A deliberate Close never reaches reconnection.
func (m *Manager) handleDrop(ctx context.Context, epoch int) {
	m.mu.Lock()
	if m.closed || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.mu.Unlock()

	m.setStatus(StatusReconnecting)

	delay := m.cfg.BaseDelay
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if !m.sleep(ctx, delay) {
			m.setStatus(StatusDisconnected)
			return
		}
		if m.isClosed() {
			return
		}

		sock, err := m.dialer.Dial(ctx, m.cfg.URL)
		if err == nil {
			m.logger.Info("reconnected", "attempt", attempt)
			m.adopt(ctx, sock)
			m.rejoinRooms()
			return
		}
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}

	// Out of attempts: persistent disconnected, the UI takes over
	m.setStatus(StatusDisconnected)
}

// rejoinRooms re-issues join for every room tracked before the drop,
// restoring server-side membership without UI involvement.
func (m *Manager) rejoinRooms() {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()

	for _, id := range rooms {
		if err := m.Send(ws.Envelope{Type: ws.FrameJoinConversation, ConversationID: id}); err != nil {
			m.logger.Warn("room re-join failed", "conversation_id", id, "error", err)
		}
	}
}

// Send writes one envelope. Fails fast while not connected; callers
// decide whether to queue. Nothing is resent across a reconnect
// boundary, so a message is delivered at most once per epoch.
func (m *Manager) Send(env ws.Envelope) error {
	m.mu.Lock()
	sock := m.sock
	status := m.status
	m.mu.Unlock()

	if status != StatusConnected || sock == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Join sends a join and tracks the room for post-reconnect restore.
func (m *Manager) Join(conversationID string) error {
	if err := m.Send(ws.Envelope{Type: ws.FrameJoinConversation, ConversationID: conversationID}); err != nil {
		return err
	}
	m.mu.Lock()
	m.rooms[conversationID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Leave sends a leave and stops tracking the room.
func (m *Manager) Leave(conversationID string) error {
	m.mu.Lock()
	delete(m.rooms, conversationID)
	m.mu.Unlock()
	return m.Send(ws.Envelope{Type: ws.FrameLeaveConversation, ConversationID: conversationID})
}

// Rooms returns the tracked room set, mainly for the UI.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close tears the connection down for good. Used on sign-out; the
// manager never reconnects afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sock := m.sock
	m.sock = nil
	m.mu.Unlock()

	m.setStatus(StatusDisconnected)
	if sock != nil {
		return sock.Close()
	}
	return nil
}
