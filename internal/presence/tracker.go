// ABOUTME: Room-scoped typing state with TTL expiry, in-memory only
// ABOUTME: Idempotent start/stop so repeated signals produce single broadcasts

package presence

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTypingTTL is the inactivity window after which a typing entry is
// treated as stopped even without an explicit stop signal, so a dropped
// connection cannot leave a stale indicator.
const DefaultTypingTTL = 5 * time.Second

// Tracker holds per-conversation typing state. Nothing here is
// persisted; state lives and dies with the process.
type Tracker struct {
	mu     sync.Mutex
	rooms  map[string]map[string]time.Time // conversationID -> userID -> last stamp
	ttl    time.Duration
	done   chan struct{}
	closed bool
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewTracker creates a tracker with the given TTL. A ttl of zero uses
// DefaultTypingTTL. A background goroutine sweeps expired entries.
func NewTracker(ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		rooms:  make(map[string]map[string]time.Time),
		ttl:    ttl,
		done:   make(chan struct{}),
		logger: logger.With("component", "presence"),
		now:    time.Now,
	}
	go t.sweep()
	return t
}

// SetTyping records a typing signal and reports whether the observable
// state changed. Starting while already typing refreshes the stamp but
// returns false, so repeated start signals fan out exactly one start
// broadcast. Stopping when not typing is a no-op.
func (t *Tracker) SetTyping(conversationID, userID string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[conversationID]

	if !isTyping {
		if room == nil {
			return false
		}
		stamp, ok := room[userID]
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, conversationID)
		}
		// An expired entry already reads as stopped to observers
		return ok && t.now().Sub(stamp) < t.ttl
	}

	if room == nil {
		room = make(map[string]time.Time)
		t.rooms[conversationID] = room
	}
	stamp, ok := room[userID]
	room[userID] = t.now()
	return !ok || t.now().Sub(stamp) >= t.ttl
}

// Typing returns the users currently typing in a conversation, excluding
// entries older than the TTL.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[conversationID]
	if len(room) == 0 {
		return nil
	}

	now := t.now()
	var users []string
	for userID, stamp := range room {
		if now.Sub(stamp) < t.ttl {
			users = append(users, userID)
		}
	}
	return users
}

// ClearUser drops the user's typing state in every room. Called on
// disconnect. Returns the conversation IDs where the user had an active
// entry so the caller can broadcast stops.
func (t *Tracker) ClearUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var stopped []string
	for convID, room := range t.rooms {
		stamp, ok := room[userID]
		if !ok {
			continue
		}
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, convID)
		}
		if now.Sub(stamp) < t.ttl {
			stopped = append(stopped, convID)
		}
	}
	return stopped
}

// sweep periodically removes expired entries.
func (t *Tracker) sweep() {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.removeExpired()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) removeExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for convID, room := range t.rooms {
		for userID, stamp := range room {
			if now.Sub(stamp) >= t.ttl {
				delete(room, userID)
			}
		}
		if len(room) == 0 {
			delete(t.rooms, convID)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
