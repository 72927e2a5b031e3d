// ABOUTME: Per-event, per-recipient notification policy
// ABOUTME: Self-exclusion, focus suppression, admin queue rules, dedupe

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/harbor-support/internal/dedupe"
	"github.com/2389/harbor-support/internal/store"
)

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 100_000
)

// Router applies the notification policy. It holds two pieces of
// state: which conversation each user currently has focused, and a
// dedupe cache so an event replayed through both the push path and a
// reconciliation pass surfaces at most once per recipient.
type Router struct {
	sink   Sink
	seen   *dedupe.Cache
	logger *slog.Logger

	mu    sync.RWMutex
	focus map[string]string // userID -> focused conversationID
}

// NewRouter creates a router delivering to the given sink.
func NewRouter(sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sink:   sink,
		seen:   dedupe.New(dedupeTTL, dedupeMaxSize),
		logger: logger.With("component", "notify"),
		focus:  make(map[string]string),
	}
}

// SetFocus records that the user is viewing the conversation. Alerts
// for that conversation are suppressed until the focus changes; unread
// counters keep updating regardless.
func (r *Router) SetFocus(userID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focus[userID] = conversationID
}

// ClearFocus removes the user's focus entirely, used on disconnect.
func (r *Router) ClearFocus(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.focus, userID)
}

// ClearFocusOn removes the user's focus only if it is on the given
// conversation. Leaving a room the user is not looking at must not
// unmute the one they are.
func (r *Router) ClearFocusOn(userID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focus[userID] == conversationID {
		delete(r.focus, userID)
	}
}

func (r *Router) focusedOn(userID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focus[userID] == conversationID
}

// Route evaluates the event against every candidate and delivers to
// the sink for those the policy admits. Sink failures are logged and
// skipped; one bad recipient never blocks the rest.
func (r *Router) Route(ctx context.Context, ev Event, candidates []Recipient) {
	for _, rcpt := range candidates {
		n, ok := r.decide(ev, rcpt)
		if !ok {
			continue
		}
		if err := r.sink.Notify(ctx, rcpt.UserID, n); err != nil {
			r.logger.Warn("notification delivery failed",
				"user_id", rcpt.UserID,
				"conversation_id", ev.ConversationID,
				"error", err)
		}
	}
}

// decide is the policy table. It returns the notification to deliver
// and whether to deliver it.
func (r *Router) decide(ev Event, rcpt Recipient) (Notification, bool) {
	// Join/leave are room frames, not alerts
	if ev.Kind == EventUserJoined || ev.Kind == EventUserLeft {
		return Notification{}, false
	}

	// Never notify the actor about their own event
	if rcpt.UserID == ev.ActorID {
		return Notification{}, false
	}

	// A recipient looking at the conversation already sees the event
	if r.focusedOn(rcpt.UserID, ev.ConversationID) {
		return Notification{}, false
	}

	n := r.render(ev)
	n.DedupeTag = dedupeKey(ev, rcpt)

	if r.seen.Duplicate(n.DedupeTag) {
		return Notification{}, false
	}
	return n, true
}

// dedupeKey is stable across replays of the same event: message events
// key on the message id, everything else on kind + conversation.
func dedupeKey(ev Event, rcpt Recipient) string {
	if ev.MessageID != "" {
		return fmt.Sprintf("%s:%s:%s", ev.Kind, ev.MessageID, rcpt.UserID)
	}
	return fmt.Sprintf("%s:%s:%s", ev.Kind, ev.ConversationID, rcpt.UserID)
}

func (r *Router) render(ev Event) Notification {
	urgent := ev.Priority == store.PriorityUrgent

	n := Notification{
		ConversationID:     ev.ConversationID,
		RequireInteraction: urgent,
	}

	switch ev.Kind {
	case EventConversationCreated:
		n.Title = "New conversation"
		if ev.Subject != "" {
			n.Title = "New conversation: " + ev.Subject
		}
		n.Body = ev.Preview
	case EventStatusChanged:
		n.Title = "Conversation updated"
		if ev.Subject != "" {
			n.Title = ev.Subject
		}
		n.Body = ev.Preview
		n.RequireInteraction = false
	default: // EventMessage
		n.Title = "New message"
		if ev.Subject != "" {
			n.Title = ev.Subject
		}
		if urgent {
			n.Title = "[urgent] " + n.Title
		}
		n.Body = ev.Preview
	}
	return n
}

// Close releases the dedupe cache's background goroutine.
func (r *Router) Close() {
	r.seen.Close()
}
