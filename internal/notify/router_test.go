// ABOUTME: Tests for the notification policy table
// ABOUTME: Self-exclusion, focus suppression, dedupe, urgent handling

package notify

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/harbor-support/internal/auth"
	"github.com/2389/harbor-support/internal/store"
)

type captureSink struct {
	mu       sync.Mutex
	notified []struct {
		UserID string
		N      Notification
	}
	unread map[string]map[string]int
}

func newCaptureSink() *captureSink {
	return &captureSink{unread: make(map[string]map[string]int)}
}

func (s *captureSink) Notify(_ context.Context, userID string, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, struct {
		UserID string
		N      Notification
	}{userID, n})
	return nil
}

func (s *captureSink) SetUnread(_ context.Context, userID string, counts map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID] = counts
	return nil
}

func (s *captureSink) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, d := range s.notified {
		ids = append(ids, d.UserID)
	}
	return ids
}

func newTestRouter(t *testing.T) (*Router, *captureSink) {
	t.Helper()
	sink := newCaptureSink()
	r := NewRouter(sink, slog.Default())
	t.Cleanup(r.Close)
	return r, sink
}

func messageEvent(msgID string) Event {
	return Event{
		Kind:           EventMessage,
		ConversationID: "conv-1",
		ActorID:        "user-1",
		MessageID:      msgID,
		Priority:       store.PriorityNormal,
		Subject:        "Login Issues",
		Preview:        "I can't sign in",
	}
}

func TestRoute_NeverNotifiesActor(t *testing.T) {
	r, sink := newTestRouter(t)

	r.Route(context.Background(), messageEvent("msg-1"), []Recipient{
		{UserID: "user-1", Role: auth.RoleUser},
		{UserID: "admin-1", Role: auth.RoleAdmin},
	})

	assert.Equal(t, []string{"admin-1"}, sink.recipients())
}

func TestRoute_FocusSuppressesAlert(t *testing.T) {
	r, sink := newTestRouter(t)
	r.SetFocus("admin-1", "conv-1")

	r.Route(context.Background(), messageEvent("msg-1"), []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
	})
	assert.Empty(t, sink.recipients(), "focused recipient sees the message in-app")

	// Focus on a different conversation does not suppress
	r.SetFocus("admin-1", "conv-2")
	r.Route(context.Background(), messageEvent("msg-2"), []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
	})
	assert.Equal(t, []string{"admin-1"}, sink.recipients())
}

func TestRoute_ClearFocusRestoresAlerts(t *testing.T) {
	r, sink := newTestRouter(t)
	r.SetFocus("admin-1", "conv-1")
	r.ClearFocus("admin-1")

	r.Route(context.Background(), messageEvent("msg-1"), []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
	})
	assert.Equal(t, []string{"admin-1"}, sink.recipients())
}

func TestRoute_ClearFocusOnOnlyMatchingConversation(t *testing.T) {
	r, sink := newTestRouter(t)
	r.SetFocus("admin-1", "conv-1")

	// Leaving some other room must not unmute the focused one
	r.ClearFocusOn("admin-1", "conv-2")
	r.Route(context.Background(), messageEvent("msg-1"), []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
	})
	assert.Empty(t, sink.recipients())

	r.ClearFocusOn("admin-1", "conv-1")
	r.Route(context.Background(), messageEvent("msg-2"), []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
	})
	assert.Equal(t, []string{"admin-1"}, sink.recipients())
}

func TestRoute_DedupesByMessageID(t *testing.T) {
	r, sink := newTestRouter(t)
	rcpts := []Recipient{{UserID: "admin-1", Role: auth.RoleAdmin}}

	// Same message delivered via push and via a reconciliation replay
	r.Route(context.Background(), messageEvent("msg-1"), rcpts)
	r.Route(context.Background(), messageEvent("msg-1"), rcpts)

	assert.Len(t, sink.recipients(), 1, "replayed event must not surface twice")

	// A different message is not suppressed
	r.Route(context.Background(), messageEvent("msg-2"), rcpts)
	assert.Len(t, sink.recipients(), 2)
}

func TestRoute_DedupeIsPerRecipient(t *testing.T) {
	r, sink := newTestRouter(t)

	r.Route(context.Background(), messageEvent("msg-1"), []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
		{UserID: "admin-2", Role: auth.RoleAdmin},
	})

	assert.ElementsMatch(t, []string{"admin-1", "admin-2"}, sink.recipients())
}

func TestRoute_JoinLeaveNeverAlert(t *testing.T) {
	r, sink := newTestRouter(t)
	rcpts := []Recipient{{UserID: "admin-1", Role: auth.RoleAdmin}}

	for _, kind := range []EventKind{EventUserJoined, EventUserLeft} {
		r.Route(context.Background(), Event{
			Kind:           kind,
			ConversationID: "conv-1",
			ActorID:        "user-1",
		}, rcpts)
	}

	assert.Empty(t, sink.recipients())
}

func TestRoute_UrgentRequiresInteraction(t *testing.T) {
	r, sink := newTestRouter(t)

	ev := messageEvent("msg-1")
	ev.Priority = store.PriorityUrgent
	r.Route(context.Background(), ev, []Recipient{{UserID: "admin-1", Role: auth.RoleAdmin}})

	require.Len(t, sink.notified, 1)
	n := sink.notified[0].N
	assert.True(t, n.RequireInteraction)
	assert.Contains(t, n.Title, "[urgent]")
	assert.Equal(t, "conv-1", n.ConversationID)
}

func TestRoute_NewConversationTitle(t *testing.T) {
	r, sink := newTestRouter(t)

	r.Route(context.Background(), Event{
		Kind:           EventConversationCreated,
		ConversationID: "conv-9",
		ActorID:        "user-1",
		Subject:        "Billing question",
		Preview:        "I was overcharged",
	}, []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
		{UserID: "admin-2", Role: auth.RoleAdmin},
	})

	require.Len(t, sink.notified, 2)
	assert.Equal(t, "New conversation: Billing question", sink.notified[0].N.Title)
	assert.Equal(t, "I was overcharged", sink.notified[0].N.Body)
}

func TestRoute_StableDedupeTag(t *testing.T) {
	r, sink := newTestRouter(t)

	r.Route(context.Background(), messageEvent("msg-42"), []Recipient{
		{UserID: "admin-1", Role: auth.RoleAdmin},
	})

	require.Len(t, sink.notified, 1)
	assert.Equal(t, "message:msg-42:admin-1", sink.notified[0].N.DedupeTag)
}
