// ABOUTME: Notification types and the outbound sink contract
// ABOUTME: The sink is the presentation surface, not owned here

package notify

import (
	"context"

	"github.com/2389/harbor-support/internal/auth"
	"github.com/2389/harbor-support/internal/store"
)

// EventKind classifies the events the router decides on.
type EventKind string

const (
	EventMessage             EventKind = "message"
	EventConversationCreated EventKind = "conversation_created"
	EventStatusChanged       EventKind = "status_changed"
	EventUserJoined          EventKind = "user_joined"
	EventUserLeft            EventKind = "user_left"
)

// Event is one occurrence the router evaluates against each candidate
// recipient.
type Event struct {
	Kind           EventKind
	ConversationID string
	ActorID        string // who caused the event; never notified
	MessageID      string // set for message events, drives the dedupe key
	Priority       store.Priority
	Subject        string
	Preview        string
}

// Recipient is a candidate for notification. The caller resolves who
// the candidates are (room members, all admins); the router only
// decides yes/no per candidate.
type Recipient struct {
	UserID string
	Role   auth.Role
}

// Notification is the router's output, handed to the sink.
type Notification struct {
	Title              string `json:"title"`
	Body               string `json:"body"`
	DedupeTag          string `json:"dedupeTag"`
	RequireInteraction bool   `json:"requireInteraction"`
	ConversationID     string `json:"conversationId"`
}

// Sink receives router output. Implementations push to connected
// sockets, OS notification bridges, or test doubles.
type Sink interface {
	// Notify surfaces a user-visible alert for one recipient.
	Notify(ctx context.Context, userID string, n Notification) error
	// SetUnread replaces the recipient's per-conversation unread counts.
	SetUnread(ctx context.Context, userID string, counts map[string]int) error
}
