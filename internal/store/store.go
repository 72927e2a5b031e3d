// ABOUTME: Store interface and data types for harbor-support persistence
// ABOUTME: Defines Conversation, Message, Participant structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateParticipant is returned when adding a participant that already
// exists for the conversation
var ErrDuplicateParticipant = errors.New("participant already exists")

// ErrStaleStatus is returned by guarded status updates when the conversation
// is no longer in the expected prior status
var ErrStaleStatus = errors.New("conversation status changed concurrently")

// Status is the lifecycle state of a conversation
type Status string

const (
	StatusOpen        Status = "open"
	StatusInProgress  Status = "in_progress"
	StatusTransferred Status = "transferred"
	StatusClosed      Status = "closed"
)

// Priority is the triage priority of a conversation
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ConversationType distinguishes plain support threads from AI escalations
type ConversationType string

const (
	TypeSupport   ConversationType = "support"
	TypeAIHandoff ConversationType = "ai_handoff"
)

// SenderType identifies who authored a message
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAdmin  SenderType = "admin"
	SenderSystem SenderType = "system"
)

// MessageType constants for message kinds
const (
	MessageTypeText    = "text"
	MessageTypeSystem  = "system"
	MessageTypeHandoff = "handoff"
	MessageTypeFile    = "file"
)

// ParticipantRole is a participant's role within one conversation
type ParticipantRole string

const (
	RoleParticipant ParticipantRole = "participant"
	RoleAdmin       ParticipantRole = "admin"
	RoleObserver    ParticipantRole = "observer"
)

// Conversation represents a support thread between one user and
// zero-or-one assigned admin.
type Conversation struct {
	ID              string
	UserID          string
	AdminID         *string
	Status          Status
	Priority        Priority
	Type            ConversationType
	Subject         string
	Context         string // opaque JSON, write-once at creation
	TransferredFrom *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message represents a single message within a conversation.
// Immutable after creation except ReadAt.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderType     SenderType
	Content        string
	Type           string // "text", "system", "handoff", "file"
	Metadata       string // opaque JSON
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Participant links a user to a conversation with a role.
type Participant struct {
	ConversationID string
	UserID         string
	Role           ParticipantRole
	JoinedAt       time.Time
	LastReadAt     *time.Time
}

// ConversationStats aggregates conversation counts for the admin dashboard.
type ConversationStats struct {
	Total      int
	Open       int
	InProgress int
	Closed     int
	ByPriority map[Priority]int
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, from, to Status) error
	AssignConversationToAdmin(ctx context.Context, id, adminID string) error
	GetUserConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	GetAdminConversations(ctx context.Context, status Status, limit int) ([]*Conversation, error)
	SearchConversations(ctx context.Context, query string, limit int) ([]*Conversation, error)
	GetConversationStats(ctx context.Context) (*ConversationStats, error)

	// Messages
	AddMessage(ctx context.Context, msg *Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID, userID string, at time.Time) (int64, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	UnreadCountsForUser(ctx context.Context, userID string) (map[string]int, error)

	// Participants
	AddParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error)

	// Close releases any resources held by the store
	Close() error
}

// ValidTransition reports whether a conversation may move from one status
// to another. No transition originates from closed or transferred.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusOpen:
		return to == StatusInProgress || to == StatusClosed
	case StatusInProgress:
		return to == StatusClosed || to == StatusTransferred
	default:
		return false
	}
}
