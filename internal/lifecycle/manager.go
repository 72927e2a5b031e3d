// ABOUTME: Conversation lifecycle manager - the single writer for conversation state
// ABOUTME: Enforces the status state machine and the message persistence contract

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/harbor-support/internal/store"
)

// ErrInvalidTransition is returned for a status change the transition
// table does not allow. State is left unchanged.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrConversationClosed is returned when a text message is sent to a
// closed conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// ErrValidation is returned for empty or oversized input, before any
// persistence side effect.
var ErrValidation = errors.New("validation failed")

// Input limits enforced before any storage call.
const (
	MaxSubjectLen = 200
	MaxContentLen = 4000
)

// Bounded retry policy for persistence failures at the manager boundary.
const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
)

// ConversationStore defines what the manager needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, from, to store.Status) error
	AssignConversationToAdmin(ctx context.Context, id, adminID string) error
	GetUserConversations(ctx context.Context, userID string, limit int) ([]*store.Conversation, error)
	GetAdminConversations(ctx context.Context, status store.Status, limit int) ([]*store.Conversation, error)
	SearchConversations(ctx context.Context, query string, limit int) ([]*store.Conversation, error)
	GetConversationStats(ctx context.Context) (*store.ConversationStats, error)

	AddMessage(ctx context.Context, msg *store.Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID, userID string, at time.Time) (int64, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	UnreadCountsForUser(ctx context.Context, userID string) (map[string]int, error)

	GetParticipant(ctx context.Context, conversationID, userID string) (*store.Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]*store.Participant, error)
}

// Manager is the sole authority over conversation and message state.
// All mutations for one conversation are serialized through a
// per-conversation lock, so concurrent writers cannot race the state
// machine: the second of two simultaneous assigns observes in_progress
// and fails with ErrInvalidTransition.
type Manager struct {
	store  ConversationStore
	locks  *keyedMutex
	logger *slog.Logger
}

// New creates a lifecycle manager. Pass nil logger for default.
func New(s ConversationStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		locks:  newKeyedMutex(),
		logger: logger.With("component", "lifecycle"),
	}
}

// CreateConversationRequest carries everything needed to open a conversation.
type CreateConversationRequest struct {
	UserID   string
	Subject  string
	Priority store.Priority
	Type     store.ConversationType

	// Context is an opaque JSON payload attached verbatim at creation.
	// Supplying it marks the conversation as an AI handoff. Write-once:
	// no later operation touches it.
	Context string

	// TransferredFrom links a successor conversation to the one it was
	// transferred out of.
	TransferredFrom string
}

// CreateConversation opens a new conversation and adds the creator as a
// participant.
func (m *Manager) CreateConversation(ctx context.Context, req CreateConversationRequest) (*store.Conversation, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if len(subject) > MaxSubjectLen {
		return nil, fmt.Errorf("%w: subject exceeds %d characters", ErrValidation, MaxSubjectLen)
	}

	priority := req.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}
	convType := req.Type
	if convType == "" {
		convType = store.TypeSupport
	}
	if req.Context != "" {
		convType = store.TypeAIHandoff
	}

	now := time.Now()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Status:    store.StatusOpen,
		Priority:  priority,
		Type:      convType,
		Subject:   subject,
		Context:   req.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.TransferredFrom != "" {
		conv.TransferredFrom = &req.TransferredFrom
	}

	err := m.withRetry(ctx, func() error {
		return m.store.CreateConversation(ctx, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	m.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"user_id", conv.UserID,
		"type", conv.Type,
		"priority", conv.Priority)
	return conv, nil
}

// AddMessageRequest carries a message to append to a conversation.
type AddMessageRequest struct {
	ConversationID string
	SenderID       string
	SenderType     store.SenderType
	Content        string
	MessageType    string // defaults to "text"
	Metadata       string
}

// AddMessageResult is the persisted message plus the conversation it
// landed in, so callers can route on priority and status without a
// second lookup.
type AddMessageResult struct {
	Message      *store.Message
	Conversation *store.Conversation
}

// AddMessage validates and persists a message. Text messages to a closed
// conversation fail with ErrConversationClosed; system and handoff
// messages are allowed regardless of status (e.g. a closing note).
func (m *Manager) AddMessage(ctx context.Context, req AddMessageRequest) (*AddMessageResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if len(content) > MaxContentLen {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrValidation, MaxContentLen)
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = store.MessageTypeText
	}

	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	conv, err := m.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if msgType == store.MessageTypeText && conv.Status == store.StatusClosed {
		return nil, ErrConversationClosed
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		SenderType:     req.SenderType,
		Content:        content,
		Type:           msgType,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now(),
	}

	err = m.withRetry(ctx, func() error {
		return m.store.AddMessage(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	conv.UpdatedAt = msg.CreatedAt
	m.logger.Debug("message added",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_type", msg.SenderType,
		"type", msg.Type)

	return &AddMessageResult{Message: msg, Conversation: conv}, nil
}

// Assign hands an open conversation to an admin, moving it to
// in_progress. Re-assignment of an already assigned conversation fails
// with ErrInvalidTransition and leaves the original admin in place.
func (m *Manager) Assign(ctx context.Context, conversationID, adminID string) (*store.Conversation, error) {
	if adminID == "" {
		return nil, fmt.Errorf("%w: admin id is required", ErrValidation)
	}

	unlock := m.locks.Lock(conversationID)
	defer unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusOpen {
		return nil, fmt.Errorf("%w: cannot assign conversation in status %q", ErrInvalidTransition, conv.Status)
	}

	err = m.withRetry(ctx, func() error {
		return m.store.AssignConversationToAdmin(ctx, conversationID, adminID)
	})
	if errors.Is(err, store.ErrStaleStatus) {
		return nil, fmt.Errorf("%w: conversation already assigned", ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("assigning conversation: %w", err)
	}

	conv.AdminID = &adminID
	conv.Status = store.StatusInProgress
	m.logger.Info("conversation assigned",
		"conversation_id", conversationID,
		"admin_id", adminID)
	return conv, nil
}

// StatusChange is the outcome of UpdateStatus. Successor is non-nil only
// for a transfer: the spawned open conversation linked back through
// transferred_from. Messages are never copied to the successor.
type StatusChange struct {
	Conversation *store.Conversation
	Successor    *store.Conversation
}

// UpdateStatus validates the requested transition against the state
// machine and applies it. Disallowed edges fail with
// ErrInvalidTransition and leave state unchanged.
func (m *Manager) UpdateStatus(ctx context.Context, conversationID string, next store.Status) (*StatusChange, error) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !store.ValidTransition(conv.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conv.Status, next)
	}

	prior := conv.Status
	err = m.withRetry(ctx, func() error {
		return m.store.UpdateConversationStatus(ctx, conversationID, prior, next)
	})
	if errors.Is(err, store.ErrStaleStatus) {
		return nil, fmt.Errorf("%w: conversation moved concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}

	conv.Status = next
	change := &StatusChange{Conversation: conv}

	if next == store.StatusTransferred {
		successor, err := m.spawnSuccessor(ctx, conv)
		if err != nil {
			return nil, err
		}
		change.Successor = successor
	}

	m.logger.Info("conversation status updated",
		"conversation_id", conversationID,
		"from", prior,
		"to", next)
	return change, nil
}

// spawnSuccessor creates the open follow-up conversation for a transfer.
// Only the link is carried over; the transcript stays with the original.
func (m *Manager) spawnSuccessor(ctx context.Context, conv *store.Conversation) (*store.Conversation, error) {
	now := time.Now()
	successor := &store.Conversation{
		ID:              uuid.New().String(),
		UserID:          conv.UserID,
		Status:          store.StatusOpen,
		Priority:        conv.Priority,
		Type:            store.TypeSupport,
		Subject:         conv.Subject,
		TransferredFrom: &conv.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := m.withRetry(ctx, func() error {
		return m.store.CreateConversation(ctx, successor)
	})
	if err != nil {
		return nil, fmt.Errorf("spawning successor conversation: %w", err)
	}

	m.logger.Info("transfer successor created",
		"conversation_id", successor.ID,
		"transferred_from", conv.ID)
	return successor, nil
}

// MarkRead sets read_at on all unread messages authored by other senders
// and updates the participant's last_read_at. Returns how many messages
// were marked.
func (m *Manager) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	return m.store.MarkMessagesAsRead(ctx, conversationID, userID, time.Now())
}

// UnreadCount is the single unread definition shared by the dashboard
// summary and the conversation detail view.
func (m *Manager) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	return m.store.UnreadCount(ctx, conversationID, userID)
}

// UnreadCounts returns per-conversation unread counts for a user.
func (m *Manager) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	return m.store.UnreadCountsForUser(ctx, userID)
}

// GetConversation returns conversation metadata including the write-once
// context payload.
func (m *Manager) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return m.store.GetConversation(ctx, id)
}

// GetMessages returns a conversation's messages in commit order.
func (m *Manager) GetMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return m.store.GetConversationMessages(ctx, conversationID, limit)
}

// UserConversations lists a user's conversations by recent activity.
func (m *Manager) UserConversations(ctx context.Context, userID string, limit int) ([]*store.Conversation, error) {
	return m.store.GetUserConversations(ctx, userID, limit)
}

// AdminConversations lists conversations for the admin dashboard,
// optionally filtered by status.
func (m *Manager) AdminConversations(ctx context.Context, status store.Status, limit int) ([]*store.Conversation, error) {
	return m.store.GetAdminConversations(ctx, status, limit)
}

// Search finds conversations by subject or message content.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]*store.Conversation, error) {
	return m.store.SearchConversations(ctx, query, limit)
}

// Stats aggregates conversation counts for the dashboard.
func (m *Manager) Stats(ctx context.Context) (*store.ConversationStats, error) {
	return m.store.GetConversationStats(ctx)
}

// Participants lists a conversation's participants.
func (m *Manager) Participants(ctx context.Context, conversationID string) ([]*store.Participant, error) {
	return m.store.ListParticipants(ctx, conversationID)
}

// IsParticipant reports whether the user has a participant record on the
// conversation.
func (m *Manager) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := m.store.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// withRetry runs a persistence call up to persistAttempts times.
// Domain errors pass through immediately; only unexpected storage
// failures are retried.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = fn()
		if err == nil || isPermanent(err) {
			return err
		}
		m.logger.Warn("persistence call failed, retrying",
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * persistBackoff):
		}
	}
	return err
}

// isPermanent reports whether an error is a domain outcome rather than a
// transient storage failure.
func isPermanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrStaleStatus) ||
		errors.Is(err, store.ErrDuplicateParticipant)
}
