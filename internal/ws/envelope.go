// ABOUTME: WebSocket wire format: envelope, frame types, payloads, DTOs
// ABOUTME: Maps domain errors to machine-readable error frames

package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/harbor-support/internal/lifecycle"
	"github.com/2389/harbor-support/internal/store"
)

// FrameType discriminates envelope payloads.
type FrameType string

// Client-initiated frames
const (
	FrameJoinConversation  FrameType = "join_conversation"
	FrameLeaveConversation FrameType = "leave_conversation"
	FrameMessage           FrameType = "message"
	FrameTyping            FrameType = "typing"
	FrameReadReceipt       FrameType = "read_receipt"
)

// Server-initiated frames
const (
	FrameConnectionConfirmed FrameType = "connection_confirmed"
	FrameJoinedConversation  FrameType = "joined_conversation"
	FrameLeftConversation    FrameType = "left_conversation"
	FrameUserJoined          FrameType = "user_joined"
	FrameUserLeft            FrameType = "user_left"
	FrameError               FrameType = "error"
	FrameNewConversation     FrameType = "new_conversation"
	FrameConversationUpdated FrameType = "conversation_updated"
	FrameNotification        FrameType = "notification"
	FrameUnreadCounts        FrameType = "unread_counts"
)

// CloseAuthFailure is the close code sent when a socket cannot be
// tied to a valid identity. 4000-4999 is the application range.
const CloseAuthFailure = 4401

// Envelope is the frame wrapper. ConversationID is set for
// room-scoped frames, Data carries the type-specific payload.
type Envelope struct {
	Type           FrameType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals the payload into an envelope. Marshal failures
// are programming errors; the payload types here cannot fail.
func NewEnvelope(t FrameType, conversationID string, payload any) Envelope {
	env := Envelope{Type: t, ConversationID: conversationID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			env.Data = data
		}
	}
	return env
}

// MessagePayload is the client's message submission.
type MessagePayload struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
}

// TypingPayload flows both ways: inbound carries IsTyping, outbound
// adds the user the signal belongs to.
type TypingPayload struct {
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptPayload announces that a user has read the conversation.
type ReadReceiptPayload struct {
	UserID string `json:"userId"`
	Count  int64  `json:"count"`
}

// PresencePayload backs user_joined and user_left frames.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ConfirmedPayload acknowledges a successful handshake.
type ConfirmedPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// JoinedPayload acknowledges a join with the recent transcript so the
// client can render without an extra fetch.
type JoinedPayload struct {
	Messages      []MessageDTO `json:"messages"`
	TypingUserIDs []string     `json:"typingUserIds,omitempty"`
}

// UnreadPayload carries per-conversation unread counts for badges.
type UnreadPayload struct {
	Counts map[string]int `json:"counts"`
}

// ErrorPayload is returned synchronously to the originating connection.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds, rate_limited only
}

// Error codes carried by error frames.
const (
	CodeAuthError          = "auth_error"
	CodeAuthorizationError = "authorization_error"
	CodeValidationError    = "validation_error"
	CodeInvalidTransition  = "invalid_transition"
	CodeConversationClosed = "conversation_closed"
	CodeNotFound           = "not_found"
	CodeRateLimited        = "rate_limited"
	CodeInternalError      = "internal_error"
)

// errorCode maps a domain error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		return CodeValidationError
	case errors.Is(err, lifecycle.ErrConversationClosed):
		return CodeConversationClosed
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternalError
	}
}

// MessageDTO is the wire shape of a persisted message.
type MessageDTO struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	SenderType     string     `json:"senderType"`
	Content        string     `json:"content"`
	MessageType    string     `json:"messageType"`
	Metadata       string     `json:"metadata,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// MessageToDTO converts a stored message to its wire shape.
func MessageToDTO(m *store.Message) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderType:     string(m.SenderType),
		Content:        m.Content,
		MessageType:    m.Type,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
	}
}

// ConversationDTO is the wire shape of a conversation, shared by the
// socket frames and the REST responses.
type ConversationDTO struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	AdminID         *string         `json:"adminId"`
	Status          string          `json:"status"`
	Priority        string          `json:"priority"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject"`
	Context         json.RawMessage `json:"context,omitempty"`
	TransferredFrom *string         `json:"transferredFromConversationId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ConversationToDTO converts a stored conversation to its wire shape.
// The context payload is embedded as raw JSON so it round-trips
// byte-for-byte.
func ConversationToDTO(c *store.Conversation) ConversationDTO {
	dto := ConversationDTO{
		ID:              c.ID,
		UserID:          c.UserID,
		AdminID:         c.AdminID,
		Status:          string(c.Status),
		Priority:        string(c.Priority),
		Type:            string(c.Type),
		Subject:         c.Subject,
		TransferredFrom: c.TransferredFrom,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if c.Context != "" {
		dto.Context = json.RawMessage(c.Context)
	}
	return dto
}
