// ABOUTME: One-shot packaging of an AI chat into a human support conversation
// ABOUTME: Classifies urgency/intent/category and seeds the handoff context

package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/harbor-support/internal/lifecycle"
	"github.com/2389/harbor-support/internal/store"
)

// ErrEmptyTranscript is returned when a handoff carries no prior AI
// chat history to package.
var ErrEmptyTranscript = errors.New("handoff: empty transcript")

// ChatMessage is one turn of the prior AI conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Context is the payload attached to an ai_handoff conversation at
// creation. It is written exactly once and read-only thereafter; a
// detail fetch returns it unchanged.
type Context struct {
	HandoffReason string        `json:"handoffReason"`
	UserIntent    string        `json:"userIntent"`
	Urgency       string        `json:"urgency"`
	Category      string        `json:"category,omitempty"`
	Summary       string        `json:"summary"`
	AIChatHistory []ChatMessage `json:"aiChatHistory"`
}

// Request describes an escalation from an AI-assisted chat.
type Request struct {
	UserID  string
	Reason  string        // why the AI escalated, free-form
	History []ChatMessage // full prior transcript, oldest first
}

// Packager turns an escalated AI chat into a new support conversation.
type Packager struct {
	manager *lifecycle.Manager
	logger  *slog.Logger
}

// NewPackager creates a packager backed by the given lifecycle manager.
func NewPackager(manager *lifecycle.Manager, logger *slog.Logger) *Packager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{
		manager: manager,
		logger:  logger.With("component", "handoff"),
	}
}

// Package creates the ai_handoff conversation: classifies the
// transcript, builds the context payload, creates the conversation with
// the derived priority, and seeds a handoff message so the assigned
// admin sees the escalation summary inline.
func (p *Packager) Package(ctx context.Context, req Request) (*store.Conversation, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", lifecycle.ErrValidation)
	}
	if len(req.History) == 0 {
		return nil, ErrEmptyTranscript
	}

	hc := p.build(req)

	payload, err := json.Marshal(hc)
	if err != nil {
		return nil, fmt.Errorf("marshal handoff context: %w", err)
	}

	conv, err := p.manager.CreateConversation(ctx, lifecycle.CreateConversationRequest{
		UserID:   req.UserID,
		Subject:  subjectFor(hc),
		Priority: priorityFor(hc.Urgency),
		Type:     store.TypeAIHandoff,
		Context:  string(payload),
	})
	if err != nil {
		return nil, err
	}

	seed := fmt.Sprintf("Escalated from AI assistant. Reason: %s. Summary: %s", hc.HandoffReason, hc.Summary)
	if _, err := p.manager.AddMessage(ctx, lifecycle.AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       req.UserID,
		SenderType:     store.SenderSystem,
		Content:        seed,
		MessageType:    store.MessageTypeHandoff,
	}); err != nil {
		return nil, fmt.Errorf("seed handoff message: %w", err)
	}

	p.logger.Info("packaged AI handoff",
		"conversation_id", conv.ID,
		"user_id", req.UserID,
		"urgency", hc.Urgency,
		"category", hc.Category)

	return conv, nil
}

// build derives the classification fields from the transcript. The
// heuristics are deliberately simple keyword matches; they only steer
// triage defaults and an admin can re-prioritize.
func (p *Packager) build(req Request) Context {
	reason := req.Reason
	if reason == "" {
		reason = "AI assistant could not resolve the request"
	}

	userText := collectUserText(req.History)

	return Context{
		HandoffReason: reason,
		UserIntent:    classifyIntent(userText),
		Urgency:       classifyUrgency(userText),
		Category:      classifyCategory(userText),
		Summary:       summarize(req.History),
		AIChatHistory: req.History,
	}
}

func collectUserText(history []ChatMessage) string {
	var b strings.Builder
	for _, m := range history {
		if m.Role == "user" {
			b.WriteString(strings.ToLower(m.Content))
			b.WriteByte(' ')
		}
	}
	return b.String()
}

var urgencyKeywords = map[string][]string{
	"critical": {"urgent", "emergency", "immediately", "outage", "down", "data loss", "security breach", "hacked"},
	"high":     {"asap", "broken", "cannot", "can't", "failed", "error", "charged twice", "locked out"},
	"low":      {"whenever", "no rush", "curious", "wondering", "question about"},
}

func classifyUrgency(text string) string {
	for _, level := range []string{"critical", "high"} {
		for _, kw := range urgencyKeywords[level] {
			if strings.Contains(text, kw) {
				return level
			}
		}
	}
	for _, kw := range urgencyKeywords["low"] {
		if strings.Contains(text, kw) {
			return "low"
		}
	}
	return "normal"
}

var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{"refund_request", []string{"refund", "money back", "charged twice", "overcharged"}},
	{"account_access", []string{"sign in", "log in", "login", "password", "locked out", "2fa", "two-factor"}},
	{"cancellation", []string{"cancel", "unsubscribe", "close my account", "delete my account"}},
	{"technical_issue", []string{"error", "bug", "broken", "crash", "not working", "doesn't work"}},
	{"billing_question", []string{"invoice", "billing", "payment", "subscription", "charge"}},
}

func classifyIntent(text string) string {
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.intent
			}
		}
	}
	return "general_inquiry"
}

var categoryForIntent = map[string]string{
	"refund_request":   "billing",
	"billing_question": "billing",
	"account_access":   "account",
	"cancellation":     "account",
	"technical_issue":  "technical",
}

func classifyCategory(text string) string {
	if cat, ok := categoryForIntent[classifyIntent(text)]; ok {
		return cat
	}
	return "general"
}

func priorityFor(urgency string) store.Priority {
	switch urgency {
	case "critical":
		return store.PriorityUrgent
	case "high":
		return store.PriorityHigh
	case "low":
		return store.PriorityLow
	default:
		return store.PriorityNormal
	}
}

const maxSummaryLen = 160

// summarize takes the first user message as the gist of the request.
func summarize(history []ChatMessage) string {
	for _, m := range history {
		if m.Role != "user" {
			continue
		}
		s := strings.TrimSpace(m.Content)
		if len(s) > maxSummaryLen {
			s = s[:maxSummaryLen-3] + "..."
		}
		return s
	}
	return "No user messages in transcript"
}

func subjectFor(hc Context) string {
	base := strings.ReplaceAll(hc.UserIntent, "_", " ")
	if len(base) > 0 {
		base = strings.ToUpper(base[:1]) + base[1:]
	}
	return "Handoff: " + base
}
