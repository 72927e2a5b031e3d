// ABOUTME: REST handlers mirroring the lifecycle operations
// ABOUTME: Same DTOs as the socket frames, same error taxonomy as error frames

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/harbor-support/internal/auth"
	"github.com/2389/harbor-support/internal/handoff"
	"github.com/2389/harbor-support/internal/lifecycle"
	"github.com/2389/harbor-support/internal/store"
	"github.com/2389/harbor-support/internal/ws"
)

const defaultListLimit = 50

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses plus the same
// machine-readable codes the socket error frames use.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ws.CodeInternalError

	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		status, code = http.StatusBadRequest, ws.CodeValidationError
	case errors.Is(err, lifecycle.ErrConversationClosed):
		status, code = http.StatusConflict, ws.CodeConversationClosed
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		status, code = http.StatusConflict, ws.CodeInvalidTransition
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, ws.CodeNotFound
	case errors.Is(err, handoff.ErrEmptyTranscript):
		status, code = http.StatusBadRequest, ws.CodeValidationError
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, errorResponse{
		Error: "not a participant of this conversation",
		Code:  ws.CodeAuthorizationError,
	})
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error: "conversation creation rate exceeded",
		Code:  ws.CodeRateLimited,
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

// canAccess allows admins everywhere and users only where they
// participate.
func (g *Gateway) canAccess(r *http.Request, conversationID string) (bool, error) {
	id := identity(r)
	if id.IsAdmin() {
		return true, nil
	}
	return g.manager.IsParticipant(r.Context(), conversationID, id.UserID)
}

type createConversationRequest struct {
	Subject        string `json:"subject"`
	Priority       string `json:"priority,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if !g.creations.allow(identity(r).UserID) {
		writeRateLimited(w)
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: ws.CodeValidationError})
		return
	}

	id := identity(r)
	conv, err := g.manager.CreateConversation(r.Context(), lifecycle.CreateConversationRequest{
		UserID:   id.UserID,
		Subject:  req.Subject,
		Priority: store.Priority(req.Priority),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if req.InitialMessage != "" {
		if _, err := g.manager.AddMessage(r.Context(), lifecycle.AddMessageRequest{
			ConversationID: conv.ID,
			SenderID:       id.UserID,
			SenderType:     store.SenderUser,
			Content:        req.InitialMessage,
		}); err != nil {
			writeError(w, err)
			return
		}
	}

	g.hub.BroadcastNewConversation(r.Context(), conv)
	writeJSON(w, http.StatusCreated, ws.ConversationToDTO(conv))
}

// handleListConversations returns the caller's own conversations.
// Admins can filter the full queue by ?status= or ?search=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	limit := queryLimit(r)

	var (
		convs []*store.Conversation
		err   error
	)
	switch {
	case id.IsAdmin() && r.URL.Query().Get("search") != "":
		convs, err = g.manager.Search(r.Context(), r.URL.Query().Get("search"), limit)
	case id.IsAdmin():
		convs, err = g.manager.AdminConversations(r.Context(), store.Status(r.URL.Query().Get("status")), limit)
	default:
		convs, err = g.manager.UserConversations(r.Context(), id.UserID, limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]ws.ConversationDTO, 0, len(convs))
	for _, c := range convs {
		dtos = append(dtos, ws.ConversationToDTO(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": dtos})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	ok, err := g.canAccess(r, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeForbidden(w)
		return
	}

	conv, err := g.manager.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}

	unread, err := g.manager.UnreadCount(r.Context(), conversationID, identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": ws.ConversationToDTO(conv),
		"unreadCount":  unread,
	})
}

func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	ok, err := g.canAccess(r, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeForbidden(w)
		return
	}

	msgs, err := g.manager.GetMessages(r.Context(), conversationID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]ws.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		dtos = append(dtos, ws.MessageToDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": dtos})
}

type addMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
}

// handleAddMessage is the non-realtime path; the persisted message is
// still relayed to any connected room members.
func (g *Gateway) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	ok, err := g.canAccess(r, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeForbidden(w)
		return
	}

	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: ws.CodeValidationError})
		return
	}

	id := identity(r)
	senderType := store.SenderUser
	if id.IsAdmin() {
		senderType = store.SenderAdmin
	}

	result, err := g.hub.Relay(r.Context(), lifecycle.AddMessageRequest{
		ConversationID: conversationID,
		SenderID:       id.UserID,
		SenderType:     senderType,
		Content:        req.Content,
		MessageType:    req.MessageType,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ws.MessageToDTO(result.Message))
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	ok, err := g.canAccess(r, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeForbidden(w)
		return
	}

	count, err := g.manager.MarkRead(r.Context(), conversationID, identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markedRead": count})
}

type assignRequest struct {
	AdminID string `json:"adminId,omitempty"`
}

// handleAssign assigns the conversation to the given admin, defaulting
// to the caller.
func (g *Gateway) handleAssign(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req assignRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	adminID := req.AdminID
	if adminID == "" {
		adminID = identity(r).UserID
	}

	conv, err := g.manager.Assign(r.Context(), conversationID, adminID)
	if err != nil {
		writeError(w, err)
		return
	}

	g.hub.BroadcastConversationUpdated(r.Context(), conv, identity(r).UserID)
	writeJSON(w, http.StatusOK, ws.ConversationToDTO(conv))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// handleUpdateStatus moves a conversation through the state machine.
// Participants may close their own conversation; transfers stay an
// admin operation.
func (g *Gateway) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	ok, err := g.canAccess(r, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeForbidden(w)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: ws.CodeValidationError})
		return
	}

	if store.Status(req.Status) == store.StatusTransferred && !identity(r).IsAdmin() {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error: "admin role required",
			Code:  ws.CodeAuthorizationError,
		})
		return
	}

	change, err := g.manager.UpdateStatus(r.Context(), conversationID, store.Status(req.Status))
	if err != nil {
		writeError(w, err)
		return
	}

	g.hub.BroadcastConversationUpdated(r.Context(), change.Conversation, identity(r).UserID)

	resp := map[string]any{"conversation": ws.ConversationToDTO(change.Conversation)}
	if change.Successor != nil {
		// A transfer spawns a fresh open conversation for the queue
		g.hub.BroadcastNewConversation(r.Context(), change.Successor)
		resp["successor"] = ws.ConversationToDTO(change.Successor)
	}
	writeJSON(w, http.StatusOK, resp)
}

type handoffRequest struct {
	Reason  string                `json:"reason,omitempty"`
	History []handoff.ChatMessage `json:"history"`
}

// handleHandoff escalates an AI chat into a human support conversation
// on behalf of the caller.
func (g *Gateway) handleHandoff(w http.ResponseWriter, r *http.Request) {
	if !g.creations.allow(identity(r).UserID) {
		writeRateLimited(w)
		return
	}

	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: ws.CodeValidationError})
		return
	}

	conv, err := g.packager.Package(r.Context(), handoff.Request{
		UserID:  identity(r).UserID,
		Reason:  req.Reason,
		History: req.History,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	g.hub.BroadcastNewConversation(r.Context(), conv)
	writeJSON(w, http.StatusCreated, ws.ConversationToDTO(conv))
}

// handleUnreadStats returns the caller's per-conversation unread badge
// counts, the same numbers the reconciler pushes over the socket.
func (g *Gateway) handleUnreadStats(w http.ResponseWriter, r *http.Request) {
	counts, err := g.manager.UnreadCounts(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": counts})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.manager.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	byPriority := make(map[string]int, len(stats.ByPriority))
	for p, n := range stats.ByPriority {
		byPriority[string(p)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      stats.Total,
		"open":       stats.Open,
		"inProgress": stats.InProgress,
		"closed":     stats.Closed,
		"byPriority": byPriority,
	})
}
