// ABOUTME: Room registry and relay: join/leave/message/typing/read handling
// ABOUTME: Per-room critical section keeps broadcast order equal to commit order

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/harbor-support/internal/auth"
	"github.com/2389/harbor-support/internal/lifecycle"
	"github.com/2389/harbor-support/internal/notify"
	"github.com/2389/harbor-support/internal/presence"
	"github.com/2389/harbor-support/internal/store"
)

const joinHistoryLimit = 50

// Config tunes socket liveness and per-connection rate limiting.
type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	// MessagesPerSecond caps the sustained message rate per connection;
	// MessageBurst allows short spikes above it.
	MessagesPerSecond float64
	MessageBurst      int
}

func (c Config) messageRate() rate.Limit {
	if c.MessagesPerSecond <= 0 {
		return rate.Limit(5)
	}
	return rate.Limit(c.MessagesPerSecond)
}

func (c Config) messageBurst() int {
	if c.MessageBurst <= 0 {
		return 10
	}
	return c.MessageBurst
}

// Hub owns room membership and relays frames between connections.
// It also implements notify.Sink and notify.ActiveUsers so the
// notification router and reconciler can reach connected users.
type Hub struct {
	manager *lifecycle.Manager
	tracker *presence.Tracker
	router  *notify.Router
	cfg     Config
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*Conn]struct{}
	rooms map[string]map[*Conn]struct{} // conversationID -> connections
	joins map[*Conn]map[string]struct{} // reverse map for cleanup

	roomLocks roomLocks
}

// NewHub wires the hub to its collaborators. The router may be set
// afterwards via SetRouter because router and hub reference each other
// (the hub is the router's sink).
func NewHub(manager *lifecycle.Manager, tracker *presence.Tracker, cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		manager: manager,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin enforcement happens at the CORS layer
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:     make(map[*Conn]struct{}),
		rooms:     make(map[string]map[*Conn]struct{}),
		joins:     make(map[*Conn]map[string]struct{}),
		roomLocks: roomLocks{locks: make(map[string]*roomLock)},
	}
}

// SetRouter attaches the notification router. Must be called before
// the hub serves its first connection.
func (h *Hub) SetRouter(router *notify.Router) {
	h.router = router
}

// ServeHTTP upgrades the request to a WebSocket session. The socket
// middleware attaches the identity when the token verifies; a request
// arriving without one is upgraded and then closed with the auth
// failure code so clients see 4401 rather than a failed handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "error", err)
		return
	}

	if !ok {
		msg := websocket.FormatCloseMessage(CloseAuthFailure, "authentication required")
		sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		sock.Close()
		return
	}

	conn := newConn(h, sock, id)
	h.register(conn)

	conn.Send(NewEnvelope(FrameConnectionConfirmed, "", ConfirmedPayload{
		UserID: id.UserID,
		Role:   string(id.Role),
	}))

	go conn.writeLoop()
	conn.readLoop()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	h.joins[c] = make(map[string]struct{})
	h.logger.Info("connection opened", "conn_id", c.ID, "user_id", c.Identity.UserID, "role", c.Identity.Role)
}

// unregister removes the connection from every room it joined,
// broadcasting leave and typing-stop events where needed.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	joined := h.joins[c]
	delete(h.joins, c)
	stillConnected := h.userConnectedLocked(c.Identity.UserID)
	for convID := range joined {
		h.removeFromRoomLocked(c, convID)
	}
	h.mu.Unlock()

	// A dropped connection must not leave a stale typing indicator
	if !stillConnected {
		for _, convID := range h.tracker.ClearUser(c.Identity.UserID) {
			h.broadcast(convID, nil, NewEnvelope(FrameTyping, convID, TypingPayload{
				UserID:   c.Identity.UserID,
				IsTyping: false,
			}))
		}
		if h.router != nil {
			h.router.ClearFocus(c.Identity.UserID)
		}
	}

	for convID := range joined {
		h.broadcast(convID, c, NewEnvelope(FrameUserLeft, convID, PresencePayload{UserID: c.Identity.UserID}))
	}
	h.logger.Info("connection closed", "conn_id", c.ID, "user_id", c.Identity.UserID)
}

// userConnectedLocked reports whether the user has another live
// connection. Must be called with mu held.
func (h *Hub) userConnectedLocked(userID string) bool {
	for c := range h.conns {
		if c.Identity.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) removeFromRoomLocked(c *Conn, conversationID string) {
	room := h.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

// handleFrame dispatches one inbound frame. Called synchronously from
// the connection's read loop.
func (h *Hub) handleFrame(c *Conn, env Envelope) {
	switch env.Type {
	case FrameJoinConversation:
		h.handleJoin(c, env.ConversationID)
	case FrameLeaveConversation:
		h.handleLeave(c, env.ConversationID)
	case FrameMessage:
		h.handleMessage(c, env)
	case FrameTyping:
		h.handleTyping(c, env)
	case FrameReadReceipt:
		h.handleRead(c, env.ConversationID)
	default:
		c.sendError(env.ConversationID, CodeValidationError, "unknown frame type", 0)
	}
}

// handleJoin authorizes and applies a join. Joining a room twice from
// the same connection re-acks without a duplicate user_joined
// broadcast.
func (h *Hub) handleJoin(c *Conn, conversationID string) {
	if conversationID == "" {
		c.sendError("", CodeValidationError, "conversationId is required", 0)
		return
	}

	ctx := context.Background()
	if !h.authorized(ctx, c, conversationID) {
		c.sendError(conversationID, CodeAuthorizationError, "not a participant of this conversation", 0)
		return
	}

	h.mu.Lock()
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[conversationID] = room
	}
	_, already := room[c]
	room[c] = struct{}{}
	h.joins[c][conversationID] = struct{}{}
	h.mu.Unlock()

	if h.router != nil {
		h.router.SetFocus(c.Identity.UserID, conversationID)
	}

	messages, err := h.manager.GetMessages(ctx, conversationID, joinHistoryLimit)
	if err != nil {
		h.logger.Warn("join history fetch failed", "conversation_id", conversationID, "error", err)
	}
	dtos := make([]MessageDTO, 0, len(messages))
	for _, m := range messages {
		dtos = append(dtos, MessageToDTO(m))
	}
	c.Send(NewEnvelope(FrameJoinedConversation, conversationID, JoinedPayload{
		Messages:      dtos,
		TypingUserIDs: h.tracker.Typing(conversationID),
	}))

	if !already {
		h.broadcast(conversationID, c, NewEnvelope(FrameUserJoined, conversationID, PresencePayload{
			UserID: c.Identity.UserID,
		}))
	}
}

func (h *Hub) handleLeave(c *Conn, conversationID string) {
	if conversationID == "" {
		c.sendError("", CodeValidationError, "conversationId is required", 0)
		return
	}

	h.mu.Lock()
	_, wasMember := h.joins[c][conversationID]
	delete(h.joins[c], conversationID)
	h.removeFromRoomLocked(c, conversationID)
	h.mu.Unlock()

	if !wasMember {
		c.Send(NewEnvelope(FrameLeftConversation, conversationID, nil))
		return
	}

	if h.tracker.SetTyping(conversationID, c.Identity.UserID, false) {
		h.broadcast(conversationID, c, NewEnvelope(FrameTyping, conversationID, TypingPayload{
			UserID:   c.Identity.UserID,
			IsTyping: false,
		}))
	}
	if h.router != nil {
		h.router.ClearFocusOn(c.Identity.UserID, conversationID)
	}

	c.Send(NewEnvelope(FrameLeftConversation, conversationID, nil))
	h.broadcast(conversationID, c, NewEnvelope(FrameUserLeft, conversationID, PresencePayload{
		UserID: c.Identity.UserID,
	}))
}

// handleMessage persists then fans out. The room lock spans both so
// broadcast order always matches the lifecycle manager's commit order.
func (h *Hub) handleMessage(c *Conn, env Envelope) {
	conversationID := env.ConversationID
	if conversationID == "" {
		c.sendError("", CodeValidationError, "conversationId is required", 0)
		return
	}
	if !h.inRoom(c, conversationID) {
		c.sendError(conversationID, CodeAuthorizationError, "join the conversation before sending", 0)
		return
	}
	if !c.limiter.Allow() {
		c.sendError(conversationID, CodeRateLimited, "too many messages", 1)
		return
	}

	var payload MessagePayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.sendError(conversationID, CodeValidationError, "malformed message payload", 0)
			return
		}
	}

	senderType := store.SenderUser
	if c.Identity.IsAdmin() {
		senderType = store.SenderAdmin
	}

	ctx := context.Background()
	_, err := h.Relay(ctx, lifecycle.AddMessageRequest{
		ConversationID: conversationID,
		SenderID:       c.Identity.UserID,
		SenderType:     senderType,
		Content:        payload.Content,
		MessageType:    payload.MessageType,
	})
	if err != nil {
		c.sendError(conversationID, errorCode(err), err.Error(), 0)
		return
	}

	if h.tracker.SetTyping(conversationID, c.Identity.UserID, false) {
		h.broadcast(conversationID, c, NewEnvelope(FrameTyping, conversationID, TypingPayload{
			UserID:   c.Identity.UserID,
			IsTyping: false,
		}))
	}
}

// Relay persists a message and fans it out to the room under the same
// per-room critical section, so broadcast order matches commit order
// no matter whether the message arrived over the socket or REST.
func (h *Hub) Relay(ctx context.Context, req lifecycle.AddMessageRequest) (*lifecycle.AddMessageResult, error) {
	unlock := h.roomLocks.lock(req.ConversationID)
	result, err := h.manager.AddMessage(ctx, req)
	if err != nil {
		unlock()
		return nil, err
	}
	h.broadcast(req.ConversationID, nil, NewEnvelope(FrameMessage, req.ConversationID, MessageToDTO(result.Message)))
	unlock()

	h.notifyMessage(ctx, result)
	return result, nil
}

// notifyMessage routes the persisted message through the notification
// policy. Candidates are the conversation's participants plus, for
// urgent priority, every connected admin (the shared queue rule).
func (h *Hub) notifyMessage(ctx context.Context, result *lifecycle.AddMessageResult) {
	if h.router == nil {
		return
	}
	conv := result.Conversation
	msg := result.Message

	candidates := h.participantRecipients(ctx, conv.ID)
	if conv.Priority == store.PriorityUrgent {
		candidates = mergeRecipients(candidates, h.connectedAdmins())
	}

	h.router.Route(ctx, notify.Event{
		Kind:           notify.EventMessage,
		ConversationID: conv.ID,
		ActorID:        msg.SenderID,
		MessageID:      msg.ID,
		Priority:       conv.Priority,
		Subject:        conv.Subject,
		Preview:        preview(msg.Content),
	}, candidates)
}

func (h *Hub) handleTyping(c *Conn, env Envelope) {
	conversationID := env.ConversationID
	if conversationID == "" || !h.inRoom(c, conversationID) {
		return // best-effort, no error frames for presence noise
	}

	var payload TypingPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
	}

	if h.tracker.SetTyping(conversationID, c.Identity.UserID, payload.IsTyping) {
		h.broadcast(conversationID, c, NewEnvelope(FrameTyping, conversationID, TypingPayload{
			UserID:   c.Identity.UserID,
			IsTyping: payload.IsTyping,
		}))
	}
}

func (h *Hub) handleRead(c *Conn, conversationID string) {
	if conversationID == "" {
		c.sendError("", CodeValidationError, "conversationId is required", 0)
		return
	}
	if !h.inRoom(c, conversationID) {
		c.sendError(conversationID, CodeAuthorizationError, "join the conversation first", 0)
		return
	}

	ctx := context.Background()
	count, err := h.manager.MarkRead(ctx, conversationID, c.Identity.UserID)
	if err != nil {
		c.sendError(conversationID, errorCode(err), err.Error(), 0)
		return
	}

	h.broadcast(conversationID, c, NewEnvelope(FrameReadReceipt, conversationID, ReadReceiptPayload{
		UserID: c.Identity.UserID,
		Count:  count,
	}))

	// The reader's badge for this conversation drops to zero right away
	if counts, err := h.manager.UnreadCounts(ctx, c.Identity.UserID); err == nil {
		h.SetUnread(ctx, c.Identity.UserID, counts)
	}
}

// BroadcastNewConversation pushes a new_conversation frame to every
// connected admin and routes the shared-queue notification.
func (h *Hub) BroadcastNewConversation(ctx context.Context, conv *store.Conversation) {
	env := NewEnvelope(FrameNewConversation, conv.ID, ConversationToDTO(conv))
	admins := h.connectedAdmins()

	h.mu.RLock()
	for c := range h.conns {
		if c.Identity.IsAdmin() {
			c.Send(env)
		}
	}
	h.mu.RUnlock()

	if h.router != nil {
		h.router.Route(ctx, notify.Event{
			Kind:           notify.EventConversationCreated,
			ConversationID: conv.ID,
			ActorID:        conv.UserID,
			Priority:       conv.Priority,
			Subject:        conv.Subject,
		}, admins)
	}
}

// BroadcastConversationUpdated pushes the updated conversation to its
// room and to connected admins, and routes status-change notifications
// to participants.
func (h *Hub) BroadcastConversationUpdated(ctx context.Context, conv *store.Conversation, actorID string) {
	env := NewEnvelope(FrameConversationUpdated, conv.ID, ConversationToDTO(conv))

	h.mu.RLock()
	seen := make(map[*Conn]struct{})
	for c := range h.rooms[conv.ID] {
		c.Send(env)
		seen[c] = struct{}{}
	}
	for c := range h.conns {
		if c.Identity.IsAdmin() {
			if _, dup := seen[c]; !dup {
				c.Send(env)
			}
		}
	}
	h.mu.RUnlock()

	if h.router != nil {
		h.router.Route(ctx, notify.Event{
			Kind:           notify.EventStatusChanged,
			ConversationID: conv.ID,
			ActorID:        actorID,
			Priority:       conv.Priority,
			Subject:        conv.Subject,
			Preview:        "Status: " + string(conv.Status),
		}, h.participantRecipients(ctx, conv.ID))
	}
}

// broadcast sends the envelope to every room member except skip.
func (h *Hub) broadcast(conversationID string, skip *Conn, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if c == skip {
			continue
		}
		c.Send(env)
	}
}

func (h *Hub) inRoom(c *Conn, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joins[c][conversationID]
	return ok
}

// authorized allows admins everywhere and users only into
// conversations they participate in.
func (h *Hub) authorized(ctx context.Context, c *Conn, conversationID string) bool {
	if c.Identity.IsAdmin() {
		return true
	}
	ok, err := h.manager.IsParticipant(ctx, conversationID, c.Identity.UserID)
	if err != nil {
		h.logger.Warn("participant check failed", "conversation_id", conversationID, "error", err)
		return false
	}
	return ok
}

func (h *Hub) participantRecipients(ctx context.Context, conversationID string) []notify.Recipient {
	parts, err := h.manager.Participants(ctx, conversationID)
	if err != nil {
		h.logger.Warn("participant fetch failed", "conversation_id", conversationID, "error", err)
		return nil
	}
	recipients := make([]notify.Recipient, 0, len(parts))
	for _, p := range parts {
		role := auth.RoleUser
		if p.Role == store.RoleAdmin {
			role = auth.RoleAdmin
		}
		recipients = append(recipients, notify.Recipient{UserID: p.UserID, Role: role})
	}
	return recipients
}

func (h *Hub) connectedAdmins() []notify.Recipient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var admins []notify.Recipient
	for c := range h.conns {
		if !c.Identity.IsAdmin() {
			continue
		}
		if _, dup := seen[c.Identity.UserID]; dup {
			continue
		}
		seen[c.Identity.UserID] = struct{}{}
		admins = append(admins, notify.Recipient{UserID: c.Identity.UserID, Role: auth.RoleAdmin})
	}
	return admins
}

// previewLen bounds the notification body; full content stays in the
// message frame.
const previewLen = 120

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen]) + "..."
}

func mergeRecipients(a, b []notify.Recipient) []notify.Recipient {
	seen := make(map[string]struct{}, len(a))
	for _, r := range a {
		seen[r.UserID] = struct{}{}
	}
	for _, r := range b {
		if _, dup := seen[r.UserID]; !dup {
			a = append(a, r)
			seen[r.UserID] = struct{}{}
		}
	}
	return a
}

// Notify implements notify.Sink by pushing a notification frame to
// every connection the user holds.
func (h *Hub) Notify(_ context.Context, userID string, n notify.Notification) error {
	env := NewEnvelope(FrameNotification, n.ConversationID, n)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if c.Identity.UserID == userID {
			c.Send(env)
		}
	}
	return nil
}

// SetUnread implements notify.Sink for badge counts.
func (h *Hub) SetUnread(_ context.Context, userID string, counts map[string]int) error {
	env := NewEnvelope(FrameUnreadCounts, "", UnreadPayload{Counts: counts})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if c.Identity.UserID == userID {
			c.Send(env)
		}
	}
	return nil
}

// ActiveUserIDs implements notify.ActiveUsers for the reconciler.
func (h *Hub) ActiveUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for c := range h.conns {
		if _, dup := seen[c.Identity.UserID]; !dup {
			seen[c.Identity.UserID] = struct{}{}
			ids = append(ids, c.Identity.UserID)
		}
	}
	return ids
}

// Shutdown closes every connection. Sockets get a normal close frame
// so clients treat it as a server restart, not an error.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.close()
	}
}

// roomLocks is a refcounted per-conversation mutex set so relays in
// different rooms never contend.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (r *roomLocks) lock(key string) func() {
	r.mu.Lock()
	l := r.locks[key]
	if l == nil {
		l = &roomLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
