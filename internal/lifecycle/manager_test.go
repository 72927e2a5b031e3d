// ABOUTME: Tests for the conversation lifecycle manager
// ABOUTME: Verifies the state machine, closed-conversation policy, and read receipts

package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/harbor-support/internal/store"
)

func createTestManager(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func openConversation(t *testing.T, m *Manager, userID string) *store.Conversation {
	t.Helper()
	conv, err := m.CreateConversation(context.Background(), CreateConversationRequest{
		UserID:  userID,
		Subject: "Login Issues",
	})
	require.NoError(t, err)
	return conv
}

func TestManager_CreateConversation_Defaults(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, CreateConversationRequest{
		UserID:  "user-1",
		Subject: "Login Issues",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpen, conv.Status)
	assert.Equal(t, store.PriorityNormal, conv.Priority)
	assert.Equal(t, store.TypeSupport, conv.Type)
	assert.Nil(t, conv.AdminID)

	ok, err := m.IsParticipant(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_CreateConversation_Validation(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	_, err := m.CreateConversation(ctx, CreateConversationRequest{UserID: "user-1", Subject: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.CreateConversation(ctx, CreateConversationRequest{Subject: "no user"})
	assert.ErrorIs(t, err, ErrValidation)

	long := make([]byte, MaxSubjectLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = m.CreateConversation(ctx, CreateConversationRequest{UserID: "user-1", Subject: string(long)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestManager_CreateConversation_ContextImpliesHandoff(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	payload := `{"handoffReason":"escalation"}`
	conv, err := m.CreateConversation(ctx, CreateConversationRequest{
		UserID:  "user-1",
		Subject: "Escalated chat",
		Context: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TypeAIHandoff, conv.Type)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Context)
}

func TestManager_AddMessage_InitialScenario(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")
	res, err := m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "user-1",
		SenderType:     store.SenderUser,
		Content:        "I can't sign in",
	})
	require.NoError(t, err)
	assert.Equal(t, store.MessageTypeText, res.Message.Type)

	msgs, err := m.GetMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderUser, msgs[0].SenderType)
	assert.Equal(t, "I can't sign in", msgs[0].Content)
}

func TestManager_AddMessage_ClosedConversation(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")
	_, err := m.UpdateStatus(ctx, conv.ID, store.StatusClosed)
	require.NoError(t, err)

	_, err = m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "user-1",
		SenderType:     store.SenderUser,
		Content:        "still there?",
	})
	assert.ErrorIs(t, err, ErrConversationClosed)

	// System messages are still accepted, e.g. a closing note
	_, err = m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "system",
		SenderType:     store.SenderSystem,
		Content:        "Conversation closed by admin",
		MessageType:    store.MessageTypeSystem,
	})
	assert.NoError(t, err)
}

func TestManager_AddMessage_Validation(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")

	_, err := m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "user-1",
		SenderType:     store.SenderUser,
		Content:        "  ",
	})
	assert.ErrorIs(t, err, ErrValidation)

	long := make([]byte, MaxContentLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "user-1",
		SenderType:     store.SenderUser,
		Content:        string(long),
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestManager_Assign(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")

	assigned, err := m.Assign(ctx, conv.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, assigned.Status)
	require.NotNil(t, assigned.AdminID)
	assert.Equal(t, "admin-2", *assigned.AdminID)

	// Re-assignment fails and the original admin stays
	_, err = m.Assign(ctx, conv.ID, "admin-3")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin-2", *got.AdminID)
}

func TestManager_Assign_Concurrent(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, admin := range []string{"admin-a", "admin-b"} {
		wg.Add(1)
		go func(i int, admin string) {
			defer wg.Done()
			_, errs[i] = m.Assign(ctx, conv.ID, admin)
		}(i, admin)
	}
	wg.Wait()

	// Exactly one assignment wins
	var failures int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidTransition)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	assert.NotNil(t, got.AdminID)
}

func TestManager_UpdateStatus_TransitionGraph(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")

	// open -> closed is legal
	change, err := m.UpdateStatus(ctx, conv.ID, store.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, change.Conversation.Status)
	assert.Nil(t, change.Successor)

	// closed -> in_progress must fail and leave state unchanged
	_, err = m.UpdateStatus(ctx, conv.ID, store.StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
}

func TestManager_UpdateStatus_TransferSpawnsSuccessor(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")
	_, err := m.Assign(ctx, conv.ID, "admin-2")
	require.NoError(t, err)

	_, err = m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "user-1",
		SenderType:     store.SenderUser,
		Content:        "original message",
	})
	require.NoError(t, err)

	change, err := m.UpdateStatus(ctx, conv.ID, store.StatusTransferred)
	require.NoError(t, err)
	require.NotNil(t, change.Successor)

	successor := change.Successor
	assert.Equal(t, store.StatusOpen, successor.Status)
	assert.Equal(t, "user-1", successor.UserID)
	require.NotNil(t, successor.TransferredFrom)
	assert.Equal(t, conv.ID, *successor.TransferredFrom)

	// Transfer links, it never duplicates the transcript
	msgs, err := m.GetMessages(ctx, successor.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestManager_MarkRead_ZeroesUnread(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")
	for _, content := range []string{"hello", "are you there?", "ping"} {
		_, err := m.AddMessage(ctx, AddMessageRequest{
			ConversationID: conv.ID,
			SenderID:       "admin-2",
			SenderType:     store.SenderAdmin,
			Content:        content,
		})
		require.NoError(t, err)
	}

	count, err := m.UnreadCount(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	marked, err := m.MarkRead(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), marked)

	count, err = m.UnreadCount(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// flakyStore fails AddMessage a fixed number of times before succeeding.
type flakyStore struct {
	ConversationStore
	failures int
	calls    int
}

func (f *flakyStore) AddMessage(ctx context.Context, msg *store.Message) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("disk unavailable")
	}
	return f.ConversationStore.AddMessage(ctx, msg)
}

func TestManager_AddMessage_RetriesTransientFailures(t *testing.T) {
	_, s := createTestManager(t)
	flaky := &flakyStore{ConversationStore: s, failures: 2}
	m := New(flaky, nil)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")
	flaky.calls = 0

	_, err := m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "user-1",
		SenderType:     store.SenderUser,
		Content:        "eventually persisted",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestManager_AddMessage_GivesUpAfterBoundedRetries(t *testing.T) {
	_, s := createTestManager(t)
	flaky := &flakyStore{ConversationStore: s, failures: 100}
	m := New(flaky, nil)
	ctx := context.Background()

	conv := openConversation(t, m, "user-1")
	flaky.calls = 0

	_, err := m.AddMessage(ctx, AddMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "user-1",
		SenderType:     store.SenderUser,
		Content:        "never persisted",
	})
	require.Error(t, err)
	assert.Equal(t, persistAttempts, flaky.calls)
}
