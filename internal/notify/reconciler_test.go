// ABOUTME: Tests for the periodic unread reconciler
// ABOUTME: Uses fake sessions and source, plus a run-loop cancellation check

package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSessions struct{ ids []string }

func (f *fakeSessions) ActiveUserIDs() []string { return f.ids }

type fakeUnreadSource struct {
	counts map[string]map[string]int
	err    error
}

func (f *fakeUnreadSource) UnreadCountsForUser(_ context.Context, userID string) (map[string]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counts[userID], nil
}

func TestReconcile_PushesCountsForActiveUsers(t *testing.T) {
	source := &fakeUnreadSource{counts: map[string]map[string]int{
		"user-1": {"conv-1": 3},
		"user-2": {"conv-1": 0, "conv-2": 7},
	}}
	sessions := &fakeSessions{ids: []string{"user-1", "user-2"}}
	sink := newCaptureSink()

	rec := NewReconciler(source, sessions, sink, time.Second, slog.Default())
	rec.Reconcile(context.Background())

	assert.Equal(t, map[string]int{"conv-1": 3}, sink.unread["user-1"])
	assert.Equal(t, map[string]int{"conv-1": 0, "conv-2": 7}, sink.unread["user-2"])
}

func TestReconcile_SkipsInactiveUsers(t *testing.T) {
	source := &fakeUnreadSource{counts: map[string]map[string]int{
		"user-1": {"conv-1": 3},
		"user-2": {"conv-2": 1},
	}}
	sink := newCaptureSink()

	rec := NewReconciler(source, &fakeSessions{ids: []string{"user-1"}}, sink, time.Second, slog.Default())
	rec.Reconcile(context.Background())

	assert.Contains(t, sink.unread, "user-1")
	assert.NotContains(t, sink.unread, "user-2")
}

func TestReconcile_SourceErrorDoesNotAbortPass(t *testing.T) {
	source := &fakeUnreadSource{err: errors.New("db closed")}
	sink := newCaptureSink()

	rec := NewReconciler(source, &fakeSessions{ids: []string{"user-1"}}, sink, time.Second, slog.Default())
	rec.Reconcile(context.Background())

	assert.Empty(t, sink.unread)
}

func TestRun_StopsOnCancel(t *testing.T) {
	rec := NewReconciler(&fakeUnreadSource{}, &fakeSessions{}, newCaptureSink(), 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewReconciler_DefaultInterval(t *testing.T) {
	rec := NewReconciler(&fakeUnreadSource{}, &fakeSessions{}, newCaptureSink(), 0, nil)
	assert.Equal(t, DefaultRefreshInterval, rec.interval)
}
