// ABOUTME: Periodic unread-count recomputation pushed to the sink
// ABOUTME: Self-heals dashboard badges against missed push events

package notify

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRefreshInterval is how often aggregate unread counts are
// recomputed from the store when no interval is configured.
const DefaultRefreshInterval = 30 * time.Second

// ActiveUsers reports which users currently have a live session;
// only they need fresh badge counts.
type ActiveUsers interface {
	ActiveUserIDs() []string
}

// UnreadSource computes per-conversation unread counts for a user.
// The store satisfies this.
type UnreadSource interface {
	UnreadCountsForUser(ctx context.Context, userID string) (map[string]int, error)
}

// Reconciler periodically recomputes unread counts for every active
// user and pushes them through the sink. Push updates are the fast
// path; this loop is the source of truth that corrects any drift.
type Reconciler struct {
	source   UnreadSource
	sessions ActiveUsers
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciler. An interval of zero uses
// DefaultRefreshInterval.
func NewReconciler(source UnreadSource, sessions ActiveUsers, sink Sink, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		source:   source,
		sessions: sessions,
		sink:     sink,
		interval: interval,
		logger:   logger.With("component", "reconciler"),
	}
}

// Run loops until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("unread reconciler started", "interval", r.interval)
	for {
		select {
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-ctx.Done():
			r.logger.Info("unread reconciler stopped")
			return
		}
	}
}

// Reconcile runs one pass over all active users. Exported so the
// gateway can trigger an immediate pass after bulk changes.
func (r *Reconciler) Reconcile(ctx context.Context) {
	for _, userID := range r.sessions.ActiveUserIDs() {
		counts, err := r.source.UnreadCountsForUser(ctx, userID)
		if err != nil {
			r.logger.Warn("unread recompute failed", "user_id", userID, "error", err)
			continue
		}
		if err := r.sink.SetUnread(ctx, userID, counts); err != nil {
			r.logger.Warn("unread push failed", "user_id", userID, "error", err)
		}
	}
}
