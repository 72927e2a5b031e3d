// ABOUTME: Per-user rate limiting for conversation creation
// ABOUTME: Socket message rates are enforced per connection in ws

package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// creationLimiter throttles conversation creation per user so a burst
// of create or handoff calls cannot flood the admin queue.
type creationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newCreationLimiter(r rate.Limit, burst int) *creationLimiter {
	return &creationLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (l *creationLimiter) allow(userID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
