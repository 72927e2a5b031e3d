// ABOUTME: TTL + size bounded cache of recently seen event keys
// ABOUTME: Makes push delivery and periodic reconciliation idempotent

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	stamp time.Time
	elem  *list.Element
}

// Cache remembers recently processed event keys (message IDs,
// notification tags) so the same event applied twice — once via push,
// once via a reconciliation replay — has effect exactly once. Entries
// expire after a TTL and the oldest entry is evicted when the cache is
// full, so memory stays bounded no matter how long the process runs.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys oldest-first for O(1) eviction
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and capacity. A background
// goroutine drops expired entries so idle keys do not pin memory until
// eviction pressure reaches them.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Duplicate atomically records the key and reports whether it was
// already present and unexpired. The check and the mark happen under
// one lock so two concurrent deliveries of the same event cannot both
// see "new".
func (c *Cache) Duplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && time.Since(e.stamp) < c.ttl {
		// Expiry stays anchored at first delivery; only the eviction
		// order treats the key as recently used.
		c.order.MoveToBack(e.elem)
		return true
	}
	c.record(key)
	return false
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// record must be called with mu held.
func (c *Cache) record(key string) {
	now := time.Now()

	if e, ok := c.entries[key]; ok {
		e.stamp = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = &entry{
		stamp: now,
		elem:  c.order.PushBack(key),
	}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.stamp) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
