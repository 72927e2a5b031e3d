// ABOUTME: Tests for the event dedupe cache
// ABOUTME: Covers TTL expiry, capacity eviction, and race on Duplicate

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuplicate_FirstDeliveryWins(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Duplicate("msg-1"), "first delivery is new")
	assert.True(t, cache.Duplicate("msg-1"), "replay is a duplicate")
	assert.False(t, cache.Duplicate("msg-2"), "unrelated key is new")
}

func TestDuplicate_ExpiresAfterTTL(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Duplicate("msg-1")
	assert.True(t, cache.Duplicate("msg-1"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Duplicate("msg-1"), "expired key counts as new again")
}

func TestEviction_OldestFirst(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Duplicate("a")
	cache.Duplicate("b")
	cache.Duplicate("c")
	cache.Duplicate("d") // evicts a

	assert.Equal(t, 3, cache.Len())
	assert.True(t, cache.Duplicate("b"))
	assert.True(t, cache.Duplicate("c"))
	assert.True(t, cache.Duplicate("d"))
	assert.False(t, cache.Duplicate("a"), "oldest key was evicted")
}

func TestEviction_ReplayMovesToBack(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Duplicate("a")
	cache.Duplicate("b")
	cache.Duplicate("c")

	// Re-delivering "a" marks it recently used, so "b" is now the
	// eviction candidate
	cache.Duplicate("a")
	cache.Duplicate("d")

	assert.True(t, cache.Duplicate("a"))
	assert.False(t, cache.Duplicate("b"))
}

func TestRemoveExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Duplicate("x")
	cache.Duplicate("y")
	time.Sleep(20 * time.Millisecond)

	cache.removeExpired()
	assert.Equal(t, 0, cache.Len())
}

func TestDuplicate_ExactlyOneWinner(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const goroutines = 100
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.Duplicate("contested") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(),
		"exactly one concurrent delivery should observe the key as new")
}

func TestConcurrentMixedOps(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k-%d-%d", id%10, j%10)
				cache.Duplicate(key)
				cache.Len()
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, cache.Duplicate("still-works"))
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Duplicate("k")
	cache.Close()
	cache.Close()
}
