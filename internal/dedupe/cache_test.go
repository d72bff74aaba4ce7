// ABOUTME: Tests for the event fingerprint dedupe cache
// ABOUTME: Covers redelivery detection, TTL expiry, eviction, concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_FirstDeliveryIsNotDuplicate(t *testing.T) {
	c := New(5*time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("session.completed|1|s-1"))
}

func TestCache_RedeliveryIsDuplicate(t *testing.T) {
	c := New(5*time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("stage.started|2|s-1|e-1"))
	assert.True(t, c.CheckAndMark("stage.started|2|s-1|e-1"))
	assert.True(t, c.CheckAndMark("stage.started|2|s-1|e-1"))
}

func TestCache_DistinctFingerprintsIndependent(t *testing.T) {
	c := New(5*time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("a"))
	assert.False(t, c.CheckAndMark("b"))
	assert.True(t, c.CheckAndMark("a"))
	assert.True(t, c.CheckAndMark("b"))
}

func TestCache_ExpiredFingerprintIsNewAgain(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.CheckAndMark("k"), "expired key should be treated as new")
	assert.True(t, c.CheckAndMark("k"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(5*time.Minute, 3)
	defer c.Close()

	c.CheckAndMark("k-1")
	c.CheckAndMark("k-2")
	c.CheckAndMark("k-3")
	c.CheckAndMark("k-4") // evicts k-1

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("k-1"), "evicted key should be new again")
	assert.True(t, c.CheckAndMark("k-4"))
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c := New(5*time.Minute, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	duplicates := 0

	// 10 goroutines race on the same 100 keys; each key must be reported
	// new exactly once across all of them.
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if c.CheckAndMark(fmt.Sprintf("key-%d", i)) {
					mu.Lock()
					duplicates++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 900, duplicates, "each of 100 keys should be new exactly once")
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
