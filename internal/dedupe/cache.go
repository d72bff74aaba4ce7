// ABOUTME: TTL cache of recently seen event fingerprints
// ABOUTME: Suppresses at-least-once stream redeliveries before state folding

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry pairs a fingerprint's arrival time with its position in the
// insertion-order list.
type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-bounded record of event
// fingerprints that have already been folded into client state. The event
// stream delivers at-least-once; anything the cache has seen within the
// TTL window is an exact redelivery and must not be processed again.
// Insertion order is kept in a doubly-linked list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest fingerprint at the front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache holding fingerprints for ttl, capped at maxSize
// entries. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// CheckAndMark atomically tests whether key was seen within the TTL window
// and records it if not. Returns true for a redelivery (caller drops the
// event), false when the key is new and now marked. The single locked
// operation avoids the check/mark race two separate calls would have.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.seenAt) < c.ttl {
		return true
	}

	now := time.Now()
	if entry != nil {
		// Expired entry for the same key: refresh in place.
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{seenAt: now, element: elem}
	return false
}

// Len returns the number of tracked fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldestLocked removes the oldest fingerprint. Must be called with mu
// held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// sweepLoop periodically drops expired fingerprints so a long-lived watch
// does not pin memory for sessions finished hours ago.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.seenAt) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
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
