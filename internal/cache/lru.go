// Package cache provides the bounded in-memory caches shared by the flow
// engine and the identifier. Every structure has a hard capacity; overflow
// evicts instead of growing, so memory stays flat on small hardware.
package cache

import (
	"container/list"
	"sync"
)

// evictFraction is the share of entries removed when a cache overflows.
// Evicting in batches keeps eviction off the hot path most of the time.
const evictFraction = 5 // 1/5 == 20%

// LRU is a fixed-capacity least-recently-used cache with string keys.
type LRU[V any] struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.RWMutex
}

type lruEntry[V any] struct {
	key   string
	value V
}

// NewLRU creates an LRU cache holding at most capacity entries.
func NewLRU[V any](capacity int) *LRU[V] {
	return &LRU[V]{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves a value and marks it recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*lruEntry[V]).value, true
	}
	var zero V
	return zero, false
}

// Set adds or updates a value. On overflow the oldest 20% are evicted.
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*lruEntry[V]).value = value
		return
	}

	elem := c.lru.PushFront(&lruEntry[V]{key, value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		c.evictLocked()
	}
}

func (c *LRU[V]) evictLocked() {
	n := c.capacity / evictFraction
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.lru.Remove(oldest)
		delete(c.cache, oldest.Value.(*lruEntry[V]).key)
	}
}

// Delete removes a key if present.
func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.lru.Remove(elem)
		delete(c.cache, key)
	}
}

// Len returns the current number of entries.
func (c *LRU[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Clear drops all entries.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*list.Element)
	c.lru = list.New()
}
