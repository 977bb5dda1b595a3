package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTLCache is a fixed-capacity cache whose entries also expire after a TTL.
// Expired entries are dropped lazily on Get and in bulk on Set overflow.
// Eviction order on overflow is least-recently-used, 20% at a time.
type TTLCache[V any] struct {
	capacity int
	ttl      time.Duration
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex

	now func() time.Time // swappable for tests
}

type ttlEntry[V any] struct {
	key      string
	value    V
	deadline time.Time
}

// NewTTL creates a TTL cache holding at most capacity live entries.
func NewTTL[V any](capacity int, ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		capacity: capacity,
		ttl:      ttl,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get retrieves a live value. Expired entries count as misses and are removed.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.cache[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*ttlEntry[V])
	if c.now().After(entry.deadline) {
		c.lru.Remove(elem)
		delete(c.cache, key)
		return zero, false
	}
	c.lru.MoveToFront(elem)
	return entry.value, true
}

// Set adds or refreshes a value, restarting its TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(c.ttl)

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*ttlEntry[V])
		entry.value = value
		entry.deadline = deadline
		return
	}

	elem := c.lru.PushFront(&ttlEntry[V]{key, value, deadline})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		c.sweepExpiredLocked()
	}
	if c.lru.Len() > c.capacity {
		n := c.capacity / evictFraction
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			oldest := c.lru.Back()
			if oldest == nil {
				break
			}
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*ttlEntry[V]).key)
		}
	}
}

func (c *TTLCache[V]) sweepExpiredLocked() {
	now := c.now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*ttlEntry[V])
		if now.After(entry.deadline) {
			c.lru.Remove(elem)
			delete(c.cache, entry.key)
		}
		elem = prev
	}
}

// Len returns the number of entries, including any not yet swept.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear drops all entries.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*list.Element)
	c.lru = list.New()
}
