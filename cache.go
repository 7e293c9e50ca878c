package alerts

import (
	"sync"
	"time"
)

// Cache is an in-memory TTL cache. When the cache grows past its
// capacity the expired entries are evicted first, then arbitrary ones.
type Cache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry[V]
	ttl        time.Duration
	maxEntries int
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewCache creates a cache holding up to maxEntries values for ttl.
func NewCache[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	return &Cache[V]{
		entries:    make(map[string]cacheEntry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get retrieves a cached value if it exists and hasn't expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores a value in the cache.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *Cache[V]) evictLocked() {
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
	for k := range c.entries {
		if len(c.entries) < c.maxEntries {
			break
		}
		delete(c.entries, k)
	}
}
