package cache

import (
	"sync"
	"time"
)

// TTLCache is a small in-process cache with per-entry expiry.
type TTLCache[V any] struct {
	mu   sync.RWMutex
	data map[string]entry[V]
	now  func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTLCache creates an empty cache.
func NewTTLCache[V any]() *TTLCache[V] {
	return &TTLCache[V]{data: make(map[string]entry[V]), now: time.Now}
}

// Get retrieves a cached item if present and not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	it, ok := c.data[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !it.expiresAt.IsZero() && c.now().After(it.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return it.value, true
}

// Set stores a value. A non-positive ttl never expires.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.data[key] = entry[V]{value: value, expiresAt: expires}
	c.mu.Unlock()
}

// Delete removes an entry.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Purge removes every entry.
func (c *TTLCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]entry[V])
}

// Len reports the number of stored entries, expired ones included.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
