package resolver

import (
	"sync"
	"time"
)

// entry is a cached value with its storage time.
type entry[T any] struct {
	value    T
	storedAt time.Time
}

// cache is a TTL map guarded by a single mutex. Only lookups and inserts
// happen under the lock; recomputation on miss runs outside it, so
// concurrent misses on the same key may recompute redundantly. Failures
// are never cached.
type cache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	ttl     time.Duration
	now     func() time.Time
}

func newCache[T any](ttl time.Duration, now func() time.Time) *cache[T] {
	if now == nil {
		now = time.Now
	}
	return &cache[T]{
		entries: make(map[string]entry[T]),
		ttl:     ttl,
		now:     now,
	}
}

func (c *cache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *cache[T]) put(key string, value T) {
	c.mu.Lock()
	c.entries[key] = entry[T]{value: value, storedAt: c.now()}
	c.mu.Unlock()
}

func (c *cache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
