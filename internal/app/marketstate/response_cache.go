package marketstate

import (
	"sync"
	"time"
)

// DefaultStaleFactor is how many freshness windows an entry may outlive
// before the maintenance sweep evicts it.
const DefaultStaleFactor = 5

// ResponseCache is a small keyed cache of broker responses with a freshness
// window. Entries past the window stay readable as stale values until the
// age sweep removes them.
type ResponseCache[K comparable, V any] struct {
	name        string
	ttl         time.Duration
	staleFactor int
	now         func() time.Time

	mu      sync.Mutex
	entries map[K]cached[V]
}

type cached[V any] struct {
	value    V
	storedAt time.Time
}

// NewResponseCache builds a cache whose entries are fresh for ttl.
func NewResponseCache[K comparable, V any](name string, ttl time.Duration, staleFactor int, now func() time.Time) *ResponseCache[K, V] {
	if staleFactor <= 0 {
		staleFactor = DefaultStaleFactor
	}
	if now == nil {
		now = time.Now
	}
	return &ResponseCache[K, V]{
		name:        name,
		ttl:         ttl,
		staleFactor: staleFactor,
		now:         now,
		entries:     make(map[K]cached[V]),
	}
}

// Name identifies the cache in logs and metrics.
func (c *ResponseCache[K, V]) Name() string { return c.name }

// TTL returns the freshness window.
func (c *ResponseCache[K, V]) TTL() time.Duration { return c.ttl }

// Fresh returns the value for key when it is younger than the freshness window.
func (c *ResponseCache[K, V]) Fresh(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.storedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Stale returns the last stored value for key regardless of age.
func (c *ResponseCache[K, V]) Stale(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry.value, entry.storedAt, ok
}

// Put stores value as the latest response for key.
func (c *ResponseCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	c.entries[key] = cached[V]{value: value, storedAt: c.now()}
	c.mu.Unlock()
}

// Sweep evicts entries older than staleFactor freshness windows.
func (c *ResponseCache[K, V]) Sweep() int {
	limit := c.ttl * time.Duration(c.staleFactor)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > limit {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *ResponseCache[K, V]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[K]cached[V])
	return n
}

// Len returns the number of stored entries.
func (c *ResponseCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
