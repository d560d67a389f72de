// Package cache provides a generic, thread-safe cache whose entries expire after a fixed
// time-to-live. Expired entries are dropped lazily on access and when space is needed.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/qollective/errors"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a cache of V keyed by string.
type TTL[V any] struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	onEvict func(key string, value V)

	mu    sync.Mutex
	items map[string]entry[V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithMaxSize bounds the number of entries. When full, Set evicts the entry closest to
// expiry.
func WithMaxSize[V any](n int) Option[V] {
	return func(c *TTL[V]) { c.maxSize = n }
}

// WithClock replaces time.Now.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *TTL[V]) { c.now = now }
}

// WithEvictCallback is called, outside the lock, for entries removed by expiry or size.
func WithEvictCallback[V any](fn func(key string, value V)) Option[V] {
	return func(c *TTL[V]) { c.onEvict = fn }
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[V any](ttl time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.New(errors.KindConfig, "cache.NewTTL", "ttl must be positive")
	}
	c := &TTL[V]{ttl: ttl, now: time.Now, items: make(map[string]entry[V])}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxSize < 0 {
		return nil, errors.New(errors.KindConfig, "cache.NewTTL", "max size cannot be negative")
	}
	return c, nil
}

// Get returns the value stored under key if it has not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	expired := ok && !c.now().Before(e.expiresAt)
	if expired {
		delete(c.items, key)
	}
	c.mu.Unlock()

	if !ok || expired {
		c.misses.Add(1)
		if expired {
			c.evicted(key, e.value)
		}
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key with a fresh expiry. It reports whether the key is new.
func (c *TTL[V]) Set(key string, value V) bool {
	var victimKey string
	var victim entry[V]
	var evict bool

	c.mu.Lock()
	now := c.now()
	_, exists := c.items[key]
	if !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		victimKey, victim, evict = c.victimLocked(now)
		delete(c.items, victimKey)
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	if evict {
		c.evicted(victimKey, victim.value)
	}
	return !exists
}

// victimLocked picks an expired entry if there is one, otherwise the one expiring first.
func (c *TTL[V]) victimLocked(now time.Time) (string, entry[V], bool) {
	var key string
	var victim entry[V]
	found := false
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			return k, e, true
		}
		if !found || e.expiresAt.Before(victim.expiresAt) {
			key, victim, found = k, e, true
		}
	}
	return key, victim, found
}

// Delete removes key and reports whether it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()
	return ok
}

// Clear removes every entry without calling the evict callback.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	clear(c.items)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet dropped.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTL[V]) evicted(key string, value V) {
	c.evictions.Add(1)
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// HitRatio returns hits over lookups, or 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the current counters.
func (c *TTL[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}
