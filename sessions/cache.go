package sessions

import (
	"sync"
	"time"
)

// Cache is a single slot, TTL bound, invalidatable session store.
//
// Reads consult the invalidation flag before trusting the slot. Clear bumps an epoch so a fetch
// that started before the clear can detect it and refuse to repopulate the slot (SetIfEpoch).
type Cache struct {
	mu          sync.RWMutex
	session     *Session
	expiresAt   time.Time
	invalidated bool
	epoch       uint64
	defaultTTL  time.Duration
	nowFunc     func() time.Time
}

// CacheOption defines a function type to modify the Cache instance.
type CacheOption func(*Cache)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.nowFunc = now
	}
}

// WithDefaultTTL sets the TTL used when Set is called without one.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.defaultTTL = ttl
	}
}

// NewCache creates an empty cache.
func NewCache(options ...CacheOption) *Cache {
	c := &Cache{}
	for _, opt := range options {
		opt(c)
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.nowFunc == nil {
		c.nowFunc = time.Now
	}
	return c
}

// Get returns the cached session, or nil when invalidated, empty or expired. An expired entry is
// dropped as a side effect.
func (c *Cache) Get() *Session {
	c.mu.RLock()
	if c.invalidated || c.session == nil {
		c.mu.RUnlock()
		return nil
	}
	if !c.nowFunc().After(c.expiresAt) {
		s := c.session
		c.mu.RUnlock()
		return s
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the write lock, a Set may have landed in between.
	if c.session != nil && c.nowFunc().After(c.expiresAt) {
		c.session = nil
		c.expiresAt = time.Time{}
	}
	if c.invalidated || c.session == nil {
		return nil
	}
	return c.session
}

// Set stores the session for ttl (default TTL when ttl <= 0) and clears the invalidation flag.
// Sessions without an access token are ignored.
func (c *Cache) Set(s *Session, ttl time.Duration) {
	if !s.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(s, ttl)
}

// SetIfEpoch stores the session only if no Clear happened since epoch was read.
func (c *Cache) SetIfEpoch(epoch uint64, s *Session, ttl time.Duration) bool {
	if !s.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.setLocked(s, ttl)
	return true
}

func (c *Cache) setLocked(s *Session, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.session = s
	c.expiresAt = c.nowFunc().Add(ttl)
	c.invalidated = false
}

// Clear empties the slot and marks the cache invalidated. It takes effect before Clear returns.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.expiresAt = time.Time{}
	c.invalidated = true
	c.epoch++
}

// IsInvalidated reports whether Clear ran after the last successful Set.
func (c *Cache) IsInvalidated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalidated
}

// Epoch returns a counter incremented by every Clear.
func (c *Cache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// ExpiresAt returns the cache's own expiry for the current entry, zero when empty.
func (c *Cache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}
