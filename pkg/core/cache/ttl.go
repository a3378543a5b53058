// Package cache provides the expiring key/value store used in front of
// search and page fetches.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTL is a typed, concurrency-safe expiring cache. Expired entries read as
// absent and are evicted on access; Prune evicts in bulk.
type TTL[V any] struct {
	items      *gocache.Cache
	defaultTTL time.Duration
}

// New returns a cache whose entries expire after defaultTTL unless Set is
// given an explicit ttl. A positive cleanupInterval also starts a background
// janitor that prunes on that cadence.
func New[V any](defaultTTL, cleanupInterval time.Duration) *TTL[V] {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &TTL[V]{
		items:      gocache.New(defaultTTL, cleanupInterval),
		defaultTTL: defaultTTL,
	}
}

func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.items.Get(key)
	if !ok {
		// Either absent or expired; Delete is a no-op for the former.
		c.items.Delete(key)
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores v under key. ttl <= 0 uses the cache default.
func (c *TTL[V]) Set(key string, v V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.items.Set(key, v, ttl)
}

func (c *TTL[V]) Delete(key string) {
	c.items.Delete(key)
}

// Prune evicts every expired entry.
func (c *TTL[V]) Prune() {
	c.items.DeleteExpired()
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *TTL[V]) Len() int {
	return c.items.ItemCount()
}
