// Package cache provides a typed TTL cache.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a typed wrapper around go-cache.
type Cache[K ~string, V any] struct {
	store *gocache.Cache
}

// New creates a cache whose expired entries are purged every cleanupInterval.
func New[K ~string, V any](cleanupInterval time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		store: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[K, V]) Get(_ context.Context, key K) (V, bool) {
	var zero V
	raw, ok := c.store.Get(string(key))
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
func (c *Cache[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.store.Set(string(key), value, ttl)
}

// Delete removes key.
func (c *Cache[K, V]) Delete(_ context.Context, key K) {
	c.store.Delete(string(key))
}

// Len returns the number of stored items, including expired ones not yet purged.
func (c *Cache[K, V]) Len() int {
	return c.store.ItemCount()
}

// Close drops every entry.
func (c *Cache[K, V]) Close() {
	c.store.Flush()
}
