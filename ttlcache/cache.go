/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ttlcache

import (
	"context"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache represents an in-memory key-value store with per-entry TTL
// and Prometheus metrics.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]cacheEntry[V]

	group singleFlightGroup[K, V]

	metricsCollector MetricsCollector

	now func() time.Time
}

// New creates a new Cache with the provided metrics collector.
// Metrics collector is used to collect statistics about cache usage.
// It can be nil, in this case, metrics will be disabled.
func New[K comparable, V any](metricsCollector MetricsCollector) *Cache[K, V] {
	if metricsCollector == nil {
		metricsCollector = disabledMetricsCollector
	}
	return &Cache[K, V]{
		entries:          make(map[K]cacheEntry[V]),
		metricsCollector: metricsCollector,
		now:              time.Now,
	}
}

// Get returns a value from the cache by the provided key.
// A key is reported as missing both when it was never set and when its TTL
// has elapsed; an expired entry is removed by the read that observes it.
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key)
}

// Set stores a value with the provided key and TTL, unconditionally
// overwriting any previous entry for that key. Zero or negative TTL means the
// entry never expires.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: expiresAt}
	c.metricsCollector.SetAmount(len(c.entries))
}

// GetOrLoad returns the cached value for the key or, on a miss, executes load
// and stores its result with the provided TTL. Concurrent calls for the same
// key are coalesced: only one load is in flight at a time, the other callers
// wait for it and receive the same result. Nothing is stored when load
// returns an error.
func (c *Cache[K, V]) GetOrLoad(key K, ttl time.Duration, load func() (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	return c.group.Do(key, func() (V, error) {
		// The winner of the race may have populated the entry already.
		if value, ok := c.Get(key); ok {
			return value, nil
		}
		value, err := load()
		if err != nil {
			return value, err
		}
		c.Set(key, value, ttl)
		return value, nil
	})
}

// Remove removes a value from the cache by the provided key.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.metricsCollector.SetAmount(len(c.entries))
	return true
}

// Purge clears the cache.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]cacheEntry[V])
	c.metricsCollector.SetAmount(0)
}

// Len returns the number of stored entries including the expired ones
// that were not read (and so not removed) yet.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of expired entries.
// Entries without expiration time are not affected.
// It's supposed to be run in a separate goroutine.
func (c *Cache[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if !entry.expiresAt.IsZero() && entry.expiresAt.Before(now) {
					delete(c.entries, key)
				}
			}
			c.metricsCollector.SetAmount(len(c.entries))
			c.mu.Unlock()
		}
	}
}

func (c *Cache[K, V]) get(key K) (value V, ok bool) {
	entry, hit := c.entries[key]
	if !hit {
		c.metricsCollector.IncMisses()
		return value, false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		c.metricsCollector.SetAmount(len(c.entries))
		c.metricsCollector.IncExpirations()
		c.metricsCollector.IncMisses()
		return value, false
	}
	c.metricsCollector.IncHits()
	return entry.value, true
}
