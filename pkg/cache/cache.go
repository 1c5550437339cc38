package cache

import (
	"sync"

	"github.com/cuemby/nodestore/pkg/metrics"
)

// Cache is a two-generation map. When the current generation fills up it
// becomes the previous generation and a fresh one is started; entries only
// found in the previous generation are promoted on access. Values are
// treated as immutable once stored.
type Cache[K comparable, V any] struct {
	name       string
	maxEntries int

	mu       sync.RWMutex
	current  map[K]V
	previous map[K]V
}

// New creates a cache. maxEntries <= 0 disables generation rotation.
func New[K comparable, V any](name string, maxEntries int) *Cache[K, V] {
	return &Cache[K, V]{
		name:       name,
		maxEntries: maxEntries,
		current:    make(map[K]V),
	}
}

// Name returns the cache name used in metrics
func (c *Cache[K, V]) Name() string {
	return c.name
}

// Get returns the cached value for key
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	v, ok := c.current[key]
	if ok {
		c.mu.RUnlock()
		metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
		return v, true
	}
	v, ok = c.previous[key]
	c.mu.RUnlock()

	if !ok {
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return v, false
	}
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()

	c.mu.Lock()
	if _, exists := c.current[key]; !exists {
		c.store(key, v)
	}
	c.mu.Unlock()
	return v, true
}

// Set stores or replaces the value for key
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value)
}

// Publish stores value only when key has no entry yet and reports whether
// it did. Published entries are never replaced.
func (c *Cache[K, V]) Publish(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.current[key]; ok {
		return false
	}
	if old, ok := c.previous[key]; ok {
		c.store(key, old)
		return false
	}
	c.store(key, value)
	return true
}

// store must be called with mu held
func (c *Cache[K, V]) store(key K, value V) {
	if c.maxEntries > 0 && len(c.current) >= c.maxEntries {
		c.previous = c.current
		c.current = make(map[K]V, c.maxEntries)
	}
	c.current[key] = value
}

// Remove drops key from both generations
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.current, key)
	delete(c.previous, key)
}

// Clear empties the cache
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = make(map[K]V)
	c.previous = nil
}

// Len returns the number of distinct entries across both generations
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.current)
	for k := range c.previous {
		if _, ok := c.current[k]; !ok {
			n++
		}
	}
	return n
}
