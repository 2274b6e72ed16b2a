// Package cache holds last-known webview metadata between discovery cycles.
package cache

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// DefaultCapacity is the number of entries kept before the least recently
// used one is evicted.
const DefaultCapacity = 100

// Key scopes an entry to one device and one context id. Being a struct, two
// devices can never produce the same key for the same context.
type Key struct {
	Device  string
	Context string
}

func (k Key) String() string {
	return k.Device + ":" + k.Context
}

// Cache is a bounded LRU map safe for concurrent use. Reads refresh recency.
type Cache[V any] struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// New creates a cache holding at most capacity entries.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{lru: lru.New(capacity)}
}

// Get returns the entry for key and marks it most recently used.
func (c *Cache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Set stores value under key, replacing any previous entry.
func (c *Cache[V]) Set(key Key, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, value)
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *Cache[V]) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
