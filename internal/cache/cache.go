package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached snapshot. Backends keep entries past their TTL so the
// service can serve them as stale; Fresh decides whether a refresh is due.
type Entry[T any] struct {
	Value     T             `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
	Dropped   int           `json:"dropped,omitempty"`
}

// Fresh reports whether the entry is still inside its TTL at now.
func (e Entry[T]) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Age returns how long ago the entry was fetched.
func (e Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Cache stores the last good snapshot per key.
// Get returns (entry, true, nil) even for entries past their TTL; expiry is the caller's call.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (Entry[T], bool, error)
	Set(ctx context.Context, key string, entry Entry[T]) error
}

// InMemoryCache implements Cache with a mutex-guarded map.
// With maxEntries > 0 the oldest snapshot is evicted once the bound is reached.
type InMemoryCache[T any] struct {
	mu         sync.RWMutex
	data       map[string]Entry[T]
	maxEntries int
}

// NewInMemoryCache creates an unbounded in-memory cache.
func NewInMemoryCache[T any]() *InMemoryCache[T] {
	return NewBoundedInMemoryCache[T](0)
}

// NewBoundedInMemoryCache creates an in-memory cache holding at most maxEntries keys.
func NewBoundedInMemoryCache[T any](maxEntries int) *InMemoryCache[T] {
	return &InMemoryCache[T]{
		data:       make(map[string]Entry[T]),
		maxEntries: maxEntries,
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.data[key]
	return entry, ok, nil
}

// Set implements Cache.Set. The last writer wins.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, entry Entry[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.data[key] = entry
	return nil
}

// Len returns the number of stored snapshots.
func (c *InMemoryCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *InMemoryCache[T]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.data {
		if !found || e.FetchedAt.Before(oldest) {
			oldestKey, oldest, found = k, e.FetchedAt, true
		}
	}
	if found {
		delete(c.data, oldestKey)
	}
}
