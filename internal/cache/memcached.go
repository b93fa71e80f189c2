package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "refdata:"

// maxRelativeExp is memcached's limit for relative expirations; larger values are read as unix time.
const maxRelativeExp = 30 * 24 * time.Hour

// MemcachedCache implements Cache using memcached. Snapshots are JSON and
// expire after the retention period, not the TTL, so stale data survives for fallback.
type MemcachedCache[T any] struct {
	client    *memcache.Client
	retention time.Duration
}

// NewMemcachedClient creates a client for a comma-separated address list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero. One client can back several typed caches.
func NewMemcachedClient(addrs string, timeout time.Duration, maxIdleConns int) *memcache.Client {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return client
}

// NewMemcachedCache wraps client. retention <= 0 defaults to 24h.
func NewMemcachedCache[T any](client *memcache.Client, retention time.Duration) *MemcachedCache[T] {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if retention > maxRelativeExp {
		retention = maxRelativeExp
	}
	return &MemcachedCache[T]{client: client, retention: retention}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcached keys may not contain spaces or control characters; overlay keys carry none,
// but sanitize anyway since keys are built from request input.
func (c *MemcachedCache[T]) key(k string) string {
	return keyPrefix + strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, k)
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	if ctx.Err() != nil {
		return Entry[T]{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry[T]{}, false, nil
		}
		return Entry[T]{}, false, err
	}
	var entry Entry[T]
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return Entry[T]{}, false, err
	}
	return entry, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache[T]) Set(ctx context.Context, key string, entry Entry[T]) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: int32(c.retention.Seconds()),
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache[T]) Ping() error {
	return c.client.Ping()
}
