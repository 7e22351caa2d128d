package cache

import (
	"context"
	"fmt"

	"github.com/nsavage/keepcache/store"
)

// Inspector exposes read-only debug introspection: not part of the
// public hook taxonomy, just a small escape hatch tests and operators
// can use without a key to ask for.
type Inspector interface {
	Size(ctx context.Context) (int, error)
	Keys(ctx context.Context) ([]string, error)
	TTLs(ctx context.Context) (map[string]int64, error)
}

// keyString renders a key for debug output: the common case of a string
// key passes through untouched, anything else falls back to fmt.Sprint.
func keyString[K comparable](k K) string {
	if s, ok := any(k).(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

// Keys returns a debug snapshot of every live (non-expired-as-observed)
// key currently resident. It is not part of the command table and does
// not emit hook events; it exists for tests and operators.
func (c *Cache[K, V]) Keys(ctx context.Context) ([]string, error) {
	now := c.now()
	rows := c.store.Select(func(_ K, e store.Entry[V]) bool { return !e.Expired(now) })
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, keyString(r.Key))
	}
	return out, nil
}

// TTLs returns the remaining lifetime in milliseconds for every live key
// that has an expiration set. Keys with no expiration are omitted.
func (c *Cache[K, V]) TTLs(ctx context.Context) (map[string]int64, error) {
	now := c.now()
	rows := c.store.Select(func(_ K, e store.Entry[V]) bool { return !e.Expired(now) })
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		if ttl, ok := r.Entry.TTL(now); ok {
			out[keyString(r.Key)] = ttl
		}
	}
	return out, nil
}
