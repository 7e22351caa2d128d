// Package courier implements the per-cache single-flight fallback
// loader: concurrent fetch(k, loader) calls for the same absent key
// coalesce into one loader invocation, and every waiter observes the
// same outcome, normalized to a commit/ignore/error sum type. A bare
// loaded value is upgraded to a commit via the Value helper.
package courier

import (
	"context"
	"fmt"
	"sync"
)

// Outcome is the normalized result of a loader invocation.
type Outcome[V any] struct {
	committed     bool
	value         V
	hasExpiration bool
	expiration    int64 // ms; only meaningful if hasExpiration
}

// Value normalizes a bare loaded value into a Commit outcome that falls
// back to the cache's default expiration.
func Value[V any](v V) Outcome[V] { return Outcome[V]{committed: true, value: v} }

// Commit normalizes a loaded value into a Commit outcome with an explicit
// TTL override (in milliseconds; 0 means no expiration).
func Commit[V any](v V, expirationMillis int64) Outcome[V] {
	return Outcome[V]{committed: true, value: v, hasExpiration: true, expiration: expirationMillis}
}

// Ignore returns a value to the caller without writing it to the store.
func Ignore[V any](v V) Outcome[V] { return Outcome[V]{committed: false, value: v} }

// Committed reports whether the outcome should be written to the store.
func (o Outcome[V]) Committed() bool { return o.committed }

// Value returns the outcome's value, whether committed or ignored.
func (o Outcome[V]) Value() V { return o.value }

// Expiration returns the explicit TTL override and whether one was given.
func (o Outcome[V]) Expiration() (int64, bool) { return o.expiration, o.hasExpiration }

// Loader fetches a value for a missed key and normalizes the result.
type Loader[K comparable, V any] func(ctx context.Context, k K) (Outcome[V], error)

type call[V any] struct {
	done    chan struct{}
	outcome Outcome[V]
	err     error
}

// Group coalesces concurrent Fetch calls for the same key so the supplied
// loader runs at most once per active key; all other concurrent callers
// share its outcome. The courier never holds a key lock itself; callers
// that need the commit to also go through the store's write path (so
// hooks and the eviction policy observe it) do that after Fetch returns.
type Group[K comparable, V any] struct {
	mu       sync.Mutex
	inflight map[K]*call[V]
}

// NewGroup constructs an empty courier.
func NewGroup[K comparable, V any]() *Group[K, V] {
	return &Group[K, V]{inflight: make(map[K]*call[V])}
}

// Fetch runs load for k at most once among concurrent callers and returns
// its normalized outcome to every caller. A panic inside load is recovered
// and delivered to every waiter as an error.
func (g *Group[K, V]) Fetch(ctx context.Context, k K, load Loader[K, V]) (Outcome[V], error) {
	g.mu.Lock()
	if c, ok := g.inflight[k]; ok {
		g.mu.Unlock()
		<-c.done
		return c.outcome, c.err
	}
	c := &call[V]{done: make(chan struct{})}
	g.inflight[k] = c
	g.mu.Unlock()

	outcome, err := safeLoad(ctx, k, load)

	c.outcome, c.err = outcome, err
	close(c.done)

	g.mu.Lock()
	delete(g.inflight, k)
	g.mu.Unlock()

	return outcome, err
}

func safeLoad[K comparable, V any](ctx context.Context, k K, load Loader[K, V]) (outcome Outcome[V], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("courier: loader panicked: %v", r)
		}
	}()
	return load(ctx, k)
}
