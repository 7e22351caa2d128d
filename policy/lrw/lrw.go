// Package lrw implements the default least-recently-written eviction
// policy: on a write that could grow the store, if size exceeds
// max_size, first purge expirable entries, then remove oldest-modified
// entries in batches: at least the overage, topped up to
// floor(max_size * reclaim_fraction) victims per pass. Removals are
// broadcast as a PolicyOriginated clear(n) event so stats observers can
// count them without re-triggering enforcement.
package lrw

import (
	"context"
	"sync"

	"github.com/nsavage/keepcache/hooks"
	"github.com/nsavage/keepcache/policy"
	"github.com/nsavage/keepcache/store"
	"go.uber.org/zap"
)

// Store is the subset of store.Store the policy needs; parameterized so
// the policy package stays independent of the generic store type
// instantiation used by a given cache.
type Store[K comparable, V any] interface {
	Size() int
	Now() int64
	SelectDelete(predicate func(K, store.Entry[V]) bool) int
	OldestModified(n int) []K
	Delete(k K) bool
}

// Policy is the default LRW eviction policy for a single cache.
type Policy[K comparable, V any] struct {
	mu       sync.Mutex
	store    Store[K, V]
	pipeline *hooks.Pipeline
	limit    policy.Limit
	logger   *zap.Logger
}

// New constructs an LRW policy bound to s, enforcing limit, broadcasting
// its removals through pipeline. A nil logger defaults to zap.NewNop().
func New[K comparable, V any](s Store[K, V], limit policy.Limit, pipeline *hooks.Pipeline, logger *zap.Logger) *Policy[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy[K, V]{store: s, pipeline: pipeline, limit: limit, logger: logger}
}

// RequiredHookKinds implements policy.Policy.
func (p *Policy[K, V]) RequiredHookKinds() []hooks.Kind { return []hooks.Kind{hooks.KindService} }

// Handle implements hooks.Hook: on put/update/fetch/incr events it enforces
// the size bound; clear/purge events (including its own) are ignored to
// avoid recursive enforcement.
func (p *Policy[K, V]) Handle(ctx context.Context, evt hooks.Event) {
	if evt.PolicyOriginated {
		return
	}
	switch evt.Action {
	case hooks.ActionPut, hooks.ActionUpdate, hooks.ActionFetch, hooks.ActionIncr:
		p.Enforce(ctx)
	}
}

// Enforce runs one enforcement pass: purge expirable entries, then, if
// still over max_size, remove the oldest-written entries: at least the
// overage, topped up to the limit's reclaim count.
func (p *Policy[K, V]) Enforce(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store.Size() <= p.limit.MaxSize {
		return
	}

	now := p.store.Now()
	if purged := p.store.SelectDelete(func(_ K, e store.Entry[V]) bool { return e.Expired(now) }); purged > 0 {
		p.logger.Debug("policy purged expirable entries", zap.Int("count", purged))
		p.emitClear(ctx, purged)
	}

	want := p.store.Size() - p.limit.MaxSize
	if want <= 0 {
		return
	}
	if r := p.limit.ReclaimCount(); r > want {
		want = r
	}
	for want > 0 {
		batch := want
		if p.limit.BatchSize > 0 && batch > p.limit.BatchSize {
			batch = p.limit.BatchSize
		}
		victims := p.store.OldestModified(batch)
		if len(victims) == 0 {
			return
		}
		removed := 0
		for _, k := range victims {
			if p.store.Delete(k) {
				removed++
			}
		}
		if removed == 0 {
			return
		}
		p.logger.Debug("policy evicted least-recently-written entries", zap.Int("count", removed))
		p.emitClear(ctx, removed)
		want -= len(victims)
	}
}

func (p *Policy[K, V]) emitClear(ctx context.Context, n int) {
	p.pipeline.EmitPost(ctx, hooks.Event{
		Action:           hooks.ActionClear,
		Result:           n,
		PolicyOriginated: true,
	})
}
