// Package policy defines the pluggable eviction-policy contract: an
// observer of put/update/fetch-commit events that enforces a size bound
// when the store could have grown, and advertises the hook kinds it
// requires. The default LRW policy drives the entry store's
// SelectDelete/OldestModified/Delete directly against the store's own
// per-shard write-recency lists; the 2Q policy keeps its own key-keyed
// queues.
package policy

import (
	"context"

	"github.com/nsavage/keepcache/errs"
	"github.com/nsavage/keepcache/hooks"
)

// Limit configures a size-bounded policy: once size exceeds MaxSize, a
// policy purges expirable entries, then reclaims at least the overage,
// topped up to floor(MaxSize * ReclaimFraction) entries so enforcement
// does not re-trigger on every subsequent write. Victims are removed in
// batches of at most BatchSize entries (0 means "no batching", i.e.
// remove everything needed in one pass).
type Limit struct {
	MaxSize         int
	ReclaimFraction float64
	BatchSize       int
}

// Validate checks the limit's invariants, returning an *errs.Error of
// kind InvalidLimit on violation; cache construction aborts on it.
func (l Limit) Validate() error {
	if l.MaxSize <= 0 {
		return errs.New(errs.InvalidLimit, "max_size must be positive")
	}
	if l.ReclaimFraction <= 0 || l.ReclaimFraction > 1 {
		return errs.New(errs.InvalidLimit, "reclaim_fraction must be in (0,1]")
	}
	if l.BatchSize < 0 {
		return errs.New(errs.InvalidLimit, "batch size must not be negative")
	}
	return nil
}

// ReclaimCount returns floor(MaxSize * ReclaimFraction): the minimum
// number of entries a policy removes per enforcement pass once the store
// is over MaxSize.
func (l Limit) ReclaimCount() int {
	return int(float64(l.MaxSize) * l.ReclaimFraction)
}

// Policy is a hook: it observes write events through the pipeline and
// enforces the size bound from its Handle method.
type Policy interface {
	hooks.Hook
	// RequiredHookKinds advertises which hook kinds (pre/post/service) a
	// policy needs wired in, so the cache can register it appropriately.
	RequiredHookKinds() []hooks.Kind
}

// Enforcer is implemented by policies that expose a direct, synchronous
// enforcement call. The command dispatcher does not call it; it relies on
// the Handle hook path alone.
type Enforcer interface {
	Enforce(ctx context.Context)
}
