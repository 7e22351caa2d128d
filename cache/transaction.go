package cache

import (
	"context"

	"github.com/nsavage/keepcache/errs"
	"github.com/nsavage/keepcache/hooks"
)

// Transaction locks every key in keys, runs f with a cache handle scoped
// to that transactional context (so nested Put/Update/Take/etc. calls on
// those keys bypass the queue rather than deadlocking against the lock
// this call already holds), and
// unlocks all keys on every exit path: normal return, error, or a panic
// recovered inside f.
//
// Returns error(invalid_option) if transactions are disabled for this
// cache (WithTransactionsEnabled(false)).
func (c *Cache[K, V]) Transaction(ctx context.Context, keys []K, f func(ctx context.Context, c *Cache[K, V]) (any, error)) (any, error) {
	if !c.transactionsEnabled {
		return nil, errs.New(errs.InvalidOption, "transactions are disabled for cache "+c.name)
	}

	c.emitPre(ctx, hooks.ActionTransaction, keys)
	anyKeys := make([]any, len(keys))
	for i, k := range keys {
		anyKeys[i] = k
	}

	res, err := c.queue.Transaction(ctx, anyKeys, func(ctx context.Context) (val any, err error) {
		defer func() {
			if r := recover(); r != nil {
				val, err = nil, errs.New(errs.Execution, "transaction callback panicked")
			}
		}()
		return f(ctx, c)
	})
	c.emitPost(ctx, hooks.ActionTransaction, res, err, keys)
	return res, err
}
