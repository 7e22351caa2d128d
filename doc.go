// Package keepcache provides the core of an in-process key/value cache:
// per-entry TTL, bounded-size eviction policies, single-flight coalesced
// fallback loading, cross-key transactions with row-level locking, and a
// hook pipeline that fans cache events out to observers.
//
// Design
//
//   - Entry store: a sharded concurrent map (package store) holding
//     entries with modified/expiration timestamps. Each shard has its own
//     lock and a write-recency list, so writes to distinct keys proceed
//     without a cache-global lock and per-key updates stay atomic.
//
//   - Locking: a process-wide lock table (package locks) keyed by
//     (cache name, key) arbitrates writers. Each cache runs its own
//     Locksmith queue (package locksmith): an uncontended write proceeds
//     inline, a contended one queues, and a transaction locks several
//     keys for the duration of a callback.
//
//   - Fallback loading: concurrent Fetch calls for the same missing key
//     coalesce into one loader invocation via the courier (package
//     courier); every waiter observes the same commit/ignore/error
//     outcome.
//
//   - Eviction: the default least-recently-written policy (package
//     policy/lrw) purges expired entries first, then trims down to a
//     configured target. An alternate 2Q policy (package policy/twoq) is
//     also provided; policies are pluggable via cache.WithPolicy.
//
//   - Expiration: a background janitor (package janitor) sweeps expired
//     entries on an interval; lazy expiration on the read path deletes an
//     expired entry the moment it is observed.
//
//   - Notifications: a per-cache hook pipeline (package hooks) runs
//     pre/post observers in registration order, with per-hook timeouts
//     for synchronous observers and fire-and-forget dispatch for async
//     ones. A Prometheus adapter (package metrics/prom) is provided as a
//     service-kind hook.
//
// Basic usage
//
//	c, err := cache.New[string, string]("sessions",
//	    cache.WithDefaultExpiration[string, string](time.Minute),
//	    cache.WithLimit[string, string](policy.Limit{MaxSize: 10_000, ReclaimFraction: 0.1}),
//	)
//	if err != nil { ... }
//	defer c.Close()
//
//	_ = c.Put(ctx, "sess-1", "payload")
//	v, ok, err := c.Get(ctx, "sess-1")
//
// With fetch (single-flight loader)
//
//	v, err := c.Fetch(ctx, "user:42", func(ctx context.Context, k string) (courier.Outcome[string], error) {
//	    row, err := db.Lookup(ctx, k)
//	    if err != nil { return courier.Outcome[string]{}, err }
//	    return courier.Value(row), nil
//	})
//
// With transactions
//
//	_, err := c.Transaction(ctx, []string{"acct-1", "acct-2"}, func(ctx context.Context, c *cache.Cache[string, int]) (any, error) {
//	    _, _ = c.Incr(ctx, "acct-1", -10, 0)
//	    _, _ = c.Incr(ctx, "acct-2", 10, 0)
//	    return nil, nil
//	})
//
// Named lookup
//
// Register and Lookup let an external facade resolve a cache by name
// without holding a typed reference:
//
//	_ = keepcache.Register("sessions", c)
//	handle, _ := keepcache.Lookup("sessions")
//	sessions := handle.(*cache.Cache[string, string])
//
// See package cache for the full command dispatcher and its functional
// options, and package policy for the Policy interface used to implement
// custom eviction strategies.
package keepcache
