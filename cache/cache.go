package cache

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsavage/keepcache/courier"
	"github.com/nsavage/keepcache/errs"
	"github.com/nsavage/keepcache/hooks"
	"github.com/nsavage/keepcache/internal/clock"
	"github.com/nsavage/keepcache/janitor"
	"github.com/nsavage/keepcache/locks"
	"github.com/nsavage/keepcache/locksmith"
	"github.com/nsavage/keepcache/policy"
	"github.com/nsavage/keepcache/policy/lrw"
	"github.com/nsavage/keepcache/store"
	"github.com/nsavage/keepcache/warmer"
	"go.uber.org/zap"
)

// Cache is a single named cache instance: the command dispatcher
// orchestrating the entry store, lock table, locksmith queue, courier,
// hook pipeline, eviction policy, janitor, and warmers.
type Cache[K comparable, V any] struct {
	name string

	store    *store.Store[K, V]
	locks    *locks.Table
	queue    *locksmith.Queue
	courier  *courier.Group[K, V]
	pipeline *hooks.Pipeline

	defaultExpiration   time.Duration
	lazyExpiration      bool
	transactionsEnabled bool

	janitor  *janitor.Janitor[K, V]
	policyMu sync.Mutex
	pol      policy.Policy
	warmers  []*warmer.Warmer[K, V]

	commands map[string]Command[K, V]

	logger *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// New constructs and starts a Cache named name: its janitor (if enabled)
// and its warmers are launched before New returns, and any warmer marked
// RequiredAtStartup must complete its first run before construction
// succeeds. An Option returning an error aborts construction; no
// goroutines are left running in that case.
func New[K comparable, V any](name string, opts ...Option[K, V]) (*Cache[K, V], error) {
	if name == "" {
		return nil, errs.New(errs.InvalidName, "cache name must not be empty")
	}

	cfg := newConfig[K, V](name)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	lockTable := cfg.lockTable
	if lockTable == nil {
		lockTable = locks.Default()
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.clock
	if clk == nil {
		clk = clock.Real{}
	}

	c := &Cache[K, V]{
		name:                name,
		store:               store.NewWithShards[K, V](clk, cfg.shards),
		locks:               lockTable,
		courier:             courier.NewGroup[K, V](),
		pipeline:            hooks.New(logger),
		defaultExpiration:   cfg.defaultExpiration,
		lazyExpiration:      cfg.lazyExpiration,
		transactionsEnabled: cfg.transactionsEnabled,
		commands:            cfg.commands,
		logger:              logger,
	}
	c.queue = locksmith.New(name, lockTable)

	for _, r := range cfg.hooks {
		if err := c.pipeline.Register(r); err != nil {
			return nil, err
		}
	}

	if cfg.policyBuild != nil && cfg.limit == nil {
		return nil, errs.New(errs.InvalidLimit, "WithPolicy requires WithLimit to also be set")
	}
	if cfg.limit != nil {
		if cfg.policyBuild != nil {
			c.pol = cfg.policyBuild(c.store, c.pipeline, logger)
		} else {
			c.pol = lrw.New[K, V](c.store, *cfg.limit, c.pipeline, logger)
		}
		for _, kind := range c.pol.RequiredHookKinds() {
			if err := c.pipeline.Register(hooks.Registration{
				Kind: kind, All: true, Hook: c.pol, Name: "policy",
			}); err != nil {
				return nil, err
			}
		}
	}

	c.pipeline.Provision(c)

	go c.queue.Run()

	c.janitor = janitor.New[K, V](c.store, c.pipeline, cfg.janitorInterval, logger)
	c.janitor.Run()

	if err := warmer.ValidateAll[K, V](cfg.warmers); err != nil {
		c.shutdownPartial()
		return nil, err
	}

	for _, wc := range cfg.warmers {
		w, err := warmer.New[K, V](wc, putAdapter[K, V]{c})
		if err != nil {
			c.shutdownPartial()
			return nil, err
		}
		if err := w.Start(context.Background()); err != nil {
			c.shutdownPartial()
			return nil, err
		}
		c.warmers = append(c.warmers, w)
	}

	return c, nil
}

// putAdapter narrows Cache's variadic Put to the warmer.Putter contract.
type putAdapter[K comparable, V any] struct{ c *Cache[K, V] }

func (a putAdapter[K, V]) Put(ctx context.Context, key K, value V) error {
	return a.c.Put(ctx, key, value)
}

// shutdownPartial tears down whatever background work New had already
// started, used when a later construction step fails.
func (c *Cache[K, V]) shutdownPartial() {
	c.janitor.Stop()
	c.queue.Close()
	for _, w := range c.warmers {
		w.Stop()
	}
}

// Name returns the cache's identity, used as its lock-table namespace.
func (c *Cache[K, V]) Name() string { return c.name }

// Close terminates the cache's background work: janitor sweep, warmers,
// and the locksmith queue. Safe to call more than once.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.janitor.Stop()
		for _, w := range c.warmers {
			w.Stop()
		}
		c.queue.Close()
	})
}

// AddHook registers an additional observer after construction. Once
// registered, every hook declaring the "cache" provision (including
// this one, if it declares it) is re-sent the cache handle via
// hooks.Pipeline.Provision, the same notification New sends once at
// startup.
func (c *Cache[K, V]) AddHook(r hooks.Registration) error {
	if err := c.pipeline.Register(r); err != nil {
		return err
	}
	c.pipeline.Provision(c)
	return nil
}

// SetPolicy reconfigures the cache's eviction policy at runtime. build
// receives the cache's store, hook pipeline, and logger, the same
// inputs WithPolicy's builder gets at construction. The previous policy's
// hook registrations are removed first so it stops observing events, the
// new policy is registered for its required hook kinds, and every
// cache-provision hook is re-notified via Provision.
func (c *Cache[K, V]) SetPolicy(build func(s *store.Store[K, V], pipeline *hooks.Pipeline, logger *zap.Logger) policy.Policy) error {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	c.pipeline.Unregister("policy")
	pol := build(c.store, c.pipeline, c.logger)
	for _, kind := range pol.RequiredHookKinds() {
		if err := c.pipeline.Register(hooks.Registration{
			Kind: kind, All: true, Hook: pol, Name: "policy",
		}); err != nil {
			return err
		}
	}
	c.pol = pol
	c.pipeline.Provision(c)
	return nil
}

func (c *Cache[K, V]) now() int64 { return c.store.Now() }

func (c *Cache[K, V]) emitPre(ctx context.Context, action hooks.Action, args ...any) {
	c.pipeline.EmitPre(ctx, hooks.Event{Action: action, Args: args})
}

func (c *Cache[K, V]) emitPost(ctx context.Context, action hooks.Action, result any, err error, args ...any) {
	c.pipeline.EmitPost(ctx, hooks.Event{Action: action, Args: args, Result: result, Err: err})
}

// ttlMillis converts a Go duration to the store's millisecond expiration
// field. Non-positive durations mean no expiration.
func ttlMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}

// lazyExpire: if e is expired and lazy expiration is on, this
// deletes k as a purge-tagged removal (no user hooks, a synthetic purge
// count of 1) and reports absence. Otherwise reports e's own presence
// per its expiration state.
func (c *Cache[K, V]) lazyExpire(ctx context.Context, k K, e store.Entry[V], now int64) (store.Entry[V], bool) {
	if !e.Expired(now) {
		return e, true
	}
	if !c.lazyExpiration {
		return e, false
	}
	if c.store.Delete(k) {
		c.pipeline.EmitPost(ctx, hooks.Event{Action: hooks.ActionPurge, Result: 1})
	}
	return store.Entry[V]{}, false
}

// Get returns the value for key: a point lookup with lazy expiration.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	c.emitPre(ctx, hooks.ActionGet, key)
	v, found, err := c.getNoHooks(ctx, key)
	c.emitPost(ctx, hooks.ActionGet, v, err, key)
	return v, found, err
}

func (c *Cache[K, V]) getNoHooks(ctx context.Context, key K) (V, bool, error) {
	e, ok := c.store.Lookup(key)
	if !ok {
		var zero V
		return zero, false, nil
	}
	e, present := c.lazyExpire(ctx, key, e, c.now())
	if !present {
		var zero V
		return zero, false, nil
	}
	return e.Value, true, nil
}

// Exists reports whether key is present, subject to lazy expiration.
func (c *Cache[K, V]) Exists(ctx context.Context, key K) (bool, error) {
	c.emitPre(ctx, hooks.ActionExists, key)
	_, found, err := c.getNoHooks(ctx, key)
	c.emitPost(ctx, hooks.ActionExists, found, err, key)
	return found, err
}

// TTL reports key's remaining lifetime: ms is the remaining time, hasTTL is
// false if the entry has no expiration, found is false if the key is
// absent (including lazily-expired).
func (c *Cache[K, V]) TTL(ctx context.Context, key K) (ms int64, hasTTL bool, found bool, err error) {
	c.emitPre(ctx, hooks.ActionTTL, key)
	e, ok := c.store.Lookup(key)
	if !ok {
		c.emitPost(ctx, hooks.ActionTTL, nil, nil, key)
		return 0, false, false, nil
	}
	now := c.now()
	e, present := c.lazyExpire(ctx, key, e, now)
	if !present {
		c.emitPost(ctx, hooks.ActionTTL, nil, nil, key)
		return 0, false, false, nil
	}
	remaining, has := e.TTL(now)
	c.emitPost(ctx, hooks.ActionTTL, remaining, nil, key)
	return remaining, has, true, nil
}

// PutOption customizes a single Put call.
type PutOption func(*putOpts)

type putOpts struct {
	expiration    time.Duration
	hasExpiration bool
}

// WithExpiration overrides the cache's default expiration for one Put.
func WithExpiration(d time.Duration) PutOption {
	return func(o *putOpts) { o.expiration, o.hasExpiration = d, true }
}

// Put writes value under key: lock(k), insert with modified=now,
// expiration=opts.expiration or the cache default.
func (c *Cache[K, V]) Put(ctx context.Context, key K, value V, opts ...PutOption) error {
	c.emitPre(ctx, hooks.ActionPut, key, value)
	_, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		o := putOpts{expiration: c.defaultExpiration, hasExpiration: c.defaultExpiration > 0}
		for _, opt := range opts {
			opt(&o)
		}
		exp := int64(0)
		if o.hasExpiration {
			exp = ttlMillis(o.expiration)
		}
		c.store.Insert(key, store.Entry[V]{Value: value, Modified: c.now(), Expiration: exp})
		return true, nil
	})
	c.emitPost(ctx, hooks.ActionPut, true, err, key, value)
	return err
}

// Take looks up and deletes key atomically under lock(k); respects lazy
// expiration.
func (c *Cache[K, V]) Take(ctx context.Context, key K) (V, bool, error) {
	c.emitPre(ctx, hooks.ActionTake, key)
	val, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		e, ok := c.store.Lookup(key)
		if !ok {
			var zero V
			return takeResult[V]{zero, false}, nil
		}
		e, present := c.lazyExpire(ctx, key, e, c.now())
		if !present {
			var zero V
			return takeResult[V]{zero, false}, nil
		}
		c.store.Delete(key)
		return takeResult[V]{e.Value, true}, nil
	})
	var v V
	var ok bool
	if err == nil {
		r := val.(takeResult[V])
		v, ok = r.value, r.found
	}
	c.emitPost(ctx, hooks.ActionTake, v, err, key)
	return v, ok, err
}

type takeResult[V any] struct {
	value V
	found bool
}

// Update replaces key's value only, preserving modified and
// expiration.
func (c *Cache[K, V]) Update(ctx context.Context, key K, value V) (bool, error) {
	c.emitPre(ctx, hooks.ActionUpdate, key, value)
	res, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return c.store.Update(key, func(e *store.Entry[V]) { e.Value = value }), nil
	})
	var ok bool
	if err == nil {
		ok = res.(bool)
	}
	c.emitPost(ctx, hooks.ActionUpdate, ok, err, key, value)
	return ok, err
}

// Touch sets modified=now with expiration rescaled so the absolute
// deadline (modified + expiration) is preserved.
func (c *Cache[K, V]) Touch(ctx context.Context, key K) (bool, error) {
	c.emitPre(ctx, hooks.ActionTouch, key)
	now := c.now()
	res, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return c.store.Update(key, func(e *store.Entry[V]) {
			if e.Expiration > 0 {
				deadline := e.Modified + e.Expiration
				e.Expiration = deadline - now
				if e.Expiration < 0 {
					e.Expiration = 0
				}
			}
			e.Modified = now
		}), nil
	})
	var ok bool
	if err == nil {
		ok = res.(bool)
	}
	c.emitPost(ctx, hooks.ActionTouch, ok, err, key)
	return ok, err
}

// Refresh sets modified=now without adjusting expiration, resetting the
// TTL countdown.
func (c *Cache[K, V]) Refresh(ctx context.Context, key K) (bool, error) {
	c.emitPre(ctx, hooks.ActionRefresh, key)
	now := c.now()
	res, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return c.store.Update(key, func(e *store.Entry[V]) { e.Modified = now }), nil
	})
	var ok bool
	if err == nil {
		ok = res.(bool)
	}
	c.emitPost(ctx, hooks.ActionRefresh, ok, err, key)
	return ok, err
}

// Expire rewrites key's expiration: ms == nil clears it; ms != nil &&
// *ms <= 0 deletes the key; otherwise expiration = *ms, modified = now.
func (c *Cache[K, V]) Expire(ctx context.Context, key K, ms *int64) (bool, error) {
	c.emitPre(ctx, hooks.ActionExpire, key, ms)
	now := c.now()
	res, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		switch {
		case ms == nil:
			return c.store.Update(key, func(e *store.Entry[V]) { e.Expiration = 0 }), nil
		case *ms <= 0:
			return c.store.Delete(key), nil
		default:
			return c.store.Update(key, func(e *store.Entry[V]) {
				e.Expiration = *ms
				e.Modified = now
			}), nil
		}
	})
	var ok bool
	if err == nil {
		ok = res.(bool)
	}
	c.emitPost(ctx, hooks.ActionExpire, ok, err, key, ms)
	return ok, err
}

// Del deletes key, succeeding regardless of prior presence.
func (c *Cache[K, V]) Del(ctx context.Context, key K) error {
	c.emitPre(ctx, hooks.ActionDel, key)
	_, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		c.store.Delete(key)
		return true, nil
	})
	c.emitPost(ctx, hooks.ActionDel, true, err, key)
	return err
}

// Clear deletes every entry and returns the count removed.
func (c *Cache[K, V]) Clear(ctx context.Context) (int, error) {
	c.emitPre(ctx, hooks.ActionClear)
	n := c.store.SelectDelete(func(K, store.Entry[V]) bool { return true })
	c.emitPost(ctx, hooks.ActionClear, n, nil)
	return n, nil
}

// Purge runs the janitor sweep inline and returns the count removed.
func (c *Cache[K, V]) Purge(ctx context.Context) (int, error) {
	c.emitPre(ctx, hooks.ActionPurge)
	now := c.now()
	n := c.store.SelectDelete(func(_ K, e store.Entry[V]) bool { return e.Expired(now) })
	c.emitPost(ctx, hooks.ActionPurge, n, nil)
	return n, nil
}

// Size counts resident entries, including expired-but-not-swept ones.
func (c *Cache[K, V]) Size(ctx context.Context) (int, error) {
	c.emitPre(ctx, hooks.ActionSize)
	n := c.store.Size()
	c.emitPost(ctx, hooks.ActionSize, n, nil)
	return n, nil
}

// Incr performs atomic arithmetic on key; if the key is absent, the
// current value is treated as init. Returns a non_numeric_value error
// without mutation if the existing value is not a numeric kind.
func (c *Cache[K, V]) Incr(ctx context.Context, key K, by V, init V) (V, error) {
	c.emitPre(ctx, hooks.ActionIncr, key, by, init)
	res, err := c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
		e, present := c.store.Lookup(key)
		current := init
		if present {
			e, present = c.lazyExpire(ctx, key, e, c.now())
			if present {
				current = e.Value
			}
		}
		sum, addErr := numericAdd(current, by)
		if addErr != nil {
			var zero V
			return zero, addErr
		}
		now := c.now()
		if present {
			c.store.Update(key, func(e *store.Entry[V]) { e.Value = sum; e.Modified = now })
		} else {
			c.store.Insert(key, store.Entry[V]{Value: sum, Modified: now, Expiration: ttlMillis(c.defaultExpiration)})
		}
		return sum, nil
	})
	var v V
	if err == nil {
		v = res.(V)
	}
	c.emitPost(ctx, hooks.ActionIncr, v, err, key, by, init)
	return v, err
}

// numericAdd adds b onto a using reflection, since Incr's value type V
// is only constrained to be the cache's element type, not a numeric
// interface; the numeric check has to happen at runtime.
func numericAdd[V any](a, b V) (V, error) {
	var zero V
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if !va.IsValid() {
		va = reflect.ValueOf(zero)
	}

	switch va.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if !isIntKind(vb.Kind()) {
			return zero, errs.New(errs.NonNumericValue, "incr: by must be an integer kind")
		}
		out := reflect.New(va.Type()).Elem()
		out.SetInt(va.Int() + vb.Int())
		return out.Interface().(V), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if !isUintKind(vb.Kind()) {
			return zero, errs.New(errs.NonNumericValue, "incr: by must be an unsigned integer kind")
		}
		out := reflect.New(va.Type()).Elem()
		out.SetUint(va.Uint() + vb.Uint())
		return out.Interface().(V), nil
	case reflect.Float32, reflect.Float64:
		if !isFloatKind(vb.Kind()) {
			return zero, errs.New(errs.NonNumericValue, "incr: by must be a float kind")
		}
		out := reflect.New(va.Type()).Elem()
		out.SetFloat(va.Float() + vb.Float())
		return out.Interface().(V), nil
	default:
		return zero, errs.New(errs.NonNumericValue, "incr: existing value is not numeric")
	}
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// Fetch looks key up and, on a miss, runs a courier-coalesced load,
// normalized to a commit/ignore/error outcome.
func (c *Cache[K, V]) Fetch(ctx context.Context, key K, load courier.Loader[K, V]) (V, error) {
	c.emitPre(ctx, hooks.ActionFetch, key)

	if v, found, err := c.getNoHooks(ctx, key); found || err != nil {
		c.emitPost(ctx, hooks.ActionFetch, v, err, key)
		return v, err
	}

	start := time.Now()
	outcome, err := c.courier.Fetch(ctx, key, load)
	elapsed := time.Since(start)
	if err != nil {
		wrapped := errs.Wrap(errs.LoaderFailure, err, "fetch: loader failed")
		c.pipeline.EmitPost(ctx, hooks.Event{
			Action: hooks.ActionFetch, Args: []any{key}, Err: wrapped, Elapsed: elapsed,
		})
		var zero V
		return zero, wrapped
	}

	if outcome.Committed() {
		_, _ = c.queue.Execute(ctx, key, func(ctx context.Context) (any, error) {
			exp := ttlMillis(c.defaultExpiration)
			if ms, ok := outcome.Expiration(); ok {
				exp = ms
			}
			c.store.Insert(key, store.Entry[V]{Value: outcome.Value(), Modified: c.now(), Expiration: exp})
			return true, nil
		})
	}

	c.pipeline.EmitPost(ctx, hooks.Event{
		Action: hooks.ActionFetch, Args: []any{key}, Result: outcome.Value(), Elapsed: elapsed,
	})
	return outcome.Value(), nil
}

// Execute runs f with the cache handle, no locking. Intended for
// multi-step reads or diagnostics that do not need
// the Locksmith's exclusivity guarantee.
func (c *Cache[K, V]) Execute(ctx context.Context, f func(ctx context.Context, c *Cache[K, V]) (any, error)) (any, error) {
	c.emitPre(ctx, hooks.ActionExecute)
	res, err := f(ctx, c)
	c.emitPost(ctx, hooks.ActionExecute, res, err)
	return res, err
}

// Invoke dispatches key to a custom command registered via
// WithCommand.
func (c *Cache[K, V]) Invoke(ctx context.Context, key K, name string) (any, error) {
	c.emitPre(ctx, hooks.ActionInvoke, key, name)
	res, err := c.invokeNoHooks(ctx, key, name)
	c.emitPost(ctx, hooks.ActionInvoke, res, err, key, name)
	return res, err
}

func (c *Cache[K, V]) invokeNoHooks(ctx context.Context, key K, name string) (any, error) {
	cmd, ok := c.commands[name]
	if !ok {
		return nil, errs.New(errs.InvalidCommand, "unknown command: "+name)
	}

	switch cmd.Kind {
	case CommandRead:
		v, present, err := c.getNoHooks(ctx, key)
		if err != nil {
			return nil, err
		}
		return safeInvoke(func() (any, error) { return cmd.Read(ctx, key, v, present) })
	case CommandWrite:
		return c.queue.Execute(ctx, key, func(ctx context.Context) (val any, err error) {
			defer func() {
				if r := recover(); r != nil {
					val, err = nil, errs.New(errs.Execution, "custom command panicked")
				}
			}()
			e, present := c.store.Lookup(key)
			var v V
			if present {
				e, present = c.lazyExpire(ctx, key, e, c.now())
				v = e.Value
			}
			res, newValue, write, err := cmd.Write(ctx, key, v, present)
			if err != nil {
				return nil, err
			}
			if write {
				now := c.now()
				if present {
					c.store.Update(key, func(e *store.Entry[V]) { e.Value = newValue; e.Modified = now })
				} else {
					c.store.Insert(key, store.Entry[V]{Value: newValue, Modified: now, Expiration: ttlMillis(c.defaultExpiration)})
				}
			}
			return res, nil
		})
	default:
		return nil, errs.New(errs.InvalidCommand, "unknown command kind for: "+name)
	}
}

func safeInvoke(f func() (any, error)) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.Execution, "custom command panicked")
		}
	}()
	return f()
}
