// Package cache implements the command dispatcher: the public operations
// (get, put, take, update, touch, refresh, expire, del, clear, purge,
// size, exists?, ttl, incr, fetch, execute, transaction, invoke)
// orchestrating the entry store, lock table, locksmith queue, courier,
// hook pipeline, eviction policy, janitor, and warmers that make up a
// single named cache.
//
// Construction follows the functional-options pattern: each option
// validates its own input and returns an error on invalid input, and New
// aborts on the first failing option before any goroutine starts.
package cache

import (
	"time"

	"github.com/nsavage/keepcache/errs"
	"github.com/nsavage/keepcache/hooks"
	"github.com/nsavage/keepcache/internal/clock"
	"github.com/nsavage/keepcache/locks"
	"github.com/nsavage/keepcache/policy"
	"github.com/nsavage/keepcache/store"
	"github.com/nsavage/keepcache/warmer"
	"go.uber.org/zap"
)

// config accumulates construction-time settings; Options mutate it, and
// New validates the result before building a Cache.
type config[K comparable, V any] struct {
	name string

	defaultExpiration time.Duration
	janitorInterval   time.Duration
	lazyExpiration    bool

	limit       *policy.Limit
	policyBuild func(s *store.Store[K, V], pipeline *hooks.Pipeline, logger *zap.Logger) policy.Policy

	hooks []hooks.Registration

	commands map[string]Command[K, V]

	transactionsEnabled bool

	warmers []warmer.Config[K, V]

	logger *zap.Logger

	lockTable *locks.Table
	clock     clock.Clock
	shards    int
}

// Option configures a Cache at construction time. An Option that returns
// an error aborts New entirely.
type Option[K comparable, V any] func(*config[K, V]) error

func newConfig[K comparable, V any](name string) *config[K, V] {
	return &config[K, V]{
		name:                name,
		lazyExpiration:      true,
		transactionsEnabled: true,
		commands:            make(map[string]Command[K, V]),
	}
}

// WithDefaultExpiration sets the TTL applied to put/fetch commits that do
// not supply their own expiration. Zero (the default) means entries never
// expire unless given an explicit TTL.
func WithDefaultExpiration[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) error {
		if d < 0 {
			return errs.New(errs.InvalidExpiration, "default expiration must not be negative")
		}
		c.defaultExpiration = d
		return nil
	}
}

// WithJanitorInterval enables the background sweep at the given interval.
// Omitting this option (or passing <= 0) disables active expiration;
// the cache then relies solely on lazy expiration and explicit Purge.
func WithJanitorInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) error {
		c.janitorInterval = d
		return nil
	}
}

// WithLazyExpiration toggles whether Get/Exists/Take delete an expired
// entry they encounter on the read path (default true).
func WithLazyExpiration[K comparable, V any](enabled bool) Option[K, V] {
	return func(c *config[K, V]) error {
		c.lazyExpiration = enabled
		return nil
	}
}

// WithLimit bounds the cache to limit.MaxSize, enforced by the default
// LRW policy. Use WithPolicy instead to supply an alternate policy
// implementation (e.g. policy/twoq).
func WithLimit[K comparable, V any](limit policy.Limit) Option[K, V] {
	return func(c *config[K, V]) error {
		if err := limit.Validate(); err != nil {
			return err
		}
		l := limit
		c.limit = &l
		return nil
	}
}

// WithPolicy installs a custom policy factory in place of the default
// LRW policy. Requires WithLimit to also be set.
func WithPolicy[K comparable, V any](build func(s *store.Store[K, V], pipeline *hooks.Pipeline, logger *zap.Logger) policy.Policy) Option[K, V] {
	return func(c *config[K, V]) error {
		c.policyBuild = build
		return nil
	}
}

// WithHook registers an observer in the hook pipeline.
func WithHook[K comparable, V any](r hooks.Registration) Option[K, V] {
	return func(c *config[K, V]) error {
		c.hooks = append(c.hooks, r)
		return nil
	}
}

// WithCommand registers a custom command invocable via Invoke.
func WithCommand[K comparable, V any](name string, cmd Command[K, V]) Option[K, V] {
	return func(c *config[K, V]) error {
		if name == "" {
			return errs.New(errs.InvalidName, "command name must not be empty")
		}
		if err := cmd.validate(); err != nil {
			return err
		}
		c.commands[name] = cmd
		return nil
	}
}

// WithTransactionsEnabled toggles whether Transaction is permitted
// (default true); disabling it lets a cache reject multi-key locking it
// does not want to support.
func WithTransactionsEnabled[K comparable, V any](enabled bool) Option[K, V] {
	return func(c *config[K, V]) error {
		c.transactionsEnabled = enabled
		return nil
	}
}

// WithWarmer registers a periodic populator, started when the cache is
// constructed. A warmer configured RequiredAtStartup blocks New until its
// first run completes or errors.
func WithWarmer[K comparable, V any](cfg warmer.Config[K, V]) Option[K, V] {
	return func(c *config[K, V]) error {
		c.warmers = append(c.warmers, cfg)
		return nil
	}
}

// WithLogger installs a zap logger used for the cache's own diagnostics
// (abandoned hooks, policy/janitor activity). Defaults to zap.NewNop().
func WithLogger[K comparable, V any](logger *zap.Logger) Option[K, V] {
	return func(c *config[K, V]) error {
		c.logger = logger
		return nil
	}
}

// WithLockTable overrides the process-wide lock table (locks.Default())
// a cache registers its keys against. Intended for test isolation, since
// the default table is shared by every cache in the process.
func WithLockTable[K comparable, V any](t *locks.Table) Option[K, V] {
	return func(c *config[K, V]) error {
		c.lockTable = t
		return nil
	}
}

// WithClock overrides the time source used for modified/expiration
// timestamps. Intended for deterministic tests; defaults to clock.Real{}.
func WithClock[K comparable, V any](c2 clock.Clock) Option[K, V] {
	return func(c *config[K, V]) error {
		c.clock = c2
		return nil
	}
}

// WithShards overrides the entry store's partition count (rounded up to a
// power of two). Defaults to a CPU-derived count; raise it for heavily
// write-contended caches, or set 1 to make write ordering fully
// deterministic in tests.
func WithShards[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) error {
		if n <= 0 {
			return errs.New(errs.InvalidOption, "shard count must be positive")
		}
		c.shards = n
		return nil
	}
}
