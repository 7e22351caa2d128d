package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nsavage/keepcache/cache"
	"github.com/nsavage/keepcache/courier"
	"github.com/nsavage/keepcache/errs"
	"github.com/nsavage/keepcache/hooks"
	"github.com/nsavage/keepcache/internal/clock"
	"github.com/nsavage/keepcache/locks"
	"github.com/nsavage/keepcache/policy"
	"github.com/nsavage/keepcache/policy/lrw"
	"github.com/nsavage/keepcache/store"
	"github.com/nsavage/keepcache/warmer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freshTable[K comparable, V any]() cache.Option[K, V] {
	return cache.WithLockTable[K, V](locks.NewTable())
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("rt-putget", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v"))
	v, found, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)
}

func TestCache_DelIsIdempotent(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("rt-del", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v"))
	require.NoError(t, c.Del(context.Background(), "a"))
	require.NoError(t, c.Del(context.Background(), "a"))
}

func TestCache_ClearSecondCallReturnsZero(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("rt-clear", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v"))
	require.NoError(t, c.Put(context.Background(), "b", "v"))

	n, err := c.Clear(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = c.Clear(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCache_ExpireNilClearsExpiration(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("rt-expire", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v", cache.WithExpiration(time.Millisecond)))
	ok, err := c.Expire(context.Background(), "a", nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, hasTTL, found, err := c.TTL(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, hasTTL)
}

func TestCache_SizeAfterPutThenDelMatchesBaseline(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("rt-size", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	before, err := c.Size(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Put(context.Background(), "a", "v"))
	require.NoError(t, c.Del(context.Background(), "a"))

	after, err := c.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCache_TouchPreservesDeadlineRefreshResetsIt(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(0)
	c, err := cache.New[string, string]("rt-touch", freshTable[string, string](), cache.WithClock[string, string](clk))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v", cache.WithExpiration(100*time.Millisecond)))
	require.NoError(t, c.Put(context.Background(), "b", "v", cache.WithExpiration(100*time.Millisecond)))
	clk.Advance(40 * time.Millisecond)

	ok, err := c.Touch(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	ms, hasTTL, _, err := c.TTL(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, hasTTL)
	require.InDelta(t, 60, ms, 1, "touch must preserve the absolute deadline")

	ok, err = c.Refresh(context.Background(), "b")
	require.NoError(t, err)
	require.True(t, ok)
	ms, hasTTL, _, err = c.TTL(context.Background(), "b")
	require.NoError(t, err)
	require.True(t, hasTTL)
	require.InDelta(t, 100, ms, 1, "refresh must reset the countdown")
}

// Lazy expiration deletes on read, and size reflects it.
func TestCache_LazyExpirationDeletesOnRead(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("lazy-expiration", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v", cache.WithExpiration(100*time.Millisecond)))
	time.Sleep(150 * time.Millisecond)

	_, found, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, found)

	n, err := c.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// The janitor sweep purges on an interval with lazy expiration off.
func TestCache_JanitorSweepPurgesExpired(t *testing.T) {
	t.Parallel()
	var purgeCount int32
	c, err := cache.New[string, string]("janitor-sweep",
		freshTable[string, string](),
		cache.WithDefaultExpiration[string, string](50*time.Millisecond),
		cache.WithJanitorInterval[string, string](30*time.Millisecond),
		cache.WithLazyExpiration[string, string](false),
		cache.WithHook[string, string](hooks.Registration{
			Kind: hooks.KindPost, All: true,
			Hook: hooks.HookFunc(func(ctx context.Context, evt hooks.Event) {
				if evt.Action == hooks.ActionPurge {
					if n, ok := evt.Result.(int); ok {
						atomic.AddInt32(&purgeCount, int32(n))
					}
				}
			}),
		}),
	)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "k1", "v"))
	require.NoError(t, c.Put(context.Background(), "k2", "v"))

	require.Eventually(t, func() bool {
		n, _ := c.Size(context.Background())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.GreaterOrEqual(t, atomic.LoadInt32(&purgeCount), int32(2))
}

// Single-flight fetch coalesces concurrent loads.
func TestCache_SingleFlightFetchCoalesces(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("single-flight", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	var calls int32
	loader := func(ctx context.Context, k string) (courier.Outcome[string], error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		return courier.Value("X"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), "x", loader)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		require.Equal(t, "X", v)
	}

	v, found, err := c.Get(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "X", v)
}

// A concurrent write blocks until the whole transaction completes.
func TestCache_TransactionExcludesOtherWrites(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, int]("txn-exclusion", freshTable[string, int]())
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var order []int
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := c.Transaction(context.Background(), []string{"k"}, func(ctx context.Context, c *cache.Cache[string, int]) (any, error) {
			require.NoError(t, c.Put(ctx, "k", 1))
			record(1)
			time.Sleep(50 * time.Millisecond)
			require.NoError(t, c.Put(ctx, "k", 2))
			record(2)
			return nil, nil
		})
		require.NoError(t, err)
	}()

	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, c.Put(context.Background(), "k", 99))
		record(99)
	}()

	wg.Wait()

	require.Equal(t, []int{1, 2, 99}, order)
	v, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 99, v)
}

// LRW eviction retains the most-recently-written entries.
func TestCache_LRWEvictionRetainsMostRecentlyWritten(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(0)
	c, err := cache.New[string, string]("lrw-eviction",
		freshTable[string, string](),
		cache.WithClock[string, string](clk),
		cache.WithLimit[string, string](policy.Limit{MaxSize: 3, ReclaimFraction: 1.0 / 3.0}),
	)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v"))
	clk.Advance(time.Millisecond)
	require.NoError(t, c.Put(context.Background(), "b", "v"))
	clk.Advance(time.Millisecond)
	require.NoError(t, c.Put(context.Background(), "c", "v"))
	clk.Advance(time.Millisecond)
	require.NoError(t, c.Put(context.Background(), "d", "v"))

	n, err := c.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, found, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, found)

	for _, k := range []string{"b", "c", "d"} {
		_, found, err := c.Get(context.Background(), k)
		require.NoError(t, err)
		require.True(t, found, "key %s should still be resident", k)
	}
}

// A custom write command pops the head of a list, tolerating an absent
// key without creating it.
func TestCache_CustomWriteCommandLpop(t *testing.T) {
	t.Parallel()
	lpop := cache.Command[string, []int]{
		Kind: cache.CommandWrite,
		Write: func(ctx context.Context, key string, value []int, present bool) (any, []int, bool, error) {
			if !present || len(value) == 0 {
				return nil, nil, false, nil
			}
			head := value[0]
			return head, value[1:], true, nil
		},
	}

	c, err := cache.New[string, []int]("custom-lpop", freshTable[string, []int](), cache.WithCommand[string, []int]("lpop", lpop))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "L", []int{1, 2, 3}))

	res, err := c.Invoke(context.Background(), "L", "lpop")
	require.NoError(t, err)
	require.Equal(t, 1, res)

	v, found, err := c.Get(context.Background(), "L")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int{2, 3}, v)

	res, err = c.Invoke(context.Background(), "missing", "lpop")
	require.NoError(t, err)
	require.Nil(t, res)
	_, found, err = c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCache_IncrInitializesAbsentKeyThenAccumulates(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, int]("incr-numeric", freshTable[string, int]())
	require.NoError(t, err)
	defer c.Close()

	n, err := c.Incr(context.Background(), "counter", 5, 10)
	require.NoError(t, err)
	require.Equal(t, 15, n)

	n, err = c.Incr(context.Background(), "counter", 5, 10)
	require.NoError(t, err)
	require.Equal(t, 20, n)
}

func TestCache_IncrOnExpiredKeyPersistsTheWriteBack(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(0)
	c, err := cache.New[string, int]("incr-expired",
		freshTable[string, int](),
		cache.WithClock[string, int](clk),
	)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "counter", 100, cache.WithExpiration(time.Millisecond)))
	clk.Advance(2 * time.Millisecond)

	n, err := c.Incr(context.Background(), "counter", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 11, n, "expired entry must be treated as absent: init + by")

	v, found, err := c.Get(context.Background(), "counter")
	require.NoError(t, err)
	require.True(t, found, "incr on an expired key must persist its write-back")
	require.Equal(t, 11, v)
}

func TestCache_IncrNonNumericValueErrors(t *testing.T) {
	t.Parallel()
	type blob struct{ X int }
	c, err := cache.New[string, blob]("incr-blob", freshTable[string, blob]())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "b", blob{X: 1}))
	_, err = c.Incr(context.Background(), "b", blob{}, blob{})
	require.Error(t, err)
}

func TestCache_RequiredWarmerRunsBeforeNewReturns(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("warmer-required",
		freshTable[string, string](),
		cache.WithWarmer[string, string](warmer.Config[string, string]{
			Name:              "seed",
			Interval:          time.Hour,
			RequiredAtStartup: true,
			Produce: func(ctx context.Context) ([]warmer.Pair[string, string], error) {
				return []warmer.Pair[string, string]{{Key: "seeded", Value: "v"}}, nil
			},
		}),
	)
	require.NoError(t, err)
	defer c.Close()

	v, found, err := c.Get(context.Background(), "seeded")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)
}

func TestCache_RequiredWarmerErrorAbortsConstruction(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	_, err := cache.New[string, string]("warmer-required-fails",
		freshTable[string, string](),
		cache.WithWarmer[string, string](warmer.Config[string, string]{
			Name:              "seed",
			Interval:          time.Hour,
			RequiredAtStartup: true,
			Produce: func(ctx context.Context) ([]warmer.Pair[string, string], error) {
				return nil, boom
			},
		}),
	)
	require.ErrorIs(t, err, boom)
}

type provisionSpy struct {
	mu  sync.Mutex
	got any
}

func (s *provisionSpy) Handle(context.Context, hooks.Event) {}
func (s *provisionSpy) ProvisionCacheHandle(handle any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = handle
}
func (s *provisionSpy) handle() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

// AddHook re-notifies every cache-provision hook, including ones
// registered earlier, of the (unchanged) cache handle.
func TestCache_AddHookRenotifiesProvisionAwareHooksAtRuntime(t *testing.T) {
	t.Parallel()
	spy := &provisionSpy{}
	c, err := cache.New[string, string]("addhook-provision",
		freshTable[string, string](),
		cache.WithHook[string, string](hooks.Registration{
			Kind: hooks.KindPost, All: true, Provisions: []string{"cache"}, Hook: spy,
		}),
	)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, c, spy.handle(), "New must provision hooks once at construction")

	spy.mu.Lock()
	spy.got = nil
	spy.mu.Unlock()

	require.NoError(t, c.AddHook(hooks.Registration{
		Kind: hooks.KindPre, All: true, Hook: hooks.HookFunc(func(context.Context, hooks.Event) {}),
	}))
	require.Equal(t, c, spy.handle(), "AddHook must re-provision existing cache-provision hooks")
}

// SetPolicy swaps the enforced limit live and detaches the old policy's
// hook registration so it stops observing events.
func TestCache_SetPolicyReplacesEnforcedLimitAtRuntime(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(0)
	c, err := cache.New[string, string]("setpolicy-runtime",
		freshTable[string, string](),
		cache.WithClock[string, string](clk),
		cache.WithLimit[string, string](policy.Limit{MaxSize: 100, ReclaimFraction: 0.5}),
	)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", "v"))
	clk.Advance(time.Millisecond)
	require.NoError(t, c.Put(context.Background(), "b", "v"))
	clk.Advance(time.Millisecond)
	require.NoError(t, c.Put(context.Background(), "c", "v"))

	n, err := c.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n, "max_size=100 must not have evicted anything yet")

	require.NoError(t, c.SetPolicy(func(s *store.Store[string, string], pipeline *hooks.Pipeline, logger *zap.Logger) policy.Policy {
		return lrw.New[string, string](s, policy.Limit{MaxSize: 1, ReclaimFraction: 1.0 / 3.0}, pipeline, logger)
	}))

	clk.Advance(time.Millisecond)
	require.NoError(t, c.Put(context.Background(), "d", "v"))

	n, err = c.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n, "the runtime-installed max_size=1 policy must now be enforced")
}

func TestCache_TransactionPanicReleasesLocksAndReportsExecution(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, int]("txn-panic", freshTable[string, int]())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Transaction(context.Background(), []string{"k"}, func(ctx context.Context, c *cache.Cache[string, int]) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Execution))

	require.NoError(t, c.Put(context.Background(), "k", 1), "locks must be released after a panicking transaction")
}

func TestCache_TransactionsCanBeDisabled(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, int]("txn-disabled",
		freshTable[string, int](),
		cache.WithTransactionsEnabled[string, int](false),
	)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Transaction(context.Background(), []string{"k"}, func(ctx context.Context, c *cache.Cache[string, int]) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidOption))
}
