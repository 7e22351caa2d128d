// Package store implements the concurrent entry store: a key/value mapping
// carrying per-entry modification and expiration timestamps, supporting
// point lookup, blind insert, atomic element-wise update, delete, and
// predicate-based select/select-delete.
//
// The store is partitioned into independent shards, each with its own
// lock, so concurrent writes to distinct keys proceed without a
// cache-global write lock. Each shard additionally threads its entries
// onto an intrusive doubly linked list ordered by write recency, so the
// LRW eviction policy finds least-recently-written victims by walking
// shard tails instead of scanning and sorting the whole map.
package store

import (
	"sort"

	"github.com/nsavage/keepcache/internal/clock"
	"github.com/nsavage/keepcache/internal/util"
)

// Entry is a snapshot of a stored value and its timestamps. It is returned
// by value so callers cannot mutate live state without going through
// Update.
type Entry[V any] struct {
	Value      V
	Modified   int64 // unix millis of last write/touch
	Expiration int64 // 0 = no expiry; else ms lifetime measured from Modified
}

// Expired reports whether the entry is expired at time nowMillis.
func (e Entry[V]) Expired(nowMillis int64) bool {
	return e.Expiration > 0 && e.Modified+e.Expiration <= nowMillis
}

// TTL returns the remaining lifetime in ms and true, or (0, false) if the
// entry has no expiration.
func (e Entry[V]) TTL(nowMillis int64) (int64, bool) {
	if e.Expiration <= 0 {
		return 0, false
	}
	return e.Modified + e.Expiration - nowMillis, true
}

// KV pairs a key with an entry snapshot, as returned by Select.
type KV[K comparable, V any] struct {
	Key   K
	Entry Entry[V]
}

type oldCandidate[K comparable] struct {
	key      K
	modified int64
}

// Store is a concurrent key/value mapping with TTL-bearing entries,
// sharded by key hash. All methods are safe for concurrent use; writes to
// keys on different shards never contend.
type Store[K comparable, V any] struct {
	shards []*shard[K, V]
	clock  clock.Clock
}

// New constructs an empty Store with a shard count derived from CPU
// parallelism. A nil clock defaults to clock.Real{}.
func New[K comparable, V any](c clock.Clock) *Store[K, V] {
	return NewWithShards[K, V](c, util.ReasonableShardCount())
}

// NewWithShards constructs an empty Store with an explicit shard count,
// rounded up to the next power of two. shards <= 0 falls back to the
// CPU-derived default.
func NewWithShards[K comparable, V any](c clock.Clock, shards int) *Store[K, V] {
	if c == nil {
		c = clock.Real{}
	}
	if shards <= 0 {
		shards = util.ReasonableShardCount()
	}
	shards = int(util.NextPow2(uint64(shards)))
	s := &Store[K, V]{
		shards: make([]*shard[K, V], shards),
		clock:  c,
	}
	for i := range s.shards {
		s.shards[i] = newShard[K, V]()
	}
	return s
}

// Now returns the store's current time in millis, via its Clock.
func (s *Store[K, V]) Now() int64 { return s.clock.NowMillis() }

// ShardCount returns the number of partitions backing this store.
func (s *Store[K, V]) ShardCount() int { return len(s.shards) }

func (s *Store[K, V]) shardFor(k K) *shard[K, V] {
	return s.shards[util.ShardIndex(util.Fnv64a(k), len(s.shards))]
}

// Lookup returns the entry for k, if present. Expired entries are still
// returned as present; expiration semantics are applied by the caller (the
// command dispatcher's lazy-expiration step).
func (s *Store[K, V]) Lookup(k K) (Entry[V], bool) {
	return s.shardFor(k).lookup(k)
}

// Insert blind-writes k, overwriting any existing entry.
func (s *Store[K, V]) Insert(k K, e Entry[V]) {
	s.shardFor(k).insert(k, e)
}

// InsertMany blind-writes several entries. Each entry is atomic within
// its shard; the batch as a whole spans shards and is not a single
// critical section.
func (s *Store[K, V]) InsertMany(entries map[K]Entry[V]) {
	for k, e := range entries {
		s.shardFor(k).insert(k, e)
	}
}

// Update atomically applies mutate to the live entry for k and returns
// true, or returns false without calling mutate if k is absent. The
// mutator must only ever move Modified forward; write recency ordering
// relies on it.
func (s *Store[K, V]) Update(k K, mutate func(e *Entry[V])) bool {
	return s.shardFor(k).update(k, mutate)
}

// Delete removes k and reports whether it was present.
func (s *Store[K, V]) Delete(k K) bool {
	return s.shardFor(k).remove(k)
}

// Size returns the number of resident entries, including any expired but
// not yet swept.
func (s *Store[K, V]) Size() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.size()
	}
	return n
}

// Select returns every entry matching predicate. Result order is
// unspecified; the store is an unordered mapping.
func (s *Store[K, V]) Select(predicate func(K, Entry[V]) bool) []KV[K, V] {
	out := make([]KV[K, V], 0)
	for _, sh := range s.shards {
		out = sh.selectMatches(predicate, out)
	}
	return out
}

// SelectCount counts entries matching predicate without allocating a
// result slice.
func (s *Store[K, V]) SelectCount(predicate func(K, Entry[V]) bool) int {
	n := 0
	for _, sh := range s.shards {
		n += sh.selectCount(predicate)
	}
	return n
}

// SelectDelete deletes every entry matching predicate and returns the
// count removed. Used by the janitor sweep and explicit purge so the full
// cache is never copied just to delete a subset of it. Deletion is atomic
// per shard, not across the whole store.
func (s *Store[K, V]) SelectDelete(predicate func(K, Entry[V]) bool) int {
	n := 0
	for _, sh := range s.shards {
		n += sh.selectDelete(predicate)
	}
	return n
}

// OldestModified returns up to n keys with the smallest Modified
// timestamp, ascending (least-recently-written first). Each shard
// contributes at most n tail nodes from its write-recency list, so the
// cost is bounded by n and the shard count, not by the store size.
func (s *Store[K, V]) OldestModified(n int) []K {
	if n <= 0 {
		return nil
	}
	candidates := make([]oldCandidate[K], 0, n*len(s.shards))
	for _, sh := range s.shards {
		candidates = sh.oldestFirst(n, candidates)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modified < candidates[j].modified })
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]K, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].key
	}
	return out
}
