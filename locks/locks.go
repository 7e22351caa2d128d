// Package locks implements the process-wide lock table: a mapping from
// (cache-id, key) to an owner token, enabling both transient per-key write
// locks and explicit transactional locks. The table is shared across every
// cache instance in the process. Release is notified via per-key waiter
// channels instead of busy-polling.
package locks

import (
	"sync"
	"sync/atomic"
)

// Owner is an opaque token identifying whoever currently holds a lock.
// Zero is never issued, so it can be used as a "no owner" sentinel.
type Owner uint64

var seq atomic.Uint64

// NewOwner returns a fresh, process-wide-unique owner token.
func NewOwner() Owner {
	return Owner(seq.Add(1))
}

type lockKey struct {
	cacheID string
	key     any
}

// Table is the process-wide lock table. The zero value is not usable; use
// NewTable.
type Table struct {
	mu      sync.Mutex
	owners  map[lockKey]Owner
	waiters map[lockKey][]chan struct{}
}

// NewTable constructs an empty lock table.
func NewTable() *Table {
	return &Table{
		owners:  make(map[lockKey]Owner),
		waiters: make(map[lockKey][]chan struct{}),
	}
}

var global = NewTable()

// Default returns the process-wide lock table shared by every cache in
// the process by default. Tests that need isolation from other caches in
// the same process should construct their own Table with NewTable
// instead.
func Default() *Table { return global }

// Writable reports whether key is writable by owner: true iff no lock
// exists, or the existing lock's owner equals owner.
func (t *Table) Writable(cacheID string, key any, owner Owner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, locked := t.owners[lockKey{cacheID, key}]
	return !locked || cur == owner
}

// TryLock installs owner for key iff the key is currently writable by
// owner, in a single atomic step. Returns false (no side effect) if the
// key is held by a different owner.
func (t *Table) TryLock(cacheID string, key any, owner Owner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk := lockKey{cacheID, key}
	if cur, locked := t.owners[lk]; locked && cur != owner {
		return false
	}
	t.owners[lk] = owner
	return true
}

// TryLockAll attempts to install owner atomically for every key in keys.
// On success every key is locked and true is returned. On failure no key
// is locked (all-or-nothing) and false is returned; use WaitRelease on the
// first conflicting key to avoid a busy-retry loop.
func (t *Table) TryLockAll(cacheID string, keys []any, owner Owner) (ok bool, conflict any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if cur, locked := t.owners[lockKey{cacheID, k}]; locked && cur != owner {
			return false, k
		}
	}
	for _, k := range keys {
		t.owners[lockKey{cacheID, k}] = owner
	}
	return true, nil
}

// Unlock releases key unconditionally and wakes any waiters blocked on its
// release.
func (t *Table) Unlock(cacheID string, key any) {
	t.mu.Lock()
	lk := lockKey{cacheID, key}
	delete(t.owners, lk)
	ws := t.waiters[lk]
	delete(t.waiters, lk)
	t.mu.Unlock()

	for _, w := range ws {
		close(w)
	}
}

// UnlockAll releases every key in keys; errors never occur (release is
// best-effort on keys the caller is assumed to own), so this never fails.
func (t *Table) UnlockAll(cacheID string, keys []any) {
	for _, k := range keys {
		t.Unlock(cacheID, k)
	}
}

// WaitRelease returns a channel that is closed the next time key is
// released for cacheID. If the key is already free, the channel is
// returned already closed.
func (t *Table) WaitRelease(cacheID string, key any) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk := lockKey{cacheID, key}
	if _, locked := t.owners[lk]; !locked {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	t.waiters[lk] = append(t.waiters[lk], ch)
	return ch
}
