// Package locksmith implements the per-cache serialization point for
// writes that need exclusivity: either because a conflicting lock is
// already held on the target key, or because the caller wants a
// multi-key transactional section. The queue is a single-consumer worker
// draining an MPSC channel, not a general actor: uncontended writes run
// inline on the caller's goroutine and never touch the channel.
package locksmith

import (
	"context"
	"fmt"

	"github.com/nsavage/keepcache/locks"
)

type txnMarkerKey struct{ cacheID string }

// InTransaction reports whether ctx already carries this cache's
// transactional marker, meaning the caller is running inside a
// transaction(keys, f) callback for cacheID and nested writes on the
// locked keys may bypass queueing.
func InTransaction(ctx context.Context, cacheID string) bool {
	return ctx.Value(txnMarkerKey{cacheID}) != nil
}

func withTransaction(ctx context.Context, cacheID string, owner locks.Owner) context.Context {
	return context.WithValue(ctx, txnMarkerKey{cacheID}, owner)
}

type job struct {
	ctx    context.Context
	keys   []any
	fn     func(ctx context.Context) (any, error)
	result chan jobResult
}

type jobResult struct {
	val any
	err error
}

// Queue is the per-cache single-consumer worker. It must be started with
// Run (typically in its own goroutine) before Execute/Transaction are
// called, and stopped with Close on cache shutdown.
type Queue struct {
	cacheID string
	table   *locks.Table
	jobs    chan job
	done    chan struct{}
}

// New constructs a Queue for cacheID backed by the process-wide lock
// table. Call Run to start its consumer goroutine.
func New(cacheID string, table *locks.Table) *Queue {
	return &Queue{
		cacheID: cacheID,
		table:   table,
		jobs:    make(chan job),
		done:    make(chan struct{}),
	}
}

// Run drains queued jobs until Close is called. Intended to be run in its
// own goroutine for the lifetime of the owning cache.
func (q *Queue) Run() {
	for {
		select {
		case j := <-q.jobs:
			q.runJob(j)
		case <-q.done:
			return
		}
	}
}

// Close stops the consumer goroutine. Jobs already queued are discarded;
// callers blocked on Execute/Transaction after Close will block forever,
// so Close must only be called during cache shutdown once no more calls
// are expected.
func (q *Queue) Close() { close(q.done) }

// runJob runs a queued job's f once every one of its keys is locked. The
// transactional context is derived from the caller's own j.ctx (not
// context.Background()) so cancellation and values set by the caller
// before it contended on a key still reach f and anything it emits
// through the hook pipeline, matching the inline fast path in Execute.
func (q *Queue) runJob(j job) {
	owner := locks.NewOwner()
	for {
		if ok, conflict := q.table.TryLockAll(q.cacheID, j.keys, owner); ok {
			break
		} else {
			<-q.table.WaitRelease(q.cacheID, conflict)
		}
	}
	defer q.table.UnlockAll(q.cacheID, j.keys)

	ctx := withTransaction(j.ctx, q.cacheID, owner)
	val, err := safeCall(ctx, j.fn)
	j.result <- jobResult{val: val, err: err}
}

func safeCall(ctx context.Context, fn func(context.Context) (any, error)) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("locksmith: recovered panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Execute runs f under exclusivity for key:
//   - if ctx is already within a transaction for this cache, f runs
//     immediately (nested writes on locked keys bypass queueing);
//   - else if key is currently writable, f runs inline under a transient
//     lock;
//   - else f is submitted to the queue and Execute blocks for the result.
func (q *Queue) Execute(ctx context.Context, key any, f func(ctx context.Context) (any, error)) (any, error) {
	if InTransaction(ctx, q.cacheID) {
		return f(ctx)
	}

	owner := locks.NewOwner()
	if q.table.TryLock(q.cacheID, key, owner) {
		defer q.table.Unlock(q.cacheID, key)
		return f(withTransaction(ctx, q.cacheID, owner))
	}

	result := make(chan jobResult, 1)
	q.jobs <- job{ctx: ctx, keys: []any{key}, fn: f, result: result}
	r := <-result
	return r.val, r.err
}

// Transaction locks every key in keys, runs f within a transactional
// context for this cache (so nested Execute/Transaction calls on those
// keys bypass queueing), and unlocks all keys on every exit path:
// normal return, error, or panic recovered inside f.
func (q *Queue) Transaction(ctx context.Context, keys []any, f func(ctx context.Context) (any, error)) (any, error) {
	if InTransaction(ctx, q.cacheID) {
		return f(ctx)
	}

	result := make(chan jobResult, 1)
	q.jobs <- job{ctx: ctx, keys: keys, fn: f, result: result}
	r := <-result
	return r.val, r.err
}
