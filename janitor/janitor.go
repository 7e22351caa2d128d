// Package janitor runs the background active-expiration sweep: on a
// fixed interval, scan the store for expired entries and remove them,
// even if they are never read again, so memory does not grow unbounded
// under a write-once-read-rarely workload. Each sweep that removes
// anything emits a purge event into the hook pipeline.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/nsavage/keepcache/hooks"
	"github.com/nsavage/keepcache/store"
	"go.uber.org/zap"
)

// Store is the subset of store.Store the janitor needs.
type Store[K comparable, V any] interface {
	Now() int64
	SelectDelete(predicate func(K, store.Entry[V]) bool) int
}

// Janitor periodically purges expired entries from a store. A Janitor
// with interval <= 0 is inert: the cache relies solely on lazy
// expiration at read time and on explicit purge commands.
type Janitor[K comparable, V any] struct {
	store    Store[K, V]
	pipeline *hooks.Pipeline
	interval time.Duration
	logger   *zap.Logger

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New constructs a Janitor bound to s. interval <= 0 means active
// expiration is disabled; Run becomes a no-op in that case.
func New[K comparable, V any](s Store[K, V], pipeline *hooks.Pipeline, interval time.Duration, logger *zap.Logger) *Janitor[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor[K, V]{
		store:    s,
		pipeline: pipeline,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Enabled reports whether this janitor was configured with a positive
// sweep interval.
func (j *Janitor[K, V]) Enabled() bool { return j.interval > 0 }

// Run launches the sweep goroutine with rolling scheduling: the
// next sweep is scheduled only once the prior one has finished, via a
// timer reset after each sweep rather than a fixed-rate ticker, so a slow
// sweep never queues up a backlog of ticks. It returns immediately; call
// Stop to terminate it. Calling Run when Enabled is false is a no-op and
// closes the stopped signal immediately so Stop never blocks.
func (j *Janitor[K, V]) Run() {
	if !j.Enabled() {
		close(j.stopped)
		return
	}

	timer := time.NewTimer(j.interval)
	go func() {
		defer close(j.stopped)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				j.sweep()
				timer.Reset(j.interval)
			case <-j.stop:
				return
			}
		}
	}()
}

// Stop signals the sweep goroutine to exit and waits for it to finish.
// Safe to call multiple times or when Run was never called.
func (j *Janitor[K, V]) Stop() {
	j.once.Do(func() { close(j.stop) })
	<-j.stopped
}

func (j *Janitor[K, V]) sweep() {
	now := j.store.Now()
	purged := j.store.SelectDelete(func(_ K, e store.Entry[V]) bool {
		return e.Expired(now)
	})
	if purged == 0 {
		return
	}
	j.logger.Debug("janitor purged expired entries", zap.Int("count", purged))
	j.pipeline.EmitPost(context.Background(), hooks.Event{
		Action: hooks.ActionPurge,
		Result: purged,
	})
}
