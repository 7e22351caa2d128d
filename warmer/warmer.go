// Package warmer implements periodic cache warmers: background producers
// that write (key, value) pairs through a cache's normal put path on a
// fixed interval. A warmer marked RequiredAtStartup blocks construction
// of the owning cache until its first run completes, so the cache never
// serves before its seed data is in place.
package warmer

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nsavage/keepcache/errs"
)

// Pair is one (key, value) produced by a warmer.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// Producer returns the current set of pairs a warmer should write. It is
// called once synchronously on Start (and again on every tick
// thereafter), and may return an error, in which case the run is skipped
// (or, for a required warmer's first run, surfaced to the caller of
// Start).
type Producer[K comparable, V any] func(ctx context.Context) ([]Pair[K, V], error)

// Putter is the subset of a cache's write path a warmer needs; satisfied
// by *cache.Cache[K,V].
type Putter[K comparable, V any] interface {
	Put(ctx context.Context, key K, value V) error
}

// Config describes one warmer.
type Config[K comparable, V any] struct {
	Name              string
	Interval          time.Duration
	RequiredAtStartup bool
	Produce           Producer[K, V]
}

func (c Config[K, V]) validate() error {
	if c.Produce == nil {
		return errs.New(errs.InvalidWarmer, "warmer "+c.Name+": producer must not be nil")
	}
	if c.Interval <= 0 {
		return errs.New(errs.InvalidWarmer, "warmer "+c.Name+": interval must be positive")
	}
	return nil
}

// ValidateAll validates every warmer config up front, aggregating every
// failure via go-multierror rather than stopping at the first bad one,
// so a cache configured with several warmers reports the complete list
// of construction problems in a single error.
func ValidateAll[K comparable, V any](cfgs []Config[K, V]) error {
	var result *multierror.Error
	for _, c := range cfgs {
		if err := c.validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Warmer runs one Config against a target cache.
type Warmer[K comparable, V any] struct {
	cfg    Config[K, V]
	target Putter[K, V]

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New validates cfg and constructs a Warmer bound to target.
func New[K comparable, V any](cfg Config[K, V], target Putter[K, V]) (*Warmer[K, V], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Warmer[K, V]{
		cfg:     cfg,
		target:  target,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start runs the warmer's first pass synchronously, then launches the
// periodic goroutine. If the warmer is RequiredAtStartup, an error from
// the first pass is returned and the goroutine is never launched.
func (w *Warmer[K, V]) Start(ctx context.Context) error {
	if err := w.run(ctx); err != nil && w.cfg.RequiredAtStartup {
		close(w.stopped)
		return err
	}

	go func() {
		defer close(w.stopped)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = w.run(ctx)
			case <-w.stop:
				return
			}
		}
	}()
	return nil
}

// Stop signals the periodic goroutine to exit and waits for it.
func (w *Warmer[K, V]) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Warmer[K, V]) run(ctx context.Context) error {
	pairs, err := w.cfg.Produce(ctx)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := w.target.Put(ctx, p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}
