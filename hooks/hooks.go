// Package hooks implements the informant/hook pipeline: a per-cache
// fan-out of cache events to registered observers, run both before and
// after a command body, with synchronous (optionally timed-out) and
// asynchronous fire-and-forget delivery.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/nsavage/keepcache/errs"
	"go.uber.org/zap"
)

// Kind partitions a hook's position in the pipeline.
type Kind string

const (
	KindPre     Kind = "pre"
	KindPost    Kind = "post"
	KindService Kind = "service"
)

// Hook observes cache events. Handle must not block indefinitely for sync
// registrations; a SyncTimeout is enforced by the pipeline regardless.
type Hook interface {
	Handle(ctx context.Context, evt Event)
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx context.Context, evt Event)

// Handle implements Hook.
func (f HookFunc) Handle(ctx context.Context, evt Event) { f(ctx, evt) }

// ProvisionAware is implemented by hooks that want to be notified of a new
// cache handle when the cache is (re)configured at runtime.
type ProvisionAware interface {
	ProvisionCacheHandle(handle any)
}

// Registration describes one hook's subscription.
type Registration struct {
	Name        string
	Kind        Kind
	Hook        Hook
	All         bool // subscribes to every action (":all")
	Actions     []Action
	Async       bool
	SyncTimeout time.Duration // 0 = no timeout (block until Handle returns)
	Provisions  []string      // e.g. "cache"
}

func (r *Registration) wantsCacheProvision() bool {
	for _, p := range r.Provisions {
		if p == "cache" {
			return true
		}
	}
	return false
}

func (r *Registration) matches(a Action) bool {
	if r.All {
		return true
	}
	for _, want := range r.Actions {
		if want == a {
			return true
		}
	}
	return false
}

func (r *Registration) validate() error {
	switch r.Kind {
	case KindPre, KindPost, KindService:
	default:
		return errs.New(errs.InvalidHook, "unknown hook kind: "+string(r.Kind))
	}
	if r.Hook == nil {
		return errs.New(errs.InvalidHook, "hook function must not be nil")
	}
	if !r.All && len(r.Actions) == 0 {
		return errs.New(errs.InvalidHook, "hook must subscribe to :all or at least one action")
	}
	if r.SyncTimeout < 0 {
		return errs.New(errs.InvalidHook, "sync_timeout must not be negative")
	}
	return nil
}

// Pipeline is the per-cache hook fan-out. The zero value is not usable;
// use New.
type Pipeline struct {
	mu      sync.RWMutex
	pre     []*Registration
	post    []*Registration
	service []*Registration
	logger  *zap.Logger
}

// New constructs an empty Pipeline. A nil logger defaults to zap.NewNop().
func New(logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{logger: logger}
}

// Register validates and installs a hook registration, appending it to
// its kind's ordered list. Hooks run sequentially per event, in
// registration order.
func (p *Pipeline) Register(r Registration) error {
	if err := r.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch r.Kind {
	case KindPre:
		p.pre = append(p.pre, &r)
	case KindPost:
		p.post = append(p.post, &r)
	case KindService:
		p.service = append(p.service, &r)
	}
	return nil
}

// Unregister removes every registration named name from all three kind
// lists (pre/post/service). Used to swap out a runtime-reconfigurable
// hook (e.g. the eviction policy) without leaving its stale registration
// firing alongside its replacement. A no-op if no registration by that
// name exists.
func (p *Pipeline) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pre = removeNamed(p.pre, name)
	p.post = removeNamed(p.post, name)
	p.service = removeNamed(p.service, name)
}

func removeNamed(regs []*Registration, name string) []*Registration {
	out := regs[:0:0]
	for _, r := range regs {
		if r.Name != name {
			out = append(out, r)
		}
	}
	return out
}

// EmitPre runs every pre-hook matching evt.Action, in registration order,
// before the command body executes.
func (p *Pipeline) EmitPre(ctx context.Context, evt Event) {
	p.mu.RLock()
	regs := p.pre
	p.mu.RUnlock()
	p.dispatch(ctx, regs, evt)
}

// EmitPost runs every post-hook matching evt.Action (result already
// populated), then every service hook; service hooks (e.g. the metrics
// adapter) always run alongside the user-registered post-hooks.
func (p *Pipeline) EmitPost(ctx context.Context, evt Event) {
	p.mu.RLock()
	post := p.post
	service := p.service
	p.mu.RUnlock()
	p.dispatch(ctx, post, evt)
	p.dispatch(ctx, service, evt)
}

// Provision notifies every hook that declared the "cache" provision of a
// new cache handle.
func (p *Pipeline) Provision(handle any) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, regs := range [][]*Registration{p.pre, p.post, p.service} {
		for _, r := range regs {
			if !r.wantsCacheProvision() {
				continue
			}
			if pa, ok := r.Hook.(ProvisionAware); ok {
				pa.ProvisionCacheHandle(handle)
			}
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, regs []*Registration, evt Event) {
	for _, r := range regs {
		if !r.matches(evt.Action) {
			continue
		}
		if r.Async {
			reg := r
			go p.invoke(ctx, reg, evt)
			continue
		}
		p.invokeSync(ctx, r, evt)
	}
}

func (p *Pipeline) invoke(ctx context.Context, r *Registration, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Warn("hook panicked",
				zap.String("hook", r.Name),
				zap.String("action", string(evt.Action)),
				zap.Any("recovered", rec))
		}
	}()
	r.Hook.Handle(ctx, evt)
}

// invokeSync runs a synchronous hook, enforcing SyncTimeout when set. A
// hook that exceeds its timeout is abandoned: the command proceeds, and
// the hook's goroutine is left to finish (or panic) on its own; Go gives
// no safe way to kill a running goroutine, so "torn down" means "no longer
// waited on".
func (p *Pipeline) invokeSync(ctx context.Context, r *Registration, evt Event) {
	if r.SyncTimeout <= 0 {
		p.invoke(ctx, r, evt)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.invoke(ctx, r, evt)
	}()

	select {
	case <-done:
	case <-time.After(r.SyncTimeout):
		p.logger.Warn("sync hook abandoned after timeout",
			zap.String("hook", r.Name),
			zap.String("action", string(evt.Action)),
			zap.Duration("timeout", r.SyncTimeout))
	}
}
