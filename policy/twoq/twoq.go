// Package twoq implements an alternate 2Q-style eviction policy,
// pluggable in place of the default lrw policy via cache.WithPolicy.
//
// The classic three-queue admission scheme (A1in, A1out ghosts, Am) is
// kept as a standalone observer holding its own key-keyed container/list
// queues and calling store.Delete directly, trading O(1) node-identity
// tracking for map lookups by key; the entry store's own lists are ordered
// by write recency, which 2Q's access-driven queues cannot reuse.
package twoq

import (
	"container/list"
	"context"
	"sync"

	"github.com/nsavage/keepcache/hooks"
	"github.com/nsavage/keepcache/policy"
	"go.uber.org/zap"
)

// Store is the subset of store.Store the policy needs.
type Store[K comparable, V any] interface {
	Size() int
	Delete(k K) bool
}

// Policy is a 2Q admission/eviction policy for a single cache.
//
// Resident queues:
//   - in:    A1in, younger queue, admits first-time keys.
//   - ghost: A1out, keys only, gives a recently-evicted A1in key a second
//     chance to bypass A1in on re-admission.
//   - am:    mature queue, keys promoted out of A1in by a hit, or admitted
//     directly on a ghost hit.
//
// capIn and capGhost are derived from limit.MaxSize (25% and 50%
// respectively, floored at 1), the ratios the original 2Q paper
// suggests as reasonable defaults.
type Policy[K comparable, V any] struct {
	mu    sync.Mutex
	store Store[K, V]
	limit policy.Limit

	capIn    int
	capGhost int

	inList *list.List
	inIdx  map[K]*list.Element

	ghostList *list.List
	ghostIdx  map[K]*list.Element

	amList *list.List
	amIdx  map[K]*list.Element

	pipeline *hooks.Pipeline
	logger   *zap.Logger
}

// New constructs a 2Q policy bound to s, enforcing limit.
func New[K comparable, V any](s Store[K, V], limit policy.Limit, pipeline *hooks.Pipeline, logger *zap.Logger) *Policy[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	capIn := limit.MaxSize / 4
	if capIn < 1 {
		capIn = 1
	}
	capGhost := limit.MaxSize / 2
	if capGhost < 1 {
		capGhost = 1
	}
	return &Policy[K, V]{
		store:     s,
		limit:     limit,
		pipeline:  pipeline,
		logger:    logger,
		capIn:     capIn,
		capGhost:  capGhost,
		inList:    list.New(),
		inIdx:     make(map[K]*list.Element),
		ghostList: list.New(),
		ghostIdx:  make(map[K]*list.Element),
		amList:    list.New(),
		amIdx:     make(map[K]*list.Element),
	}
}

// RequiredHookKinds implements policy.Policy.
func (p *Policy[K, V]) RequiredHookKinds() []hooks.Kind { return []hooks.Kind{hooks.KindService} }

// Handle implements hooks.Hook, tracking admission/access bookkeeping on
// every committed command and enforcing the size bound afterward.
func (p *Policy[K, V]) Handle(ctx context.Context, evt hooks.Event) {
	if evt.PolicyOriginated {
		return
	}
	if evt.Err != nil {
		return
	}

	switch evt.Action {
	case hooks.ActionPut:
		if k, ok := key[K](evt.Args); ok {
			p.onAdd(k)
		}
	case hooks.ActionGet, hooks.ActionFetch:
		if k, ok := key[K](evt.Args); ok {
			p.onGet(k)
		}
	case hooks.ActionUpdate, hooks.ActionIncr, hooks.ActionTouch, hooks.ActionRefresh:
		if k, ok := key[K](evt.Args); ok {
			p.onGet(k)
		}
	case hooks.ActionDel, hooks.ActionExpire, hooks.ActionTake:
		if k, ok := key[K](evt.Args); ok {
			p.onRemove(k)
		}
	}

	switch evt.Action {
	case hooks.ActionPut, hooks.ActionUpdate, hooks.ActionFetch, hooks.ActionIncr:
		p.Enforce(ctx)
	}
}

func key[K comparable](args []any) (K, bool) {
	var zero K
	if len(args) == 0 {
		return zero, false
	}
	k, ok := args[0].(K)
	return k, ok
}

// onAdd records a first-time admission, or a second-chance promotion from
// the ghost queue straight into the mature queue.
func (p *Policy[K, V]) onAdd(k K) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ge, ok := p.ghostIdx[k]; ok {
		p.ghostList.Remove(ge)
		delete(p.ghostIdx, k)
		p.pushFrontAm(k)
		return
	}

	if el, ok := p.inIdx[k]; ok {
		p.inList.MoveToFront(el)
		return
	}
	if el, ok := p.amIdx[k]; ok {
		p.amList.MoveToFront(el)
		return
	}
	p.inIdx[k] = p.inList.PushFront(k)
}

// onGet promotes a key out of A1in into Am on its first hit after
// admission; a key already in Am simply moves to the front.
func (p *Policy[K, V]) onGet(k K) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.inIdx[k]; ok {
		p.inList.Remove(el)
		delete(p.inIdx, k)
		p.pushFrontAm(k)
		return
	}
	if el, ok := p.amIdx[k]; ok {
		p.amList.MoveToFront(el)
		return
	}
	p.inIdx[k] = p.inList.PushFront(k)
}

// onRemove drops k from whichever queue holds it; an A1in eviction leaves
// a ghost behind so a near-future re-admission gets its second chance.
func (p *Policy[K, V]) onRemove(k K) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(k, true)
}

func (p *Policy[K, V]) removeLocked(k K, ghost bool) {
	if el, ok := p.inIdx[k]; ok {
		p.inList.Remove(el)
		delete(p.inIdx, k)
		if ghost {
			p.addGhost(k)
		}
		return
	}
	if el, ok := p.amIdx[k]; ok {
		p.amList.Remove(el)
		delete(p.amIdx, k)
	}
}

func (p *Policy[K, V]) pushFrontAm(k K) {
	p.amIdx[k] = p.amList.PushFront(k)
}

func (p *Policy[K, V]) addGhost(k K) {
	if old, ok := p.ghostIdx[k]; ok {
		p.ghostList.Remove(old)
	}
	p.ghostIdx[k] = p.ghostList.PushFront(k)
	for p.ghostList.Len() > p.capGhost {
		tail := p.ghostList.Back()
		if tail == nil {
			break
		}
		p.ghostList.Remove(tail)
		delete(p.ghostIdx, tail.Value.(K))
	}
}

// Enforce trims A1in down to capIn, then the combined store down to
// limit.MaxSize by evicting from Am's tail, the least recently promoted
// key, until the target is met.
func (p *Policy[K, V]) Enforce(ctx context.Context) {
	p.mu.Lock()
	var evicted []K

	for p.inList.Len() > p.capIn {
		tail := p.inList.Back()
		if tail == nil {
			break
		}
		k := tail.Value.(K)
		p.inList.Remove(tail)
		delete(p.inIdx, k)
		p.addGhost(k)
		evicted = append(evicted, k)
	}

	// Deletes happen after the lock is released, so the store's size does
	// not shrink inside this loop; count the excess down explicitly.
	excess := p.store.Size() - len(evicted) - p.limit.MaxSize
	for ; excess > 0; excess-- {
		tail := p.amList.Back()
		if tail == nil {
			tail = p.inList.Back()
			if tail == nil {
				break
			}
			k := tail.Value.(K)
			p.inList.Remove(tail)
			delete(p.inIdx, k)
			evicted = append(evicted, k)
			continue
		}
		k := tail.Value.(K)
		p.amList.Remove(tail)
		delete(p.amIdx, k)
		evicted = append(evicted, k)
	}
	p.mu.Unlock()

	removed := 0
	for _, k := range evicted {
		if p.store.Delete(k) {
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("2Q policy evicted entries", zap.Int("count", removed))
		p.pipeline.EmitPost(ctx, hooks.Event{
			Action:           hooks.ActionClear,
			Result:           removed,
			PolicyOriginated: true,
		})
	}
}
