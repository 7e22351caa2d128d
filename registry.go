package keepcache

import (
	"sync"

	"github.com/nsavage/keepcache/errs"
)

// registry is the process-wide name -> handle map. Values are typically
// *cache.Cache[K,V] instances; the map is untyped because differently
// instantiated Cache types cannot share one generic map type.
var registry sync.Map

// Register installs handle under name, failing if the name is already
// taken. handle is typically a *cache.Cache[K,V]; the registry itself is
// untyped because Go generics cannot express a heterogeneous map of
// differently-instantiated Cache[K,V] types. The caller that resolves a
// name knows the concrete K,V behind it and performs the type assertion.
func Register(name string, handle any) error {
	if name == "" {
		return errs.New(errs.InvalidName, "cache name must not be empty")
	}
	if _, loaded := registry.LoadOrStore(name, handle); loaded {
		return errs.New(errs.InvalidName, "cache already registered: "+name)
	}
	return nil
}

// Lookup returns the handle registered under name, or (nil, false) if no
// cache by that name was registered.
func Lookup(name string) (any, bool) {
	return registry.Load(name)
}

// Resolve is Lookup with the absence case surfaced as an error of kind
// NoCache, for callers that forward the failure rather than branch on it.
func Resolve(name string) (any, error) {
	h, ok := registry.Load(name)
	if !ok {
		return nil, errs.New(errs.NoCache, "no cache registered under: "+name)
	}
	return h, nil
}

// Deregister removes name from the registry. Safe to call on a name that
// was never registered.
func Deregister(name string) {
	registry.Delete(name)
}
