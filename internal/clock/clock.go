// Package clock provides a time source seam so TTL-dependent components
// (the entry store, and through it the janitor and the eviction policy) can be driven by tests
// deterministically instead of by wall-clock sleeps.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports the current time in milliseconds, matching the resolution
// used throughout the data model (Entry.Modified/Expiration are ms).
type Clock interface {
	NowMillis() int64
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

// NowMillis returns time.Now in Unix milliseconds.
func (Real) NowMillis() int64 { return time.Now().UnixMilli() }

// Fake is a manually advanced Clock for deterministic tests. Safe for
// concurrent use.
type Fake struct {
	millis atomic.Int64
}

// NewFake returns a Fake clock starting at startMillis.
func NewFake(startMillis int64) *Fake {
	f := &Fake{}
	f.millis.Store(startMillis)
	return f
}

// NowMillis implements Clock.
func (f *Fake) NowMillis() int64 { return f.millis.Load() }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.millis.Add(d.Milliseconds()) }

// Set pins the fake clock to an absolute millisecond value.
func (f *Fake) Set(ms int64) { f.millis.Store(ms) }
