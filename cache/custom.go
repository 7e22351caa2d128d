package cache

import (
	"context"

	"github.com/nsavage/keepcache/errs"
)

// CommandKind distinguishes a custom command's write access: a read
// command observes the current value and returns a caller-visible
// result; a write command additionally decides what to write back.
type CommandKind string

const (
	CommandRead  CommandKind = "read"
	CommandWrite CommandKind = "write"
)

// ReadFunc implements a read-kind custom command: it observes the
// current value (present reports whether the key existed) and returns a
// caller-visible result without mutating the store.
type ReadFunc[K comparable, V any] func(ctx context.Context, key K, value V, present bool) (result any, err error)

// WriteFunc implements a write-kind custom command: it observes the
// current value and decides what, if anything, to write back. If write
// is false, no store mutation occurs; this is how a command tolerates
// an absent key without creating it.
type WriteFunc[K comparable, V any] func(ctx context.Context, key K, value V, present bool) (result any, newValue V, write bool, err error)

// Command is a named operation invocable via Cache.Invoke, configured at
// construction via WithCommand. Exactly one of Read or Write must be set,
// matching Kind.
type Command[K comparable, V any] struct {
	Kind  CommandKind
	Read  ReadFunc[K, V]
	Write WriteFunc[K, V]
}

func (c Command[K, V]) validate() error {
	switch c.Kind {
	case CommandRead:
		if c.Read == nil {
			return errs.New(errs.InvalidCommand, "read command must set Read")
		}
	case CommandWrite:
		if c.Write == nil {
			return errs.New(errs.InvalidCommand, "write command must set Write")
		}
	default:
		return errs.New(errs.InvalidCommand, "command kind must be read or write")
	}
	return nil
}
