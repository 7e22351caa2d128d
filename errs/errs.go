// Package errs defines the cache's error taxonomy as a typed error
// wrapping github.com/pkg/errors-produced causes, so command entry points
// can return errors.Is/errors.As-friendly values instead of bare strings.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy.
type Kind string

const (
	NoCache           Kind = "no_cache"
	InvalidCommand    Kind = "invalid_command"
	InvalidHook       Kind = "invalid_hook"
	InvalidLimit      Kind = "invalid_limit"
	InvalidExpiration Kind = "invalid_expiration"
	InvalidWarmer     Kind = "invalid_warmer"
	InvalidOption     Kind = "invalid_option"
	InvalidMatch      Kind = "invalid_match"
	InvalidName       Kind = "invalid_name"
	InvalidPairs      Kind = "invalid_pairs"
	NonNumericValue   Kind = "non_numeric_value"
	JanitorDisabled   Kind = "janitor_disabled"
	StatsDisabled     Kind = "stats_disabled"
	NotStarted        Kind = "not_started"
	Execution         Kind = "execution"
	LoaderFailure     Kind = "loader_failure"
)

// Error is the cache's runtime error type; Kind is its taxonomy value,
// Cause is the underlying error (if any), and Detail carries a
// human-readable diagnostic.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("keepcache: %s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("keepcache: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("keepcache: %s", e.Kind)
}

// Unwrap exposes Cause so errors.Is/errors.As see through to it.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error of the given kind wrapping cause, attaching
// detail as additional context via github.com/pkg/errors.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: errors.WithMessage(cause, detail)}
}

// Is reports whether err is, or wraps, a *Error of kind. It looks through
// wrapping with errors.As; *Error itself has no Is method.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := errors.As(err, &e); ok {
		return e.Kind == kind
	}
	return false
}
