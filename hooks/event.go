package hooks

import "time"

// Action names the command that produced an Event, one constant per
// dispatcher operation.
type Action string

const (
	ActionGet         Action = "get"
	ActionPut         Action = "put"
	ActionTake        Action = "take"
	ActionUpdate      Action = "update"
	ActionTouch       Action = "touch"
	ActionRefresh     Action = "refresh"
	ActionExpire      Action = "expire"
	ActionDel         Action = "del"
	ActionClear       Action = "clear"
	ActionPurge       Action = "purge"
	ActionSize        Action = "size"
	ActionExists      Action = "exists?"
	ActionTTL         Action = "ttl"
	ActionIncr        Action = "incr"
	ActionFetch       Action = "fetch"
	ActionExecute     Action = "execute"
	ActionTransaction Action = "transaction"
	ActionInvoke      Action = "invoke"
)

// Event is the tagged {action, args, result?} notification dispatched
// once before a command runs (args only) and once after (args + result).
type Event struct {
	Action Action
	Args   []any
	Result any // nil on the pre-hook call
	Err    error

	// Elapsed is the wall time of the courier call on a fetch miss (the
	// loader run, or the wait on a concurrent caller's run), populated on
	// fetch post-events that missed the cache. Zero otherwise.
	Elapsed time.Duration

	// PolicyOriginated marks a clear/purge event emitted by the eviction
	// policy's own enforcement pass rather than by a user command, so the
	// policy itself can ignore its own events (no recursive enforcement)
	// while stats/service hooks still observe a distinct clear(n).
	PolicyOriginated bool
}
