package memo

import "github.com/fdopen/b0/op"

// EventKind classifies an advisory Event delivered through
// Memoizer.Feedback.
type EventKind int

const (
	// EventOpComplete fires whenever any operation reaches a terminal
	// state, whether by revival, execution, abort, or failure.
	EventOpComplete EventKind = iota
	// EventCacheWarning is a pass-through notice for an error returned
	// by reviver.Record, downgraded rather than propagated as a build
	// failure. Revive errors are only logged by the reviver.
	EventCacheWarning
)

func (k EventKind) String() string {
	switch k {
	case EventOpComplete:
		return "op_complete"
	case EventCacheWarning:
		return "cache_warning"
	default:
		return "unknown"
	}
}

// Event is the advisory payload delivered to Memoizer.Feedback.
type Event struct {
	Kind    EventKind
	Op      *op.Operation
	Message string
}
