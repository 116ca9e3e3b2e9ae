package memo

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fdopen/b0/op"
)

// Sentinel errors an *AggregateError unwraps to, for callers that only
// want to errors.Is against an outcome kind rather than type-assert
// and branch on Kind.
var (
	ErrFailures         = errors.New("memo: build had one or more failed operations")
	ErrNeverBecameReady = errors.New("memo: build stalled on a file nothing will ever produce")
	ErrCycle            = errors.New("memo: build stalled on a dependency cycle")
)

// AggregateKind classifies the overall build outcome Status reports.
type AggregateKind int

const (
	// Failures means at least one operation is Failed.
	Failures AggregateKind = iota
	// NeverBecameReady means the build stalled with pending operations
	// waiting on a file that nothing declares as a write: it will never
	// become ready.
	NeverBecameReady
	// Cycle means the build stalled with pending operations whose
	// unmet reads are all produced by other still-pending operations —
	// a dependency cycle.
	Cycle
)

// AggregateError is returned by Memoizer.Status when a Stir(true) call
// has gone idle without every submitted operation reaching Done.
type AggregateError struct {
	Kind AggregateKind

	// Failed holds every Failed operation, set when Kind == Failures.
	Failed []*op.Operation

	// NeverReady holds the file paths nothing will ever produce, set
	// when Kind == NeverBecameReady.
	NeverReady []string

	// Cycled holds the operations involved in the stalled dependency
	// cycle, set when Kind == Cycle.
	Cycled []*op.Operation
}

func (e *AggregateError) Error() string {
	switch e.Kind {
	case Failures:
		return fmt.Sprintf("memo: %d operation(s) failed", len(e.Failed))
	case NeverBecameReady:
		return fmt.Sprintf("memo: file(s) never became ready: %s", strings.Join(e.NeverReady, ", "))
	case Cycle:
		ids := make([]string, len(e.Cycled))
		for i, o := range e.Cycled {
			ids[i] = fmt.Sprintf("#%d", o.ID)
		}
		return fmt.Sprintf("memo: dependency cycle among operations %s", strings.Join(ids, ", "))
	default:
		return "memo: build did not complete"
	}
}

// Unwrap lets callers use errors.Is(err, memo.ErrFailures) and
// friends instead of type-asserting *AggregateError and switching on
// Kind.
func (e *AggregateError) Unwrap() error {
	switch e.Kind {
	case Failures:
		return ErrFailures
	case NeverBecameReady:
		return ErrNeverBecameReady
	case Cycle:
		return ErrCycle
	default:
		return nil
	}
}

// Status reports the build's outcome: nil if every submitted
// operation reached Done, or an *AggregateError describing why not.
// It is meaningful only after Stir(true) has returned (i.e. the
// guard, executor, and fiber queue have all gone idle).
func (m *Memoizer) Status() error {
	var failed []*op.Operation
	for _, o := range m.ops {
		if o.Status.Kind == op.Failed {
			failed = append(failed, o)
		}
	}
	if len(failed) > 0 || *m.hasFailures {
		return &AggregateError{Kind: Failures, Failed: failed}
	}

	pending := m.guard.Pending()
	if len(pending) == 0 {
		return nil
	}

	neverReady, cycled := diagnosePending(pending)
	if len(neverReady) > 0 {
		return &AggregateError{Kind: NeverBecameReady, NeverReady: neverReady}
	}
	return &AggregateError{Kind: Cycle, Cycled: cycled}
}

// diagnosePending classifies a stalled guard's pending set. A path
// with no producer among the still-pending operations can never
// become ready (nothing will ever write it); if every unmet path does
// have such a producer, the pending set forms a dependency cycle.
// This reports the whole pending set as the cycle rather than
// isolating a minimal strongly-connected component — sufficient to
// point at the right operations in practice, at the cost of
// over-reporting when several independent cycles stall at once.
func diagnosePending(pending map[*op.Operation][]string) (neverReady []string, cycled []*op.Operation) {
	writers := make(map[string]bool)
	for o := range pending {
		for _, w := range o.Writes {
			writers[w] = true
		}
	}

	seen := make(map[string]struct{})
	for _, unmet := range pending {
		for _, p := range unmet {
			if writers[p] {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			neverReady = append(neverReady, p)
		}
	}
	if len(neverReady) > 0 {
		sort.Strings(neverReady)
		return neverReady, nil
	}

	cycled = make([]*op.Operation, 0, len(pending))
	for o := range pending {
		cycled = append(cycled, o)
	}
	sort.Slice(cycled, func(i, j int) bool { return cycled[i].ID < cycled[j].ID })
	return nil, cycled
}
