// Package guard tracks file readiness and gates operations on their
// declared reads.
package guard

import (
	"sync"

	"github.com/fdopen/b0/op"
)

// Readiness is the state of a single tracked file path.
type Readiness int

const (
	Unknown Readiness = iota
	Ready
	Never
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Never:
		return "never"
	default:
		return "unknown"
	}
}

type pending struct {
	o         *op.Operation
	remaining map[string]struct{} // unmet reads, mutated in place
}

// Guard is the file-readiness gate. The zero value is not usable;
// construct one with New. Guard is not safe for concurrent use from
// multiple goroutines beyond the synchronization the memoizer already
// provides at its boundary — in practice only the Stir goroutine
// touches it, so the mutex below exists only to make that explicit
// and cheap to audit, not to support true concurrent callers.
type Guard struct {
	mu    sync.Mutex
	state map[string]Readiness

	// waiters maps a not-yet-Ready/Never path to the set of pending
	// registrations that still count it among their unmet reads.
	waiters map[string]map[*pending]struct{}

	allowed []*op.Operation
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{
		state:   make(map[string]Readiness),
		waiters: make(map[string]map[*pending]struct{}),
	}
}

// Add registers o with the guard. If o has no reads, or all of its
// reads are already Ready, o becomes immediately allowed. If any read
// is already Never, o is marked Aborted and still made allowed so the
// memoizer can surface the failure.
func (g *Guard) Add(o *op.Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.abortIfNever(o) {
		g.allowed = append(g.allowed, o)
		return
	}

	unmet := make(map[string]struct{})
	for _, r := range o.Reads {
		if g.state[r] != Ready {
			unmet[r] = struct{}{}
		}
	}
	if len(unmet) == 0 {
		g.allowed = append(g.allowed, o)
		return
	}

	p := &pending{o: o, remaining: unmet}
	for r := range unmet {
		if g.waiters[r] == nil {
			g.waiters[r] = make(map[*pending]struct{})
		}
		g.waiters[r][p] = struct{}{}
	}
}

// abortIfNever reports whether any of o's reads is already known to
// be Never, marking o Aborted as a side effect if so.
func (g *Guard) abortIfNever(o *op.Operation) bool {
	var never []string
	for _, r := range o.Reads {
		if g.state[r] == Never {
			never = append(never, r)
		}
	}
	if never == nil {
		return false
	}
	o.Status = op.Status{
		Kind: op.Aborted,
		Failure: op.Failure{
			Tag:   op.MissingReadsFailure,
			Paths: never,
		},
	}
	return true
}

// SetFileReady transitions path to Ready. Idempotent: calling it
// again for an already-Ready path is a no-op. It does not regress a
// path already marked Never.
func (g *Guard) SetFileReady(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state[path] != Unknown {
		return
	}
	g.state[path] = Ready
	g.release(path)
}

// SetFileNever transitions path to Never. Any operation still pending
// on path is marked Aborted and made allowed so it can be surfaced.
func (g *Guard) SetFileNever(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state[path] != Unknown {
		return
	}
	g.state[path] = Never
	for p := range g.waiters[path] {
		g.abortPending(p)
	}
	delete(g.waiters, path)
}

func (g *Guard) abortPending(p *pending) {
	// p may already have been resolved via another path in the same
	// call (a single op can read more than one path that just went
	// Never in the same batch); guard against double-appending.
	if p.o.Status.Kind != op.Waiting {
		return
	}
	var never []string
	for r := range p.remaining {
		if g.state[r] == Never {
			never = append(never, r)
		}
	}
	p.o.Status = op.Status{
		Kind: op.Aborted,
		Failure: op.Failure{
			Tag:   op.MissingReadsFailure,
			Paths: never,
		},
	}
	g.allowed = append(g.allowed, p.o)
	g.forget(p)
}

// release satisfies one read for every pending registration watching
// path, promoting any registration whose remaining set just emptied.
func (g *Guard) release(path string) {
	for p := range g.waiters[path] {
		delete(p.remaining, path)
		if len(p.remaining) == 0 {
			g.allowed = append(g.allowed, p.o)
			g.forget(p)
		}
	}
	delete(g.waiters, path)
}

// forget removes p from every waiters set it is still registered
// under (it may be watching several paths besides the one that just
// resolved it).
func (g *Guard) forget(p *pending) {
	for r := range p.remaining {
		delete(g.waiters[r], p)
	}
	p.remaining = nil
}

// Allowed pops one allowed operation, FIFO over allowance order, or
// reports ok == false if none is currently allowed.
func (g *Guard) Allowed() (o *op.Operation, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.allowed) == 0 {
		return nil, false
	}
	o = g.allowed[0]
	g.allowed = g.allowed[1:]
	return o, true
}

// Idle reports whether the guard has no operation currently allowed
// and waiting to be popped. It does not mean every path has been
// resolved — unresolved pending operations are what drives
// Never_became_ready / Cycle reporting.
func (g *Guard) Idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.allowed) == 0
}

// Pending returns, for diagnostics, every operation still registered
// and the set of reads it is still waiting on. Used by the memoizer's
// aggregate-error computation (Never_became_ready / Cycle detection).
func (g *Guard) Pending() map[*op.Operation][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[*pending]struct{})
	out := make(map[*op.Operation][]string)
	for _, set := range g.waiters {
		for p := range set {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			reads := make([]string, 0, len(p.remaining))
			for r := range p.remaining {
				reads = append(reads, r)
			}
			out[p.o] = reads
		}
	}
	return out
}

// State returns the current readiness of path (Unknown if never set).
func (g *Guard) State(path string) Readiness {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state[path]
}
