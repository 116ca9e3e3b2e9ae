// Package memo implements the memoizer: the top-level driver that
// weaves the guard, reviver, executor, and a cooperative fiber queue
// into a stir loop. Every memoizer-owned structure is touched only
// from the goroutine that calls Stir, so none of it needs its own
// locking.
package memo

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fdopen/b0/executor"
	"github.com/fdopen/b0/fiber"
	"github.com/fdopen/b0/guard"
	"github.com/fdopen/b0/op"
	"github.com/fdopen/b0/reviver"
	"github.com/fdopen/b0/toolenv"
)

// Unit stands in for OCaml's () in the fiber-returning operations
// that produce no value.
type Unit struct{}

// Memoizer drives a build: client calls enqueue Operations, and Stir
// advances them through hashing, revival, execution, and completion.
type Memoizer struct {
	Env toolenv.Env
	Cwd string

	// Feedback receives advisory events: op-complete and cache-record
	// warnings (see EventKind). No event is emitted for a missing tool
	// or by the executor. The core never depends on it being observed.
	Feedback func(Event)

	mark   string
	nextID int64
	ops    []*op.Operation

	guard    *guard.Guard
	reviver  *reviver.Reviver
	executor *executor.Executor
	fibers   *fiber.Queue

	readyRoots  map[string]struct{}
	hasFailures *bool
}

// New constructs a root memoizer. rev and exe are typically shared
// across an entire build (and across any sub-memoizers spawned from
// it via Sub).
func New(rev *reviver.Reviver, exe *executor.Executor, env toolenv.Env, cwd string) *Memoizer {
	hf := new(bool)
	return &Memoizer{
		Env:         env,
		Cwd:         cwd,
		guard:       guard.New(),
		reviver:     rev,
		executor:    exe,
		fibers:      fiber.NewQueue(),
		readyRoots:  map[string]struct{}{},
		hasFailures: hf,
	}
}

// Sub returns a sub-memoizer scoped under mark. It shares the parent's
// guard, reviver, executor, fiber queue, ready-roots set, and
// hasFailures flag, but gets its own operation-id namespace,
// attributing every op it creates to a composed mark ("parent/child")
// for diagnostics.
func (m *Memoizer) Sub(mark string) *Memoizer {
	child := *m
	child.mark = joinMark(m.mark, mark)
	child.nextID = 0
	child.ops = nil
	return &child
}

func joinMark(parent, mark string) string {
	if parent == "" {
		return mark
	}
	return parent + "/" + mark
}

func (m *Memoizer) newOp(reads []string, payload op.Payload) *op.Operation {
	m.nextID++
	o := &op.Operation{
		ID:      m.nextID,
		Mark:    m.mark,
		Created: time.Now(),
		Reads:   reads,
		Payload: payload,
	}
	m.ops = append(m.ops, o)
	return o
}

func (m *Memoizer) submit(o *op.Operation) {
	m.guard.Add(o)
}

func (m *Memoizer) feedback(e Event) {
	if m.Feedback != nil {
		m.Feedback(e)
	}
}

func (m *Memoizer) unitContinuation(fut *fiber.Future[Unit]) op.Continuation {
	return func(o *op.Operation) {
		if o.Status.Kind == op.Done {
			fut.Set(Unit{})
		} else {
			fut.SetNever()
		}
	}
}

// Read reads file's content and delivers it through the returned
// future once the op completes.
func (m *Memoizer) Read(file string) *fiber.Future[[]byte] {
	fut := fiber.New[[]byte]()
	p := &op.Read{File: file}
	o := m.newOp([]string{file}, p)
	o.K = func(o *op.Operation) {
		if o.Status.Kind == op.Done {
			fut.Set(p.Output)
		} else {
			fut.SetNever()
		}
	}
	m.submit(o)
	return fut
}

// Write produces target's content by calling producer (skipped on
// revival) once every path in reads is ready.
func (m *Memoizer) Write(target, stamp string, reads []string, mode uint32, producer func() ([]byte, error)) *fiber.Future[Unit] {
	fut := fiber.New[Unit]()
	p := &op.Write{Target: target, Stamp: stamp, Mode: mode, Producer: producer}
	o := m.newOp(reads, p)
	o.Writes = []string{target}
	o.K = m.unitContinuation(fut)
	m.submit(o)
	return fut
}

// Copy copies src to dst, optionally prefixing each line with its
// 1-based line number.
func (m *Memoizer) Copy(src, dst string, mode uint32, lineNumPrefix bool) *fiber.Future[Unit] {
	fut := fiber.New[Unit]()
	p := &op.Copy{Src: src, Dst: dst, Mode: mode, LineNumPrefix: lineNumPrefix}
	o := m.newOp([]string{src}, p)
	o.Writes = []string{dst}
	o.K = m.unitContinuation(fut)
	m.submit(o)
	return fut
}

// Mkdir creates dir (and any missing parents).
func (m *Memoizer) Mkdir(dir string, mode uint32) *fiber.Future[Unit] {
	fut := fiber.New[Unit]()
	p := &op.Mkdir{Dir: dir, Mode: mode}
	o := m.newOp(nil, p)
	o.Writes = []string{dir}
	o.K = m.unitContinuation(fut)
	m.submit(o)
	return fut
}

// Delete removes path once it is ready (i.e. once whatever produced
// it, if anything, has completed).
func (m *Memoizer) Delete(path string) *fiber.Future[Unit] {
	fut := fiber.New[Unit]()
	p := &op.Delete{Path: path}
	o := m.newOp([]string{path}, p)
	o.K = m.unitContinuation(fut)
	m.submit(o)
	return fut
}

// WaitFiles blocks until every path in files is Ready or Never,
// without reading or writing any of them.
func (m *Memoizer) WaitFiles(files []string) *fiber.Future[Unit] {
	fut := fiber.New[Unit]()
	p := &op.WaitFiles{Files: files}
	o := m.newOp(files, p)
	o.K = m.unitContinuation(fut)
	m.submit(o)
	return fut
}

// Notify reports a diagnostic message; it always executes and is
// never cache-eligible.
func (m *Memoizer) Notify(kind op.NotifyKind, format string, args ...any) {
	p := &op.Notify{Kind: kind, Message: fmt.Sprintf(format, args...)}
	o := m.newOp(nil, p)
	o.K = func(*op.Operation) {}
	m.submit(o)
}

// failSentinel is the sentinel thrown by Fail and recovered only at
// the continuation boundary in runContinuation: it is never reported
// as an unexpected error.
type failSentinel struct{ msg string }

func (f failSentinel) Error() string { return f.msg }

// Fail reports msg via Notify(Fail), raises has_failures, and aborts
// the calling continuation via a sentinel panic.
func (m *Memoizer) Fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	*m.hasFailures = true
	m.Notify(op.Fail, "%s", msg)
	panic(failSentinel{msg: msg})
}

// FileReady declares path available and tracked in ready_roots — used
// for pre-existing inputs that no tracked operation produces.
func (m *Memoizer) FileReady(path string) {
	m.readyRoots[path] = struct{}{}
	m.guard.SetFileReady(path)
}

// SpawnFiber enqueues k to run the next time the stir loop drains a
// fiber. Exposed for Store, which runs a key's initializer this way.
func (m *Memoizer) SpawnFiber(k func()) {
	m.fibers.SpawnFiber(k)
}

// Idle reports whether the guard, executor, and fiber queue are all
// idle — Stir's termination condition.
func (m *Memoizer) Idle() bool {
	return m.guard.Idle() && m.executor.Idle() && m.fibers.Idle()
}

// Stir drives the guard/executor/fiber-queue loop until it goes idle,
// or — when block is false — until making further progress would
// require blocking on the executor.
func (m *Memoizer) Stir(block bool) {
	for {
		if o, ok := m.guard.Allowed(); ok {
			if o.Status.Terminal() {
				m.finish(o)
			} else {
				m.admit(o)
			}
			continue
		}
		if o, ok := m.executor.Collect(block); ok {
			m.finish(o)
			continue
		}
		if m.fibers.RunOne() {
			continue
		}
		return
	}
}

// admit hashes a newly-allowed operation and either revives it from
// cache or hands it to the executor.
func (m *Memoizer) admit(o *op.Operation) {
	h, err := m.reviver.HashOp(o)
	if err != nil {
		var mre *reviver.MissingReadsError
		if errors.As(err, &mre) {
			o.Status = op.Status{Kind: op.Failed, Failure: op.Failure{Tag: op.MissingReadsFailure, Paths: mre.Paths}}
		} else {
			o.Status = op.Status{Kind: op.Failed, Failure: op.Failure{Tag: op.ExecFailure, Message: err.Error()}}
		}
		m.finish(o)
		return
	}
	o.Hash = h

	revived := false
	if sp, ok := o.Payload.(*op.Spawn); ok && sp.WritesRoot != "" {
		revived = m.reviver.ReviveUnderRoot(o, sp.WritesRoot)
	} else {
		revived = m.reviver.Revive(o)
	}
	if revived {
		m.finish(o)
		return
	}
	m.executor.Schedule(o)
}

// finish handles an operation that has reached a terminal state,
// whether via revival, execution, or abortion.
func (m *Memoizer) finish(o *op.Operation) {
	switch o.Status.Kind {
	case op.Done:
		missing := missingPaths(o.Writes)
		if len(missing) == 0 {
			if _, err := m.recordOp(o); err != nil {
				m.feedback(Event{Kind: EventCacheWarning, Op: o, Message: err.Error()})
			}
			for _, w := range o.Writes {
				m.guard.SetFileReady(w)
			}
			m.feedback(Event{Kind: EventOpComplete, Op: o})
			m.runContinuation(o)
			return
		}
		o.Status = op.Status{Kind: op.Failed, Failure: op.Failure{Tag: op.MissingWritesFailure, Paths: missing}}
		*m.hasFailures = true
		fallthrough
	case op.Failed, op.Aborted:
		for _, w := range o.Writes {
			m.guard.SetFileNever(w)
		}
		if o.Status.Kind == op.Failed {
			*m.hasFailures = true
		}
		m.feedback(Event{Kind: EventOpComplete, Op: o})
		m.runContinuation(o)
	}
}

func (m *Memoizer) recordOp(o *op.Operation) (bool, error) {
	if sp, ok := o.Payload.(*op.Spawn); ok && sp.WritesRoot != "" {
		return m.reviver.RecordUnderRoot(o, sp.WritesRoot)
	}
	return m.reviver.Record(o)
}

func missingPaths(writes []string) []string {
	var missing []string
	for _, w := range writes {
		if _, err := os.Stat(w); err != nil {
			missing = append(missing, w)
		}
	}
	return missing
}

// runContinuation invokes o.K exactly once, sandboxing it: the Fail
// sentinel is swallowed (already reported via Notify), any other
// panic is caught, flagged, and reported as an unexpected failure so
// the loop can keep serving other operations.
func (m *Memoizer) runContinuation(o *op.Operation) {
	k := o.K
	if k == nil {
		return
	}
	o.K = nil
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(failSentinel); ok {
				return
			}
			*m.hasFailures = true
			m.feedback(Event{Kind: EventOpComplete, Op: o, Message: fmt.Sprintf("panic in continuation: %v", r)})
		}
	}()
	k(o)
}
