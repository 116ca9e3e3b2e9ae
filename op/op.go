// Package op defines the operation record and its lifecycle: the
// declarative unit of build work that carries reads, writes, a
// variant-specific payload, and a continuation invoked on completion.
//
// Operation itself never reaches back into the memoizer, the guard,
// or the reviver: every state transition is driven externally by
// those packages, so an Operation carries no back-pointer to anything
// that scheduled it.
package op

import (
	"time"

	"github.com/fdopen/b0/hash"
)

// Variant identifies which payload kind an Operation carries.
type Variant int

const (
	VariantRead Variant = iota
	VariantWrite
	VariantCopy
	VariantMkdir
	VariantDelete
	VariantWaitFiles
	VariantNotify
	VariantSpawn
)

func (v Variant) String() string {
	switch v {
	case VariantRead:
		return "read"
	case VariantWrite:
		return "write"
	case VariantCopy:
		return "copy"
	case VariantMkdir:
		return "mkdir"
	case VariantDelete:
		return "delete"
	case VariantWaitFiles:
		return "wait_files"
	case VariantNotify:
		return "notify"
	case VariantSpawn:
		return "spawn"
	default:
		return "unknown"
	}
}

// Payload is implemented by each of the eight operation variants
// (Read, Write, Copy, Mkdir, Delete, WaitFiles, Notify, Spawn).
type Payload interface {
	Variant() Variant
}

// CacheEligible reports whether an operation carrying this payload
// variant may be hashed, revived, and recorded in the file cache.
// Only Spawn, Write, Copy, and Mkdir are eligible; Read, Delete,
// WaitFiles, and Notify always execute.
func CacheEligible(p Payload) bool {
	switch p.Variant() {
	case VariantWrite, VariantCopy, VariantMkdir, VariantSpawn:
		return true
	default:
		return false
	}
}

// StatusKind is the coarse lifecycle state of an Operation.
type StatusKind int

const (
	Waiting StatusKind = iota
	Aborted
	Done
	Failed
)

func (k StatusKind) String() string {
	switch k {
	case Waiting:
		return "waiting"
	case Aborted:
		return "aborted"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureTag distinguishes the reasons an Operation can fail.
type FailureTag int

const (
	// ExecFailure covers child process non-zero exits and I/O errors
	// encountered by the executor.
	ExecFailure FailureTag = iota
	// MissingReadsFailure means one or more declared reads could not
	// be hashed (missing or unreadable).
	MissingReadsFailure
	// MissingWritesFailure means the operation completed but one or
	// more declared writes never materialized on disk.
	MissingWritesFailure
)

// Failure describes why an Operation is in the Failed state.
type Failure struct {
	Tag FailureTag
	// Message is set for ExecFailure; it may be empty if the child
	// process simply exited non-zero with nothing to say about it.
	Message string
	// Paths is set for MissingReadsFailure and MissingWritesFailure.
	Paths []string
}

func (f Failure) Error() string {
	switch f.Tag {
	case ExecFailure:
		if f.Message == "" {
			return "exec failure"
		}
		return "exec failure: " + f.Message
	case MissingReadsFailure:
		return "missing reads: " + joinPaths(f.Paths)
	case MissingWritesFailure:
		return "missing writes: " + joinPaths(f.Paths)
	default:
		return "unknown failure"
	}
}

func joinPaths(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// Status is the full lifecycle state of an Operation: a coarse Kind
// plus the Failure detail when Kind == Failed.
type Status struct {
	Kind    StatusKind
	Failure Failure
}

// Terminal reports whether the status represents a finished
// operation (one that will never transition further).
func (s Status) Terminal() bool {
	return s.Kind != Waiting
}

// Continuation is invoked by the memoizer once an Operation finishes.
// It receives the finished Operation so it can inspect the
// variant-specific payload (e.g. a Spawn's captured exit code, or a
// Read's output bytes) and its final Status.
type Continuation func(*Operation)

// Operation is a declarative unit of build work. Operations are
// created by client calls into the memo package, mutated only by the
// memoizer (Status, Hash, Revived, Writes), and never destroyed while
// a build is alive.
type Operation struct {
	ID      int64
	Mark    string
	Created time.Time

	Status  Status
	Hash    hash.Hash
	Revived bool

	Reads  []string
	Writes []string

	Payload Payload
	K       Continuation
}
