// Package executor runs filesystem and spawn operations with at most
// jobs concurrently in flight, using a fixed pool of worker goroutines
// draining a work channel.
package executor

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fdopen/b0/op"
)

// responseFileThreshold is the serialized argv length past which a
// Spawn's command line is rewritten through its ResponseFile scheme
// rather than passed directly to exec.Command. Chosen well under the
// ~128KiB ARG_MAX floor common across platforms, leaving headroom for
// the environment block exec also has to fit.
const responseFileThreshold = 32 * 1024

// Executor runs Operations on a fixed pool of goroutines.
type Executor struct {
	work chan *op.Operation
	done chan *op.Operation
	wg   sync.WaitGroup

	inFlight int64 // atomic
	aborted  int32 // atomic

	trash       *trash
	responseDir string

	// Logf is never required for correctness, only diagnostics.
	Logf func(string, ...any)
}

// New starts an Executor with the given number of worker goroutines.
// trashDir is where Delete operations are staged before background
// removal; a sibling "responsefiles" directory is created alongside
// it for oversized Spawn command lines.
func New(jobs int, trashDir string) (*Executor, error) {
	if jobs < 1 {
		jobs = 1
	}
	tr, err := newTrash(trashDir)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	responseDir := filepath.Join(filepath.Dir(trashDir), "responsefiles")
	if err := os.MkdirAll(responseDir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	e := &Executor{
		work:        make(chan *op.Operation, jobs),
		done:        make(chan *op.Operation, jobs),
		trash:       tr,
		responseDir: responseDir,
	}
	e.wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		go e.worker()
	}
	return e, nil
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

// Schedule enqueues op for execution and returns immediately.
func (e *Executor) Schedule(o *op.Operation) {
	atomic.AddInt64(&e.inFlight, 1)
	e.work <- o
}

// Collect returns one completed operation if available. If block is
// true and at least one operation is in flight, Collect waits for the
// next completion; otherwise it returns (nil, false) immediately.
func (e *Executor) Collect(block bool) (*op.Operation, bool) {
	if block && atomic.LoadInt64(&e.inFlight) > 0 {
		o := <-e.done
		return o, true
	}
	select {
	case o := <-e.done:
		return o, true
	default:
		return nil, false
	}
}

// Idle reports whether nothing is in flight or waiting to be
// collected.
func (e *Executor) Idle() bool {
	return atomic.LoadInt64(&e.inFlight) == 0 && len(e.done) == 0
}

// Abort marks every operation still queued (not yet picked up by a
// worker) as Aborted without executing it. There are no built-in
// per-operation timeouts; a global abort is how queued work gets
// discarded rather than run to completion.
func (e *Executor) Abort() {
	atomic.StoreInt32(&e.aborted, 1)
}

// Close stops accepting new work, waits for in-flight operations to
// finish, and drains the trash.
func (e *Executor) Close() {
	close(e.work)
	e.wg.Wait()
	e.trash.Close()
}

// PurgeTrash blocks until every deletion queued so far has been
// physically removed.
func (e *Executor) PurgeTrash() {
	e.trash.Purge()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for o := range e.work {
		if atomic.LoadInt32(&e.aborted) != 0 {
			o.Status = op.Status{Kind: op.Aborted}
		} else {
			e.run(o)
		}
		e.done <- o
		atomic.AddInt64(&e.inFlight, -1)
	}
}

func (e *Executor) run(o *op.Operation) {
	var err error
	switch p := o.Payload.(type) {
	case *op.Read:
		err = e.runRead(p)
	case *op.Write:
		err = e.runWrite(p)
	case *op.Copy:
		err = e.runCopy(p)
	case *op.Mkdir:
		err = os.MkdirAll(p.Dir, os.FileMode(p.Mode))
	case *op.Delete:
		err = e.trash.remove(p.Path)
	case *op.WaitFiles:
		// the guard has already confirmed every file is Ready or
		// Never before surfacing this op as allowed; nothing to do.
	case *op.Notify:
		e.logf("%s: %s", p.Kind, p.Message)
	case *op.Spawn:
		err = e.runSpawn(o, p)
	default:
		err = fmt.Errorf("executor: unhandled operation variant %T", o.Payload)
	}

	if err != nil {
		o.Status = op.Status{Failure: op.Failure{Tag: op.ExecFailure, Message: err.Error()}}
		o.Status.Kind = op.Failed
		return
	}
	o.Status = op.Status{Kind: op.Done}
}

func (e *Executor) runRead(p *op.Read) error {
	data, err := os.ReadFile(p.File)
	if err != nil {
		return err
	}
	p.Output = data
	return nil
}

func (e *Executor) runWrite(p *op.Write) error {
	data, err := p.Producer()
	if err != nil {
		return err
	}
	mode := p.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(p.Target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.Target, data, os.FileMode(mode))
}

func (e *Executor) runCopy(p *op.Copy) error {
	data, err := os.ReadFile(p.Src)
	if err != nil {
		return err
	}
	if p.LineNumPrefix {
		data = prefixLineNumbers(data)
	}
	mode := p.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(p.Dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.Dst, data, os.FileMode(mode))
}

func prefixLineNumbers(data []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; scanner.Scan(); n++ {
		fmt.Fprintf(&out, "%d: %s\n", n, scanner.Text())
	}
	return out.Bytes()
}

func (e *Executor) runSpawn(o *op.Operation, p *op.Spawn) error {
	args := p.Args
	if p.ResponseFile != nil && argvLen(args) > responseFileThreshold {
		rewritten, cleanup, err := p.ResponseFile.Write(e.responseDir, args)
		if err != nil {
			return fmt.Errorf("spawn %s: response file: %w", p.Tool, err)
		}
		defer cleanup()
		args = rewritten
	}

	cmd := exec.Command(p.Tool, args...)
	cmd.Dir = p.Cwd
	cmd.Env = mergedEnv(p.Env)
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return fmt.Errorf("spawn %s: %w", p.Tool, runErr)
		}
	}
	p.ExitCode = exitCode

	if !successExit(exitCode, p.SuccessExits) {
		return fmt.Errorf("spawn %s: exit code %d", p.Tool, exitCode)
	}
	if p.PostExec != nil {
		if err := p.PostExec(o); err != nil {
			return fmt.Errorf("spawn %s: post_exec: %w", p.Tool, err)
		}
	}
	return nil
}

// argvLen approximates the serialized size of args, one NUL per
// argument plus its bytes, matching how Args0 lays them out on disk.
func argvLen(args []string) int {
	n := len(args)
	for _, a := range args {
		n += len(a)
	}
	return n
}

func successExit(code int, allowed []int) bool {
	if len(allowed) == 0 {
		return code == 0
	}
	for _, a := range allowed {
		if a == code {
			return true
		}
	}
	return false
}

func mergedEnv(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}
