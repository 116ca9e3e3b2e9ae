package memo

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fdopen/b0/executor"
	"github.com/fdopen/b0/filecache"
	"github.com/fdopen/b0/hash"
	"github.com/fdopen/b0/op"
	"github.com/fdopen/b0/reviver"
	"github.com/fdopen/b0/toolenv"
)

func newTestMemoizer(t *testing.T) *Memoizer {
	t.Helper()
	dir := t.TempDir()
	cache, err := filecache.Create(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	algo, _ := hash.ByName("siphash64")
	rev := &reviver.Reviver{Cache: cache, Algo: algo}
	exe, err := executor.New(2, filepath.Join(dir, "trash"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(exe.Close)
	return New(rev, exe, toolenv.Env{}, dir)
}

func TestWriteRevivalSkipsProducer(t *testing.T) {
	m := newTestMemoizer(t)
	target := filepath.Join(m.Cwd, "out.txt")

	calls := 0
	produce := func() ([]byte, error) {
		calls++
		return []byte("hello"), nil
	}

	fut1 := m.Write(target, "v1", nil, 0o644, produce)
	m.Stir(true)
	if _, ok := fut1.Value(); !ok {
		t.Fatal("first write should complete")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}
	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}

	m2 := New(m.reviver, m.executor, m.Env, m.Cwd)
	fut2 := m2.Write(target, "v1", nil, 0o644, produce)
	m2.Stir(true)
	if _, ok := fut2.Value(); !ok {
		t.Fatal("second write should complete via revival")
	}
	if calls != 1 {
		t.Fatalf("calls after revival = %d, want still 1 (producer skipped)", calls)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("revival should have restored target: %v", err)
	}
}

func TestMissingReadFailsOperation(t *testing.T) {
	m := newTestMemoizer(t)
	target := filepath.Join(m.Cwd, "out.txt")
	missing := filepath.Join(m.Cwd, "nonexistent.h")
	// declared ready but absent on disk: the guard admits the op and
	// hashing its reads fails.
	m.FileReady(missing)

	fut := m.Write(target, "v1", []string{missing}, 0o644, func() ([]byte, error) {
		return []byte("unused"), nil
	})
	m.Stir(true)

	if _, ok := fut.Value(); ok {
		t.Fatal("write depending on a missing read should not complete")
	}
	err := m.Status()
	agg, ok := err.(*AggregateError)
	if !ok || agg.Kind != Failures {
		t.Fatalf("Status = %v, want Failures", err)
	}
}

func TestMissingWriteFailsOperationAndAbortsDownstream(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	m := newTestMemoizer(t)
	target := filepath.Join(m.Cwd, "a.out")

	// The child exits 0 without ever creating a.out: a missing
	// declared write must still fail the op even on success exit.
	spawnFut := m.Spawn("/bin/sh", []string{"-c", "exit 0"}, SpawnOptions{
		Writes: []string{target},
	})

	var readResult []byte
	var readNever bool
	readFut := m.Read(target)
	readFut.AwaitSet(
		func(b []byte) { readResult = b },
		func() { readNever = true },
	)

	m.Stir(true)

	if _, ok := spawnFut.Value(); ok {
		t.Fatal("spawn that never creates its declared write should not be Done")
	}
	if readResult != nil {
		t.Fatalf("downstream read should never have produced data, got %q", readResult)
	}
	if !readNever {
		t.Fatal("downstream read should have become Never")
	}
	err := m.Status()
	agg, ok := err.(*AggregateError)
	if !ok || agg.Kind != Failures {
		t.Fatalf("Status = %v, want Failures", err)
	}
}

func TestCycleIsDetected(t *testing.T) {
	m := newTestMemoizer(t)
	x := filepath.Join(m.Cwd, "x")
	y := filepath.Join(m.Cwd, "y")

	a := &op.Operation{Reads: []string{y}, Payload: &op.Write{Target: x, Stamp: "a"}}
	a.Writes = []string{x}
	a.K = func(*op.Operation) {}
	b := &op.Operation{Reads: []string{x}, Payload: &op.Write{Target: y, Stamp: "b"}}
	b.Writes = []string{y}
	b.K = func(*op.Operation) {}

	m.ops = append(m.ops, a, b)
	m.submit(a)
	m.submit(b)

	m.Stir(true)

	if !m.Idle() {
		t.Fatal("stir should have gone idle (nothing ever becomes allowed)")
	}
	err := m.Status()
	agg, ok := err.(*AggregateError)
	if !ok || agg.Kind != Cycle {
		t.Fatalf("Status = %v, want Cycle", err)
	}
	if len(agg.Cycled) != 2 {
		t.Fatalf("Cycled = %v, want both operations", agg.Cycled)
	}
	if !errors.Is(err, ErrCycle) {
		t.Fatal("errors.Is(err, ErrCycle) should hold")
	}
}

func TestNeverBecameReadyReportsOrphanPath(t *testing.T) {
	m := newTestMemoizer(t)
	orphan := filepath.Join(m.Cwd, "nobody-writes-this")

	fut := m.WaitFiles([]string{orphan})
	m.Stir(true)

	if !m.Idle() {
		t.Fatal("stir should go idle: nothing ever resolves orphan")
	}
	if _, ok := fut.Value(); ok {
		t.Fatal("future should not be Det")
	}
	err := m.Status()
	agg, ok := err.(*AggregateError)
	if !ok || agg.Kind != NeverBecameReady {
		t.Fatalf("Status = %v, want NeverBecameReady", err)
	}
	if len(agg.NeverReady) != 1 || agg.NeverReady[0] != orphan {
		t.Fatalf("NeverReady = %v, want [%s]", agg.NeverReady, orphan)
	}
}

func TestFailAbortsContinuationAndRaisesFailures(t *testing.T) {
	m := newTestMemoizer(t)
	src := filepath.Join(m.Cwd, "in.txt")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.FileReady(src)

	ran := false
	fut := m.Read(src)
	fut.Await(func([]byte) {
		m.Fail("deliberate failure for %s", src)
		ran = true // unreachable: Fail panics via the sentinel
	})

	m.Stir(true)

	if ran {
		t.Fatal("code after Fail should never run")
	}
	err := m.Status()
	agg, ok := err.(*AggregateError)
	if !ok || agg.Kind != Failures {
		t.Fatalf("Status = %v, want Failures after Fail", err)
	}
}

func TestSubSharesGuardReviverExecutor(t *testing.T) {
	m := newTestMemoizer(t)
	child := m.Sub("child")
	if child.guard != m.guard || child.reviver != m.reviver || child.executor != m.executor {
		t.Fatal("Sub should share guard/reviver/executor with its parent")
	}
	if child.mark != "child" {
		t.Fatalf("mark = %q, want child", child.mark)
	}
	grandchild := child.Sub("grand")
	if grandchild.mark != "child/grand" {
		t.Fatalf("mark = %q, want child/grand", grandchild.mark)
	}
}

func TestFileReadyUnblocksWaiter(t *testing.T) {
	m := newTestMemoizer(t)
	path := filepath.Join(m.Cwd, "external-input")

	fut := m.WaitFiles([]string{path})
	m.Stir(false)
	if _, ok := fut.Value(); ok {
		t.Fatal("should not be ready before FileReady")
	}

	m.FileReady(path)
	m.Stir(true)
	if _, ok := fut.Value(); !ok {
		t.Fatal("should be ready after FileReady")
	}
}

func TestNotifyAndIdleAfterEmptyBuild(t *testing.T) {
	m := newTestMemoizer(t)
	if !m.Idle() {
		t.Fatal("a fresh memoizer should be idle")
	}
	m.Notify(op.Info, "build %s at %s", "started", time.Now().Format(time.RFC3339))
	m.Stir(true)
	if err := m.Status(); err != nil {
		t.Fatalf("Status = %v, want nil", err)
	}
}

func TestMkdirCopyDeleteChain(t *testing.T) {
	m := newTestMemoizer(t)
	dir := filepath.Join(m.Cwd, "sub")
	src := filepath.Join(m.Cwd, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.FileReady(src)

	mkdirFut := m.Mkdir(dir, 0o755)
	cpFut := m.Copy(src, dst, 0o644, true)
	delFut := m.Delete(dst)

	m.Stir(true)

	if _, ok := mkdirFut.Value(); !ok {
		t.Fatal("mkdir should complete")
	}
	if _, ok := cpFut.Value(); !ok {
		t.Fatal("copy should complete")
	}
	if _, ok := delFut.Value(); !ok {
		t.Fatal("delete should complete")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("dst should have been removed, stat err = %v", err)
	}
}
