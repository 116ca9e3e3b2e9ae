package executor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fdopen/b0/op"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := New(2, filepath.Join(t.TempDir(), "trash"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

func collectOne(t *testing.T, e *Executor) *op.Operation {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if o, ok := e.Collect(true); ok {
			return o
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a completed operation")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMkdirSucceeds(t *testing.T) {
	e := newTestExecutor(t)
	dir := filepath.Join(t.TempDir(), "a", "b")
	o := &op.Operation{Payload: &op.Mkdir{Dir: dir, Mode: 0o755}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done", got.Status)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestWriteProducesTarget(t *testing.T) {
	e := newTestExecutor(t)
	target := filepath.Join(t.TempDir(), "out.txt")
	o := &op.Operation{
		Writes: []string{target},
		Payload: &op.Write{
			Target:   target,
			Mode:     0o644,
			Producer: func() ([]byte, error) { return []byte("hello"), nil },
		},
	}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done", got.Status)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("target content = %q", data)
	}
}

func TestCopyWithLineNumbers(t *testing.T) {
	e := newTestExecutor(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	os.WriteFile(src, []byte("a\nb\n"), 0o644)
	o := &op.Operation{Payload: &op.Copy{Src: src, Dst: dst, Mode: 0o644, LineNumPrefix: true}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done", got.Status)
	}
	data, _ := os.ReadFile(dst)
	if !bytes.Equal(data, []byte("1: a\n2: b\n")) {
		t.Fatalf("dst content = %q", data)
	}
}

func TestDeleteRoutesThroughTrash(t *testing.T) {
	e := newTestExecutor(t)
	f := filepath.Join(t.TempDir(), "gone.txt")
	os.WriteFile(f, []byte("x"), 0o644)
	o := &op.Operation{Payload: &op.Delete{Path: f}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done", got.Status)
	}
	if _, err := os.Stat(f); !os.IsNotExist(err) {
		t.Fatal("file should be gone immediately after Delete completes")
	}
	e.PurgeTrash()
}

func TestSpawnCapturesExitCode(t *testing.T) {
	e := newTestExecutor(t)
	o := &op.Operation{Payload: &op.Spawn{Tool: "/bin/sh", Args: []string{"-c", "exit 0"}}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done", got.Status)
	}
	sp := got.Payload.(*op.Spawn)
	if sp.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", sp.ExitCode)
	}
}

func TestSpawnFailureIsExecFailure(t *testing.T) {
	e := newTestExecutor(t)
	o := &op.Operation{Payload: &op.Spawn{Tool: "/bin/sh", Args: []string{"-c", "exit 7"}}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Failed {
		t.Fatalf("status = %v, want Failed", got.Status)
	}
	if got.Status.Failure.Tag != op.ExecFailure {
		t.Fatalf("failure tag = %v, want ExecFailure", got.Status.Failure.Tag)
	}
}

func TestSpawnSuccessExitsAllowsNonZero(t *testing.T) {
	e := newTestExecutor(t)
	o := &op.Operation{Payload: &op.Spawn{
		Tool:         "/bin/sh",
		Args:         []string{"-c", "exit 2"},
		SuccessExits: []int{0, 2},
	}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done", got.Status)
	}
}

func TestAbortMarksQueuedOpsAborted(t *testing.T) {
	e := newTestExecutor(t)
	e.Abort()
	o := &op.Operation{Payload: &op.Mkdir{Dir: filepath.Join(t.TempDir(), "never")}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Aborted {
		t.Fatalf("status = %v, want Aborted", got.Status)
	}
}

// recordingResponseFile stubs toolenv.ResponseFile: it ignores the
// real argv and always rewrites to a short, valid "sh -c" invocation,
// so the test can assert it was invoked without needing a helper
// binary that understands a real response-file format.
type recordingResponseFile struct {
	wrote     bool
	gotArgs   []string
	cleanedUp bool
}

func (r *recordingResponseFile) Write(dir string, args []string) ([]string, func(), error) {
	r.wrote = true
	r.gotArgs = args
	return []string{"-c", "exit 0"}, func() { r.cleanedUp = true }, nil
}

func TestSpawnRewritesLongArgvThroughResponseFile(t *testing.T) {
	e := newTestExecutor(t)
	rf := &recordingResponseFile{}
	longArg := make([]byte, responseFileThreshold)
	o := &op.Operation{Payload: &op.Spawn{
		Tool:         "/bin/sh",
		Args:         []string{"-c", "exit 7", string(longArg)},
		ResponseFile: rf,
	}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done (the response-file rewrite should have run a plain exit 0)", got.Status)
	}
	if !rf.wrote {
		t.Fatal("ResponseFile.Write should have been called for an oversized argv")
	}
	if !rf.cleanedUp {
		t.Fatal("the response file's cleanup func should have run after the spawn completed")
	}
	if len(rf.gotArgs) != 3 {
		t.Fatalf("Write should see the original argv, got %v", rf.gotArgs)
	}
}

func TestSpawnSkipsResponseFileUnderThreshold(t *testing.T) {
	e := newTestExecutor(t)
	rf := &recordingResponseFile{}
	o := &op.Operation{Payload: &op.Spawn{
		Tool:         "/bin/sh",
		Args:         []string{"-c", "exit 0"},
		ResponseFile: rf,
	}}
	e.Schedule(o)
	got := collectOne(t, e)
	if got.Status.Kind != op.Done {
		t.Fatalf("status = %v, want Done", got.Status)
	}
	if rf.wrote {
		t.Fatal("ResponseFile.Write should not be called for a short argv")
	}
}

func TestCollectNonBlockingWithNothingInFlight(t *testing.T) {
	e := newTestExecutor(t)
	if _, ok := e.Collect(false); ok {
		t.Fatal("Collect(false) with no scheduled ops should return false")
	}
	if _, ok := e.Collect(true); ok {
		t.Fatal("Collect(true) with nothing in flight must not block forever")
	}
}
