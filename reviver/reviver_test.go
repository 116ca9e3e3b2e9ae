package reviver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fdopen/b0/filecache"
	"github.com/fdopen/b0/hash"
	"github.com/fdopen/b0/op"
)

func newReviver(t *testing.T) *Reviver {
	t.Helper()
	c, err := filecache.Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Reviver{Cache: c, Algo: hash.SipHash64}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHashOpNotCacheEligible(t *testing.T) {
	r := newReviver(t)
	o := &op.Operation{Payload: &op.Read{File: "x"}}
	h, err := r.HashOp(o)
	if err != nil || !h.IsNil() {
		t.Fatalf("HashOp(Read) = %v, %v, want nil hash and no error", h, err)
	}
}

func TestHashOpDeterministic(t *testing.T) {
	r := newReviver(t)
	o1 := &op.Operation{Payload: &op.Mkdir{Dir: "out", Mode: 0o755}}
	o2 := &op.Operation{Payload: &op.Mkdir{Dir: "out", Mode: 0o755}}
	h1, err := r.HashOp(o1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.HashOp(o2)
	if err != nil {
		t.Fatal(err)
	}
	if !h1.Equal(h2) {
		t.Fatal("identical Mkdir payloads should hash identically")
	}
}

func TestHashOpMissingReads(t *testing.T) {
	r := newReviver(t)
	o := &op.Operation{
		Reads:   []string{"/nonexistent/a.h", "/nonexistent/b.h"},
		Payload: &op.Write{Target: "out", Stamp: "v1"},
	}
	_, err := r.HashOp(o)
	var mre *MissingReadsError
	if err == nil {
		t.Fatal("expected a missing-reads error")
	}
	if !asMissingReads(err, &mre) {
		t.Fatalf("err = %v, want *MissingReadsError", err)
	}
	if len(mre.Paths) != 2 {
		t.Fatalf("Paths = %v, want 2 entries", mre.Paths)
	}
}

func asMissingReads(err error, target **MissingReadsError) bool {
	if e, ok := err.(*MissingReadsError); ok {
		*target = e
		return true
	}
	return false
}

func TestHashOpStampSensitivity(t *testing.T) {
	dir := t.TempDir()
	r := newReviver(t)
	readPath := writeFile(t, dir, "in.txt", "same content")

	mk := func(stamp string) *op.Operation {
		return &op.Operation{
			Reads:   []string{readPath},
			Payload: &op.Write{Target: "out", Stamp: stamp, Mode: 0o644},
		}
	}

	h1, err := r.HashOp(mk("v1"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.HashOp(mk("v2"))
	if err != nil {
		t.Fatal(err)
	}
	if h1.Equal(h2) {
		t.Fatal("changing Stamp with identical reads/mode/target should change the hash")
	}

	h3, err := r.HashOp(mk("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if !h1.Equal(h3) {
		t.Fatal("identical Write payloads should hash identically")
	}
}

func TestHashOpReadContentSensitivity(t *testing.T) {
	dir := t.TempDir()
	r := newReviver(t)
	p := writeFile(t, dir, "in.txt", "version 1")
	o := &op.Operation{Reads: []string{p}, Payload: &op.Write{Target: "out", Stamp: "fixed"}}
	h1, err := r.HashOp(o)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "in.txt", "version 2")
	h2, err := r.HashOp(o)
	if err != nil {
		t.Fatal(err)
	}
	if h1.Equal(h2) {
		t.Fatal("changing a read's content should change the hash even with the same stamp")
	}
}

func TestReviveRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := newReviver(t)
	target := filepath.Join(dir, "built.txt")
	o := &op.Operation{
		Writes:  []string{target},
		Payload: &op.Mkdir{Dir: "irrelevant-for-this-test"},
	}
	h, err := r.HashOp(o)
	if err != nil {
		t.Fatal(err)
	}
	o.Hash = h

	if err := os.WriteFile(target, []byte("built output"), 0o644); err != nil {
		t.Fatal(err)
	}
	recorded, err := r.Record(o)
	if err != nil {
		t.Fatal(err)
	}
	if !recorded {
		t.Fatal("expected Record to succeed")
	}

	os.Remove(target)
	o2 := &op.Operation{Hash: h, Writes: []string{target}}
	if !r.Revive(o2) {
		t.Fatal("expected Revive to hit the cache")
	}
	if !o2.Revived || o2.Status.Kind != op.Done {
		t.Fatalf("o2.Revived=%v o2.Status=%v", o2.Revived, o2.Status)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "built output" {
		t.Fatalf("revived content = %q", got)
	}
}

func TestRecordSkipsWhenNoWrites(t *testing.T) {
	r := newReviver(t)
	o := &op.Operation{Hash: hash.SipHash64.Sum([]byte("x"))}
	recorded, err := r.Record(o)
	if err != nil || recorded {
		t.Fatalf("Record with no writes = %v, %v, want false, nil", recorded, err)
	}
}

func TestRecordSkipsOnNilHash(t *testing.T) {
	r := newReviver(t)
	o := &op.Operation{Writes: []string{"x"}}
	recorded, err := r.Record(o)
	if err != nil || recorded {
		t.Fatalf("Record with nil hash = %v, %v, want false, nil", recorded, err)
	}
}
