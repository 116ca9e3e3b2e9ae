// Package reviver implements the hashing policy plus cache
// recording/revival: it turns an Operation's semantic inputs into a
// deterministic hash, and uses that hash as the filecache key to
// attempt revival or to record a freshly-executed operation's
// outputs.
package reviver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fdopen/b0/filecache"
	"github.com/fdopen/b0/hash"
	"github.com/fdopen/b0/op"
)

// ErrMissingReads is the sentinel an op/MissingReadsError wraps, for
// callers that only want to errors.Is against it.
var ErrMissingReads = errors.New("reviver: missing reads")

// MissingReadsError reports which declared reads could not be hashed
// (missing or unreadable).
type MissingReadsError struct {
	Paths []string
}

func (e *MissingReadsError) Error() string {
	return fmt.Sprintf("reviver: missing reads: %s", strings.Join(e.Paths, ", "))
}

func (e *MissingReadsError) Unwrap() error { return ErrMissingReads }

// Reviver computes operation hashes and mediates between an
// Operation and the underlying filecache. Cache errors during Revive
// are downgraded to a log call via Logf and treated as a miss; Record
// returns its cache errors to the caller.
type Reviver struct {
	Cache *filecache.Cache
	Algo  hash.Algorithm
	Logf  func(string, ...any)
}

func (r *Reviver) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}

// HashOp computes the operation's hash from its variant-specific
// semantic fields. It returns hash.Nil (with no error) for operations
// that are not cache-eligible. On a read that could not be hashed, it
// returns a *MissingReadsError. The hash is independent of the
// enumeration order of reads, environment keys, and success exit
// codes: all three are sorted before being fed to the builder.
func (r *Reviver) HashOp(o *op.Operation) (hash.Hash, error) {
	if !op.CacheEligible(o.Payload) {
		return hash.Nil, nil
	}

	readHashes, err := r.hashReads(o.Reads)
	if err != nil {
		return hash.Nil, err
	}

	var b builder
	b.str(o.Payload.Variant().String())

	switch p := o.Payload.(type) {
	case *op.Spawn:
		toolHash, err := r.hashFile(p.Tool)
		if err != nil {
			return hash.Nil, &MissingReadsError{Paths: []string{p.Tool}}
		}
		b.hash(toolHash)
		b.int(len(p.Args))
		for _, a := range p.Args {
			b.str(a)
		}
		for _, k := range stampedEnvKeys(p.Env, p.UnstampedVars) {
			b.str(k)
			b.str(p.Env[k])
		}
		b.str(p.Cwd)
		if sh, ok := r.stdinHash(p.Stdin); ok {
			b.bool(true)
			b.hash(sh)
		} else {
			b.bool(false)
		}
		exits := append([]int(nil), p.SuccessExits...)
		sort.Ints(exits)
		b.int(len(exits))
		for _, e := range exits {
			b.int(e)
		}
		b.str(p.Stamp)
		b.hashes(readHashes)

	case *op.Write:
		b.str(p.Stamp)
		b.int(int(p.Mode))
		b.str(p.Target) // distinguishes writes that would otherwise share an identical stamp/mode/reads hash
		b.hashes(readHashes)

	case *op.Copy:
		srcHash, err := r.hashFile(p.Src)
		if err != nil {
			return hash.Nil, &MissingReadsError{Paths: []string{p.Src}}
		}
		b.hash(srcHash)
		b.str(p.Dst)
		b.int(int(p.Mode))
		b.bool(p.LineNumPrefix)

	case *op.Mkdir:
		b.str(p.Dir)
		b.int(int(p.Mode))

	default:
		return hash.Nil, fmt.Errorf("reviver: %T is not cache-eligible", o.Payload)
	}

	return r.Algo.Sum(b.buf.Bytes()), nil
}

// Revive attempts to restore o.Writes from the cache under o.Hash. On
// a hit it sets o.Revived and o.Status to Done and returns true. Cache
// errors are logged and treated as a miss, never surfaced to the
// caller: a broken cache entry should degrade to "rebuild", not fail
// the build.
func (r *Reviver) Revive(o *op.Operation) bool {
	if o.Hash.IsNil() {
		return false
	}
	ok, m, err := r.Cache.Revive(o.Hash.String(), o.Writes)
	if err != nil {
		r.logf("reviver: revive %s: %v", o.Hash, err)
		return false
	}
	if !ok {
		return false
	}
	if len(m.Names) != len(o.Writes) {
		r.logf("reviver: revive %s: manifest has %d members, op declares %d writes", o.Hash, len(m.Names), len(o.Writes))
		return false
	}
	o.Revived = true
	o.Status = op.Status{Kind: op.Done}
	return true
}

// Record stores a freshly-executed, non-revived operation's writes
// under o.Hash. It returns (false, nil) if there is nothing to record
// (no hash, already revived, no declared writes, or a declared write
// is missing on disk — the caller is responsible for treating a
// missing write as a Missing_writes failure in that last case) and
// (false, err) only on a genuine cache IO failure.
func (r *Reviver) Record(o *op.Operation) (bool, error) {
	if o.Hash.IsNil() || o.Revived || len(o.Writes) == 0 {
		return false, nil
	}
	files := make([][]byte, len(o.Writes))
	for i, w := range o.Writes {
		data, err := os.ReadFile(w)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("reviver: record %s: %w", o.Hash, err)
		}
		files[i] = data
	}
	if err := r.Cache.Add(o.Hash.String(), o.Writes, files); err != nil {
		return false, fmt.Errorf("reviver: record %s: %w", o.Hash, err)
	}
	return true, nil
}

// ReviveUnderRoot is the spawn'-style counterpart to Revive: instead
// of a caller-supplied target list, it restores whatever paths were
// recorded relative to root and installs the resulting absolute paths
// as o.Writes.
func (r *Reviver) ReviveUnderRoot(o *op.Operation, root string) bool {
	if o.Hash.IsNil() {
		return false
	}
	ok, files, err := r.Cache.ReviveUnderRoot(o.Hash.String(), root)
	if err != nil {
		r.logf("reviver: revive %s: %v", o.Hash, err)
		return false
	}
	if !ok {
		return false
	}
	o.Writes = files
	o.Revived = true
	o.Status = op.Status{Kind: op.Done}
	return true
}

// RecordUnderRoot is the spawn'-style counterpart to Record: it keys
// stored blobs off paths relative to root rather than absolute paths,
// since those absolute paths weren't known until PostExec ran.
func (r *Reviver) RecordUnderRoot(o *op.Operation, root string) (bool, error) {
	if o.Hash.IsNil() || o.Revived || len(o.Writes) == 0 {
		return false, nil
	}
	if err := r.Cache.AddUnderRoot(o.Hash.String(), root, o.Writes); err != nil {
		return false, fmt.Errorf("reviver: record %s: %w", o.Hash, err)
	}
	return true, nil
}

func (r *Reviver) hashReads(reads []string) ([]hash.Hash, error) {
	sorted := append([]string(nil), reads...)
	sort.Strings(sorted)
	var missing []string
	hashes := make([]hash.Hash, 0, len(sorted))
	for _, p := range sorted {
		h, err := r.hashFile(p)
		if err != nil {
			missing = append(missing, p)
			continue
		}
		hashes = append(hashes, h)
	}
	if len(missing) > 0 {
		return nil, &MissingReadsError{Paths: missing}
	}
	return hashes, nil
}

func (r *Reviver) hashFile(path string) (hash.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return hash.Nil, err
	}
	defer f.Close()
	return r.Algo.SumReader(f)
}

// stdinHash hashes p.Stdin's content if it is seekable, rewinding it
// afterward so the eventual exec still sees the full stream. Non-file
// readers (pipes) don't contribute to the hash; spawns that rely on
// non-seekable stdin for cache-sensitive behavior should route it
// through a Read+Write pair instead.
func (r *Reviver) stdinHash(in io.Reader) (hash.Hash, bool) {
	rs, ok := in.(io.ReadSeeker)
	if !ok {
		return hash.Nil, false
	}
	h, err := r.Algo.SumReader(rs)
	if err != nil {
		return hash.Nil, false
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return hash.Nil, false
	}
	return h, true
}

func stampedEnvKeys(env map[string]string, unstamped []string) []string {
	skip := make(map[string]struct{}, len(unstamped))
	for _, u := range unstamped {
		skip[u] = struct{}{}
	}
	keys := maps.Keys(env)
	slices.Sort(keys)
	out := keys[:0]
	for _, k := range keys {
		if _, ok := skip[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// builder assembles a framed byte sequence for hashing: every field
// is length-prefixed so no ambiguity can arise between, say, two
// adjacent strings and one concatenated string.
type builder struct {
	buf bytes.Buffer
}

func (b *builder) str(s string) {
	b.int(len(s))
	b.buf.WriteString(s)
}

func (b *builder) int(n int) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], uint64(n))
	b.buf.Write(raw[:])
}

func (b *builder) bool(v bool) {
	if v {
		b.buf.WriteByte(1)
	} else {
		b.buf.WriteByte(0)
	}
}

func (b *builder) hash(h hash.Hash) {
	b.str(h.String())
}

func (b *builder) hashes(hs []hash.Hash) {
	b.int(len(hs))
	for _, h := range hs {
		b.hash(h)
	}
}
