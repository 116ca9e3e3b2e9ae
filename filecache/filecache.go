// Package filecache implements the persistent, content-addressed
// mapping from cache key to a manifest of logical file names plus
// their blob contents. Entries are published atomically (temp
// directory + rename) so a concurrent reader never observes a
// partially-written entry.
package filecache

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by Find when key has no entry.
var ErrNotFound = errors.New("filecache: key not found")

const manifestFile = "manifest"
const atimeFile = "atime"

// minCompressSize is the smallest blob size the cache will bother
// compressing; below this the zstd frame overhead isn't worth it.
const minCompressSize = 256

// Cache is a handle onto a cache directory. The zero value is not
// usable; construct one with Create.
type Cache struct {
	dir string

	// CompressBlobs, when true, stores member blobs zstd-compressed
	// on disk.
	CompressBlobs bool

	mu   sync.Mutex
	lock platformLock
}

// Create ensures dir exists and returns a handle onto it.
func Create(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: create %s: %w", dir, err)
	}
	c := &Cache{dir: dir}
	if err := c.lock.open(dir); err != nil {
		return nil, fmt.Errorf("filecache: lock %s: %w", dir, err)
	}
	return c, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string { return c.dir }

// entryDir returns the two-level fan-out directory for key so that
// readdir on the cache root stays cheap as entries accumulate.
func (c *Cache) entryDir(key string) string {
	if len(key) >= 2 {
		return filepath.Join(c.dir, key[:2], key)
	}
	return filepath.Join(c.dir, "_", key)
}

// Mem reports whether key has a stored entry.
func (c *Cache) Mem(key string) bool {
	_, err := os.Stat(filepath.Join(c.entryDir(key), manifestFile))
	return err == nil
}

// Manifest is the ordered list of logical names an entry was stored
// under.
type Manifest struct {
	Names []string
}

func writeManifest(dir string, m Manifest) error {
	var buf bytes.Buffer
	for _, n := range m.Names {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(dir, manifestFile), buf.Bytes(), 0o644)
}

func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	for _, line := range splitLines(data) {
		if line != "" {
			m.Names = append(m.Names, line)
		}
	}
	return m, nil
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}

func memberName(i int) string { return fmt.Sprintf("member-%04d", i) }

// randSuffix produces a random temp-object suffix rendered with base32
// so it's filesystem-safe on every platform.
func randSuffix() (string, error) {
	var raw [10]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:]), nil
}

// Add stores a new entry under key, replacing any existing entry for
// that key. names and files must have the same length; names[i] is
// the logical name recorded in the manifest for files[i].
func (c *Cache) Add(key string, names []string, files [][]byte) error {
	if len(names) != len(files) {
		return fmt.Errorf("filecache: Add(%s): %d names but %d files", key, len(names), len(files))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.lock.lock(); err != nil {
		return err
	}
	defer c.lock.unlock()

	parent := filepath.Dir(c.entryDir(key))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	suffix, err := randSuffix()
	if err != nil {
		return fmt.Errorf("filecache: Add(%s): %w", key, err)
	}
	tmp := filepath.Join(parent, key+".tmp-"+suffix)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(tmp)
		}
	}()

	for i, data := range files {
		out := data
		if c.CompressBlobs && len(data) >= minCompressSize {
			out, err = compress(data)
			if err != nil {
				return fmt.Errorf("filecache: Add(%s): compress: %w", key, err)
			}
		}
		if err := os.WriteFile(filepath.Join(tmp, memberName(i)), out, 0o644); err != nil {
			return fmt.Errorf("filecache: Add(%s): %w", key, err)
		}
	}
	if err := writeManifest(tmp, Manifest{Names: names}); err != nil {
		return fmt.Errorf("filecache: Add(%s): %w", key, err)
	}
	if err := touch(filepath.Join(tmp, atimeFile)); err != nil {
		return fmt.Errorf("filecache: Add(%s): %w", key, err)
	}

	dst := c.entryDir(key)
	os.RemoveAll(dst) // "if the key exists, it is replaced"
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("filecache: Add(%s): rename: %w", key, err)
	}
	ok = true
	return nil
}

// Find returns manifest metadata for key without materializing any
// files, or ErrNotFound if key is absent.
func (c *Cache) Find(key string) (Manifest, error) {
	m, err := readManifest(c.entryDir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, err
	}
	return m, nil
}

// Revive restores the stored entry for key into target paths (one
// per manifest member, positionally) by hardlink where possible,
// falling back to a copy when the cache and target are on different
// filesystems. It reports ok == false (with a nil error) if key has
// no entry: a cache miss, not an error.
func (c *Cache) Revive(key string, targets []string) (ok bool, m Manifest, err error) {
	dir := c.entryDir(key)
	m, err = readManifest(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, Manifest{}, nil
		}
		return false, Manifest{}, err
	}
	if len(targets) != len(m.Names) {
		return false, m, fmt.Errorf("filecache: Revive(%s): %d targets but manifest has %d members", key, len(targets), len(m.Names))
	}
	for i, target := range targets {
		src := filepath.Join(dir, memberName(i))
		if err := materialize(src, target, c.CompressBlobs); err != nil {
			return false, m, fmt.Errorf("filecache: Revive(%s): %w", key, err)
		}
	}
	touch(filepath.Join(dir, atimeFile))
	return true, m, nil
}

func materialize(src, target string, compressed bool) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	os.Remove(target)
	if !compressed {
		if err := os.Link(src, target); err == nil {
			return nil
		}
		// cross-device or filesystem that disallows hardlinks: copy.
		return copyFile(src, target)
	}
	// compressed blobs can't be hardlinked as-is; decompress into place.
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	plain, err := decompress(data)
	if err != nil {
		return err
	}
	return os.WriteFile(target, plain, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	return os.WriteFile(path, nil, 0o644)
}

// Delete removes the entry for key, if any.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.lock.lock(); err != nil {
		return err
	}
	defer c.lock.unlock()
	return os.RemoveAll(c.entryDir(key))
}

// DeleteAll removes every entry in the cache.
func (c *Cache) DeleteAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.lock.lock(); err != nil {
		return err
	}
	defer c.lock.unlock()
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
