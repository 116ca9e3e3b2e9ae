// Package hash provides the content-addressing primitive used
// throughout the memoization core: a small, comparable, opaque digest
// with a distinguished nil value and a pluggable computation algorithm.
package hash

import (
	"encoding/hex"
	"errors"
	"io"
)

// maxSize is large enough to hold the widest algorithm registered
// below (Blake2b256, 32 bytes) without ever allocating.
const maxSize = 32

// Hash is an opaque, fixed-width digest produced by an Algorithm.
// The zero value is Nil and compares unequal to every digest actually
// produced by Sum.
type Hash struct {
	algo string
	n    int
	sum  [maxSize]byte
}

// Nil is the distinguished "no hash" sentinel: the zero Hash.
var Nil Hash

// IsNil reports whether h is the Nil sentinel.
func (h Hash) IsNil() bool { return h.n == 0 }

// Algo returns the name of the algorithm that produced h, or "" for Nil.
func (h Hash) Algo() string { return h.algo }

// Bytes returns the raw digest bytes. The returned slice must not be
// mutated; it aliases h's internal storage.
func (h Hash) Bytes() []byte { return h.sum[:h.n] }

// Equal reports whether h and o are the same digest under the same
// algorithm. Two Nil hashes are equal.
func (h Hash) Equal(o Hash) bool {
	if h.n != o.n || h.algo != o.algo {
		return false
	}
	return h.sum == o.sum
}

// String returns the lower-hex form of h, prefixed with the algorithm
// name so that digests from different algorithms never collide as
// cache keys. This is also the textual form used directly as a file
// cache key.
func (h Hash) String() string {
	if h.IsNil() {
		return "nil"
	}
	return h.algo + "-" + hex.EncodeToString(h.sum[:h.n])
}

// MarshalText implements encoding.TextMarshaler so a Hash can be used
// as a map key in JSON/YAML-encoded manifests.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "nil" || s == "" {
		*h = Nil
		return nil
	}
	algo, hexpart, ok := cut(s, "-")
	if !ok {
		return errors.New("hash: malformed text form " + s)
	}
	raw, err := hex.DecodeString(hexpart)
	if err != nil {
		return err
	}
	if len(raw) > maxSize {
		return errors.New("hash: digest too large")
	}
	var nh Hash
	nh.algo = algo
	nh.n = len(raw)
	copy(nh.sum[:], raw)
	*h = nh
	return nil
}

func cut(s, sep string) (before, after string, found bool) {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}

func fromRaw(algo string, raw []byte) Hash {
	if len(raw) > maxSize {
		panic("hash: algorithm produced an oversized digest")
	}
	var h Hash
	h.algo = algo
	h.n = len(raw)
	copy(h.sum[:], raw)
	return h
}

// Algorithm computes Hash values over byte streams. Implementations
// must be safe for concurrent use: the reviver calls Sum from multiple
// goroutines' worth of hashing work funneled through one driver
// goroutine, but callers are free to hash speculatively ahead of time.
type Algorithm interface {
	// Name identifies the algorithm; it is embedded in Hash.String so
	// digests never alias across algorithms.
	Name() string
	// Size is the number of digest bytes Sum produces.
	Size() int
	// Sum returns the digest of data.
	Sum(data []byte) Hash
	// SumReader returns the digest of everything read from r.
	SumReader(r io.Reader) (Hash, error)
}
