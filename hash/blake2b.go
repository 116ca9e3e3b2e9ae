package hash

import (
	"io"

	"golang.org/x/crypto/blake2b"
)

type blake2b256 struct{}

// Blake2b256 is a stronger, 256-bit algorithm offered as an
// alternative to SipHash64 for callers that want collision resistance
// against an adversary, not just stability across builds.
var Blake2b256 Algorithm = blake2b256{}

func (blake2b256) Name() string { return "blake2b256" }
func (blake2b256) Size() int    { return 32 }

func (blake2b256) Sum(data []byte) Hash {
	sum := blake2b.Sum256(data)
	return fromRaw("blake2b256", sum[:])
}

func (blake2b256) SumReader(r io.Reader) (Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return Nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Nil, err
	}
	return fromRaw("blake2b256", h.Sum(nil)), nil
}

// ByName resolves an algorithm by its Name(). It is the bridge between
// memconfig.Config.HashAlgorithm (a plain string, easy to put in YAML)
// and the Algorithm interface.
func ByName(name string) (Algorithm, bool) {
	switch name {
	case "", "siphash64", "sip64":
		return SipHash64, true
	case "blake2b256":
		return Blake2b256, true
	default:
		return nil, false
	}
}
