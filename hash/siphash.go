package hash

import (
	"encoding/binary"
	"io"

	"github.com/dchest/siphash"
)

// sipKey0/sipKey1 are the fixed SipHash key halves used by the default
// algorithm. The key does not need to be secret (this is a hash, not a
// MAC): it only needs to be stable across a build so that two runs of
// the same operation produce the same digest.
const (
	sipKey0 = 0xb0b0b0b0b0b0b0b0
	sipKey1 = 0x6d656d6f5f636f72 // "memo_cor" in ASCII, arbitrary
)

type sipHash64 struct{}

// SipHash64 is the default Algorithm: a fast, 64-bit, non-cryptographic
// hash suitable for content-addressing build operations. It is not
// collision-resistant against an adversary, which is an acceptable
// trade for a local build cache.
var SipHash64 Algorithm = sipHash64{}

func (sipHash64) Name() string { return "sip64" }
func (sipHash64) Size() int    { return 8 }

func (sipHash64) Sum(data []byte) Hash {
	sum := siphash.Hash(sipKey0, sipKey1, data)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sum)
	return fromRaw("sip64", buf[:])
}

func (sipHash64) SumReader(r io.Reader) (Hash, error) {
	h := siphash.New(sipKey0, sipKey1)
	if _, err := io.Copy(h, r); err != nil {
		return Nil, err
	}
	var buf [8]byte
	h.Sum(buf[:0])
	return fromRaw("sip64", buf[:]), nil
}
