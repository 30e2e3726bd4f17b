package azks

import "lukechampine.com/blake3"

// Digest is the fixed-width output of the Hasher capability.
type Digest [32]byte

// Hasher is the domain-separated binary hash capability the core algorithm
// depends on (spec §4.5). Hash, Merge, and MergeWithInt must be domain
// separated from one another so that, for instance, a leaf's hash can never
// be confused with an internal node's 2-to-1 compression.
type Hasher interface {
	// Hash hashes a variable-length input.
	Hash(b []byte) Digest
	// Merge performs 2-to-1 compression of two digests.
	Merge(a, b Digest) Digest
	// MergeWithInt binds a digest to an epoch, for append-only epoch binding.
	MergeWithInt(d Digest, epoch uint64) Digest
}

const (
	domainHash byte = 0x00
	domainMerge byte = 0x01
	domainMergeInt byte = 0x02
)

// blake3Hasher is the default Hasher, backed by BLAKE3.
type blake3Hasher struct{}

// NewBLAKE3Hasher returns the default Hasher implementation.
func NewBLAKE3Hasher() Hasher { return blake3Hasher{} }

func (blake3Hasher) Hash(b []byte) Digest {
	buf := make([]byte, 0, 1+len(b))
	buf = append(buf, domainHash)
	buf = append(buf, b...)
	return blake3.Sum256(buf)
}

func (blake3Hasher) Merge(a, b Digest) Digest {
	buf := make([]byte, 0, 1+2*32)
	buf = append(buf, domainMerge)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return blake3.Sum256(buf)
}

func (blake3Hasher) MergeWithInt(d Digest, epoch uint64) Digest {
	buf := make([]byte, 1+32+8)
	buf[0] = domainMergeInt
	copy(buf[1:33], d[:])
	for i := 0; i < 8; i++ {
		buf[33+i] = byte(epoch >> (56 - 8*i))
	}
	return blake3.Sum256(buf[:1+32+8])
}

// emptyValue is the hash of the empty byte string, used as the dummy
// sentinel for a not-yet-present child and as the seed for interior-node
// folding.
func emptyValue(h Hasher) Digest {
	return h.Hash(nil)
}

// hashLabel produces the domain-separated hash of a label folded on the
// root path, per spec §4.1/§4.2.
func hashLabel(h Hasher, l NodeLabel) Digest {
	return h.Hash(l.Bytes())
}
