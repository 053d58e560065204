// Package hashfam draws and evaluates the 2-universal hash family shared
// by every row of a sketch and by every worker in a distributed build.
package hashfam

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
)

// DefaultPrime is the Mersenne prime used when the caller has no opinion.
const DefaultPrime uint64 = (1 << 31) - 1

// Hash is one row's (a, b, p, w) tuple. Evaluation is
// h(x) = ((a*x + b) mod p) mod w, carried out in a 64-bit intermediate so
// a*x+b never overflows for 32-bit a, b, x.
type Hash struct {
	A uint32
	B uint32
	P uint32
	W uint32
}

// wireHash is the fixed little-endian layout transmitted by a
// Broadcast: contiguous (a:u32, b:u32, p:u32, w:u32) records.
type wireHash struct {
	A, B, P, W uint32
}

const wireHashSize = 16 // 4 uint32 fields

// Draw samples a single hash with a uniform in [1, p-1] and b uniform in
// [0, p-1], using a cryptographic RNG so that workers started at the same
// instant never draw colliding sequences.
func Draw(p uint64, w uint32) (Hash, error) {
	if p < 2 {
		return Hash{}, fmt.Errorf("hashfam: prime must be >= 2, got %d", p)
	}
	a, err := randUint64InRange(1, p-1)
	if err != nil {
		return Hash{}, err
	}
	b, err := randUint64InRange(0, p-1)
	if err != nil {
		return Hash{}, err
	}
	return Hash{A: uint32(a), B: uint32(b), P: uint32(p), W: w}, nil
}

// DrawArray draws d independent hashes sharing (p, w). In a distributed
// build only the root calls it, before any worker begins updating.
func DrawArray(p uint64, w uint32, d int) ([]Hash, error) {
	if d <= 0 {
		return nil, fmt.Errorf("hashfam: depth must be positive, got %d", d)
	}
	out := make([]Hash, d)
	for i := range out {
		h, err := Draw(p, w)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

// Evaluate computes h(x) in [0, w). The intermediate a*x+b is computed in
// uint64 so it cannot overflow for any uint32 a, b, x.
func Evaluate(h Hash, x uint32) uint32 {
	prod := uint64(h.A)*uint64(x) + uint64(h.B)
	return uint32(prod % uint64(h.P) % uint64(h.W))
}

// Marshal encodes a hash vector into the row-major little-endian byte
// image broadcast at startup.
func Marshal(hs []Hash) []byte {
	buf := make([]byte, len(hs)*wireHashSize)
	for i, h := range hs {
		off := i * wireHashSize
		binary.LittleEndian.PutUint32(buf[off:], h.A)
		binary.LittleEndian.PutUint32(buf[off+4:], h.B)
		binary.LittleEndian.PutUint32(buf[off+8:], h.P)
		binary.LittleEndian.PutUint32(buf[off+12:], h.W)
	}
	return buf
}

// Unmarshal decodes a broadcast byte image back into a hash vector.
func Unmarshal(buf []byte) ([]Hash, error) {
	if len(buf)%wireHashSize != 0 {
		return nil, fmt.Errorf("hashfam: broadcast payload length %d is not a multiple of %d", len(buf), wireHashSize)
	}
	d := len(buf) / wireHashSize
	out := make([]Hash, d)
	for i := range out {
		off := i * wireHashSize
		out[i] = Hash{
			A: binary.LittleEndian.Uint32(buf[off:]),
			B: binary.LittleEndian.Uint32(buf[off+4:]),
			P: binary.LittleEndian.Uint32(buf[off+8:]),
			W: binary.LittleEndian.Uint32(buf[off+12:]),
		}
	}
	return out, nil
}

// Equal reports whether two hash vectors are bit-identical, the
// precondition required before any merge or inner product.
func Equal(a, b []Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func randUint64InRange(lo, hi uint64) (uint64, error) {
	if hi < lo {
		return 0, fmt.Errorf("hashfam: invalid range [%d, %d]", lo, hi)
	}
	span := hi - lo + 1
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(span))
	if err != nil {
		return 0, fmt.Errorf("hashfam: drawing random parameter: %w", err)
	}
	return lo + n.Uint64(), nil
}
