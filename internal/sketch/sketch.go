// Package sketch implements the Count-Min Sketch abstract data type:
// a d*w counter matrix, a shared universal hash vector, update/query
// primitives, and the merge/inner-product operations a collective
// reduction is built from.
package sketch

import (
	"fmt"
	"math"

	"github.com/swarmguard/sketchcluster/internal/digest"
	"github.com/swarmguard/sketchcluster/internal/hashfam"
)

// Config is the immutable parameter record consumed by New.
// epsilon/delta/prime are fields of a value the caller builds, never
// process-wide constants.
type Config struct {
	Epsilon float64
	Delta   float64
	Prime   uint64 // defaults to hashfam.DefaultPrime when zero

	// PinnedHashes, when non-empty, is used in place of a freshly drawn
	// hash vector: New delegates straight to NewWithHashes. Pinning lets
	// an operator rebuild a sketch over a changed dataset with the same
	// hash vector as a prior run, so the two are directly comparable by
	// MergeInto/InnerProduct instead of only by their point queries.
	PinnedHashes []hashfam.Hash
}

func (c Config) geometry() (width uint32, depth int, err error) {
	if c.Epsilon <= 0 || c.Epsilon >= 1 {
		return 0, 0, fmt.Errorf("%w: epsilon=%v", ErrConfig, c.Epsilon)
	}
	if c.Delta <= 0 || c.Delta >= 1 {
		return 0, 0, fmt.Errorf("%w: delta=%v", ErrConfig, c.Delta)
	}
	w := uint32(math.Ceil(math.E / c.Epsilon))
	d := int(math.Ceil(math.Log(1 / c.Delta)))
	return w, d, nil
}

// Sketch is a d*w counter matrix stored as one contiguous buffer with
// row stride w — preferred over a pointer-of-pointers layout because
// it turns a row-wise reduction into one slice per row with no extra
// allocation, and keeps the whole table cache-friendly.
type Sketch struct {
	width  uint32
	depth  int
	table  []uint32 // len == depth*width, row r occupies table[r*width:(r+1)*width]
	hashes []hashfam.Hash
	total  uint64
	params Config
	freed  bool
}

// New allocates a sketch, drawing a fresh hash vector. Called once by
// whichever party owns geometry selection (the root, in a distributed
// build; the caller directly, in a standalone one).
func New(cfg Config) (*Sketch, error) {
	if len(cfg.PinnedHashes) > 0 {
		return NewWithHashes(cfg, cfg.PinnedHashes)
	}
	width, depth, err := cfg.geometry()
	if err != nil {
		return nil, err
	}
	prime := cfg.Prime
	if prime == 0 {
		prime = hashfam.DefaultPrime
	}
	hashes, err := hashfam.DrawArray(prime, width, depth)
	if err != nil {
		return nil, fmt.Errorf("sketch: drawing hash vector: %w", err)
	}
	cfg.Prime = prime
	return &Sketch{
		width:  width,
		depth:  depth,
		table:  make([]uint32, uint64(depth)*uint64(width)),
		hashes: hashes,
		params: cfg,
	}, nil
}

// NewWithHashes builds a zeroed sketch around an already-drawn hash
// vector, e.g. one a worker received from the root's broadcast. Width
// and depth are derived from the vector itself so the geometry can
// never drift from what was actually broadcast.
func NewWithHashes(cfg Config, hashes []hashfam.Hash) (*Sketch, error) {
	if len(hashes) == 0 {
		return nil, fmt.Errorf("%w: empty hash vector", ErrConfig)
	}
	width := hashes[0].W
	for _, h := range hashes {
		if h.W != width {
			return nil, fmt.Errorf("%w: hash vector has inconsistent width", ErrConfig)
		}
	}
	cfg.Prime = uint64(hashes[0].P)
	return &Sketch{
		width:  width,
		depth:  len(hashes),
		table:  make([]uint32, uint64(len(hashes))*uint64(width)),
		hashes: hashes,
		params: cfg,
	}, nil
}

// NewPrivate allocates a thread-private sub-sketch that shares parent's
// hash vector (no redraw) with a fresh zeroed table, so each thread can
// accumulate without contending on the parent's counters.
func NewPrivate(parent *Sketch) *Sketch {
	return &Sketch{
		width:  parent.width,
		depth:  parent.depth,
		table:  make([]uint32, len(parent.table)),
		hashes: parent.hashes,
		params: parent.params,
	}
}

// Width returns the sketch's column count w.
func (s *Sketch) Width() uint32 { return s.width }

// Depth returns the sketch's row count d.
func (s *Sketch) Depth() int { return s.depth }

// Total returns the sum of all update weights ever applied.
func (s *Sketch) Total() uint64 { return s.total }

// Hashes returns the sketch's hash vector. Callers must not mutate it.
func (s *Sketch) Hashes() []hashfam.Hash { return s.hashes }

// Row returns a bounds-checked view of row r's w counters without
// copying, for use by the collective reduction layer.
func (s *Sketch) Row(r int) []uint32 {
	return s.table[r*int(s.width) : (r+1)*int(s.width)]
}

// Table returns the whole depth*width counter buffer as a single
// contiguous slice, row-major with stride Width() — the layout used
// for the reduction transport. Callers must not mutate the returned
// slice except through LoadTable.
func (s *Sketch) Table() []uint32 { return s.table }

// LoadTable overwrites the sketch's counter buffer in place, e.g. with
// a collective reduction's summed result. flat must have exactly
// Depth()*Width() elements.
func (s *Sketch) LoadTable(flat []uint32) error {
	if len(flat) != len(s.table) {
		return fmt.Errorf("%w: LoadTable wants %d counters, got %d", ErrConfig, len(s.table), len(flat))
	}
	copy(s.table, flat)
	return nil
}

// SetTotal overwrites total directly, for assembling a sketch from an
// already-reduced table and a separately reduced total scalar (the
// collective layer reduces them as two independent payloads).
func (s *Sketch) SetTotal(total uint64) { s.total = total }

// Update increments the counter item x maps to in every row by c, and
// advances total by c, maintaining the invariant total == sum(C[r][*])
// for every row. Counters saturate at math.MaxUint32 rather than
// wrapping, so a hot key degrades estimate accuracy instead of
// corrupting it via overflow.
func (s *Sketch) Update(x uint32, c uint32) {
	for r, h := range s.hashes {
		idx := hashfam.Evaluate(h, x)
		row := s.Row(r)
		row[idx] = saturatingAdd(row[idx], c)
	}
	s.total += uint64(c)
}

// UpdateString digests key to a uint32 item via a djb2-style hash and
// updates as usual.
func (s *Sketch) UpdateString(key []byte, c uint32) {
	s.Update(digest.String(key), c)
}

// PointQuery returns min_r C[r][h_r(x)], the standard CMS estimate,
// which never under-estimates the true count.
func (s *Sketch) PointQuery(x uint32) uint32 {
	min := uint32(math.MaxUint32)
	for r, h := range s.hashes {
		idx := hashfam.Evaluate(h, x)
		if v := s.Row(r)[idx]; v < min {
			min = v
		}
	}
	return min
}

// RangeQuery sums PointQuery over the inclusive integer range [lo, hi].
// It is defined as repeated point queries rather than a dyadic
// structure, trading query-time cost for a materially simpler,
// easier-to-verify implementation.
func (s *Sketch) RangeQuery(lo, hi uint32) (uint64, error) {
	if hi < lo {
		return 0, ErrInvalidRange
	}
	var sum uint64
	for x := lo; ; x++ {
		sum += uint64(s.PointQuery(x))
		if x == hi {
			break
		}
	}
	return sum, nil
}

// InnerProduct computes the row-wise dot product of two compatible
// sketches, minimised over rows.
func InnerProduct(a, b *Sketch) (uint64, error) {
	if !compatible(a, b) {
		return 0, ErrIncompatible
	}
	min := uint64(math.MaxUint64)
	for r := 0; r < a.depth; r++ {
		ra, rb := a.Row(r), b.Row(r)
		var dot uint64
		for j := range ra {
			dot += uint64(ra[j]) * uint64(rb[j])
		}
		if dot < min {
			min = dot
		}
	}
	return min, nil
}

// MergeInto folds src's counters and total into dst element-wise. The
// operation is associative and commutative, so it is safe to call with
// results arriving in any order during a reduction.
func MergeInto(dst, src *Sketch) error {
	if !compatible(dst, src) {
		return ErrIncompatible
	}
	for r := 0; r < dst.depth; r++ {
		dr, sr := dst.Row(r), src.Row(r)
		for j := range dr {
			dr[j] = saturatingAdd(dr[j], sr[j])
		}
	}
	dst.total += src.total
	return nil
}

// Free releases the sketch's backing storage. It is idempotent and
// safe to call on an already-freed sketch.
func (s *Sketch) Free() {
	if s.freed {
		return
	}
	s.table = nil
	s.freed = true
}

// RowSum returns sum(C[r][*]) for row r, used by invariant tests that
// check every row sum equals total.
func (s *Sketch) RowSum(r int) uint64 {
	var sum uint64
	for _, v := range s.Row(r) {
		sum += uint64(v)
	}
	return sum
}

func compatible(a, b *Sketch) bool {
	if a.width != b.width || a.depth != b.depth {
		return false
	}
	return hashfam.Equal(a.hashes, b.hashes)
}

func saturatingAdd(v, c uint32) uint32 {
	if math.MaxUint32-v < c {
		return math.MaxUint32
	}
	return v + c
}
