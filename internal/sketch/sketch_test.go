package sketch

import (
	"errors"
	"testing"

	"github.com/swarmguard/sketchcluster/internal/hashfam"
)

func must(t *testing.T, cfg Config) *Sketch {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPointQueryNeverUnderestimatesKnownCounts(t *testing.T) {
	s := must(t, Config{Epsilon: 0.1, Delta: 0.1})
	items := []uint32{123, 123, 123, 456, 456, 999}
	for _, x := range items {
		s.Update(x, 1)
	}
	if got := s.PointQuery(123); got < 3 {
		t.Errorf("PointQuery(123) = %d, want >= 3", got)
	}
	if got := s.PointQuery(456); got < 2 {
		t.Errorf("PointQuery(456) = %d, want >= 2", got)
	}
	if got := s.PointQuery(999); got < 1 {
		t.Errorf("PointQuery(999) = %d, want >= 1", got)
	}
	if s.Total() != 6 {
		t.Errorf("Total() = %d, want 6", s.Total())
	}
	for r := 0; r < s.Depth(); r++ {
		if sum := s.RowSum(r); sum != 6 {
			t.Errorf("row %d sum = %d, want 6", r, sum)
		}
	}
}

func TestRangeQuerySumsPointEstimatesAcrossInterval(t *testing.T) {
	s := must(t, Config{Epsilon: 0.1, Delta: 0.1})
	for x := uint32(100); x <= 110; x++ {
		s.Update(x, 1)
	}
	s.Update(50, 1)
	s.Update(200, 1)

	got, err := s.RangeQuery(100, 110)
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	if got < 11 {
		t.Errorf("RangeQuery(100,110) = %d, want >= 11", got)
	}
}

func TestRangeQueryRejectsInverted(t *testing.T) {
	s := must(t, Config{Epsilon: 0.1, Delta: 0.1})
	if _, err := s.RangeQuery(10, 5); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("RangeQuery(10,5) error = %v, want ErrInvalidRange", err)
	}
}

func TestInnerProductMinimizesOverRows(t *testing.T) {
	hashes, err := hashfam.DrawArray(hashfam.DefaultPrime, 28, 3)
	if err != nil {
		t.Fatalf("DrawArray: %v", err)
	}
	a, err := NewWithHashes(Config{Epsilon: 0.1, Delta: 0.1}, hashes)
	if err != nil {
		t.Fatalf("NewWithHashes a: %v", err)
	}
	b, err := NewWithHashes(Config{Epsilon: 0.1, Delta: 0.1}, hashes)
	if err != nil {
		t.Fatalf("NewWithHashes b: %v", err)
	}
	for r := 0; r < 3; r++ {
		a.Row(r)[0] = uint32(r + 1)
		a.Row(r)[27] = uint32(r + 1)
		b.Row(r)[0] = uint32(r + 2)
		b.Row(r)[27] = uint32(r + 2)
	}

	got, err := InnerProduct(a, b)
	if err != nil {
		t.Fatalf("InnerProduct: %v", err)
	}
	// row 0: 1*2 + 1*2 = 4; row 1: 2*3 + 2*3 = 12; row 2: 3*4 + 3*4 = 24.
	// min over rows = 4.
	if got != 4 {
		t.Errorf("InnerProduct = %d, want 4", got)
	}
}

// inner_product(S, S) must be non-negative (guaranteed by its uint64
// return type — there's no representable negative value) and bounded
// above by (row-0 sum)^2, since the dot product of any row with itself
// is at most the square of that row's total mass.
func TestInnerProductSelfProductIsBoundedBySumSquared(t *testing.T) {
	hashes, err := hashfam.DrawArray(hashfam.DefaultPrime, 32, 4)
	if err != nil {
		t.Fatalf("DrawArray: %v", err)
	}
	s, err := NewWithHashes(Config{Epsilon: 0.1, Delta: 0.1}, hashes)
	if err != nil {
		t.Fatalf("NewWithHashes: %v", err)
	}
	for _, x := range []uint32{1, 1, 1, 2, 2, 3, 7, 7, 7, 7, 9} {
		s.Update(x, 1)
	}

	got, err := InnerProduct(s, s)
	if err != nil {
		t.Fatalf("InnerProduct(s, s): %v", err)
	}
	rowSum := s.RowSum(0)
	bound := rowSum * rowSum
	if got > bound {
		t.Fatalf("InnerProduct(s, s) = %d, want <= %d (row-0 sum %d squared)", got, bound, rowSum)
	}
}

// Accuracy bound: over many trials, each drawing a fresh random hash
// family, the fraction of distinct items whose point-query estimate
// overshoots the true count by more than epsilon*N must not exceed
// delta.
func TestAccuracyBoundHoldsAcrossRandomlyDrawnHashFamilies(t *testing.T) {
	const trials = 30
	const epsilon = 0.1
	const delta = 0.1
	const numDistinct = 50
	const perItemCount = 100

	var totalChecks, violations int
	for trial := 0; trial < trials; trial++ {
		s, err := New(Config{Epsilon: epsilon, Delta: delta})
		if err != nil {
			t.Fatalf("trial %d: New: %v", trial, err)
		}
		var n uint64
		for item := uint32(0); item < numDistinct; item++ {
			s.Update(item, perItemCount)
			n += perItemCount
		}
		threshold := epsilon * float64(n)
		for item := uint32(0); item < numDistinct; item++ {
			est := s.PointQuery(item)
			totalChecks++
			if float64(est)-float64(perItemCount) > threshold {
				violations++
			}
		}
		s.Free()
	}

	fraction := float64(violations) / float64(totalChecks)
	if fraction > delta {
		t.Fatalf("violation fraction = %v across %d checks (%d violations over %d trials), want <= delta (%v)",
			fraction, totalChecks, violations, trials, delta)
	}
}

func TestIndependentlyDrawnSketchesRejectMergeAndInnerProduct(t *testing.T) {
	a := must(t, Config{Epsilon: 0.1, Delta: 0.1})
	b := must(t, Config{Epsilon: 0.1, Delta: 0.1})

	if err := MergeInto(a, b); !errors.Is(err, ErrIncompatible) {
		t.Errorf("MergeInto error = %v, want ErrIncompatible", err)
	}
	if _, err := InnerProduct(a, b); !errors.Is(err, ErrIncompatible) {
		t.Errorf("InnerProduct error = %v, want ErrIncompatible", err)
	}
}

// Counterpart to the incompatibility case above: sketches sharing a
// hash vector must be mergeable.
func TestCompatibleSketchesMerge(t *testing.T) {
	hashes, _ := hashfam.DrawArray(hashfam.DefaultPrime, 128, 4)
	a, _ := NewWithHashes(Config{Epsilon: 0.1, Delta: 0.1}, hashes)
	b, _ := NewWithHashes(Config{Epsilon: 0.1, Delta: 0.1}, hashes)
	a.Update(7, 1)
	b.Update(7, 2)
	if err := MergeInto(a, b); err != nil {
		t.Fatalf("MergeInto: %v", err)
	}
	if got := a.PointQuery(7); got < 3 {
		t.Errorf("PointQuery(7) = %d, want >= 3", got)
	}
	if a.Total() != 3 {
		t.Errorf("Total() = %d, want 3", a.Total())
	}
}

func TestNewRejectsOutOfRangeParameters(t *testing.T) {
	cases := []Config{
		{Epsilon: 0, Delta: 0.1},
		{Epsilon: 1, Delta: 0.1},
		{Epsilon: 0.1, Delta: 0},
		{Epsilon: 0.1, Delta: 1},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); !errors.Is(err, ErrConfig) {
			t.Errorf("New(%+v) error = %v, want ErrConfig", cfg, err)
		}
	}
}

func TestNewWithPinnedHashesSkipsDrawAndMatchesNewWithHashes(t *testing.T) {
	hashes, err := hashfam.DrawArray(hashfam.DefaultPrime, 64, 3)
	if err != nil {
		t.Fatalf("DrawArray: %v", err)
	}
	pinned, err := New(Config{Epsilon: 0.1, Delta: 0.1, PinnedHashes: hashes})
	if err != nil {
		t.Fatalf("New with PinnedHashes: %v", err)
	}
	direct, err := NewWithHashes(Config{Epsilon: 0.1, Delta: 0.1}, hashes)
	if err != nil {
		t.Fatalf("NewWithHashes: %v", err)
	}
	if pinned.Width() != direct.Width() || pinned.Depth() != direct.Depth() {
		t.Fatalf("pinned geometry (%d,%d) != direct geometry (%d,%d)", pinned.Width(), pinned.Depth(), direct.Width(), direct.Depth())
	}
	if !hashfam.Equal(pinned.Hashes(), direct.Hashes()) {
		t.Fatalf("pinned hashes do not match the hashes passed to PinnedHashes")
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	s := must(t, Config{Epsilon: 0.1, Delta: 0.1})
	s.Free()
	s.Free() // must not panic
}

// Splitting an update stream across two sketches sharing a hash vector
// and merging them must equal a single sketch that saw the whole
// stream.
func TestMergeLinearity(t *testing.T) {
	hashes, _ := hashfam.DrawArray(hashfam.DefaultPrime, 256, 5)
	cfg := Config{Epsilon: 0.1, Delta: 0.1}
	whole, _ := NewWithHashes(cfg, hashes)
	part1, _ := NewWithHashes(cfg, hashes)
	part2, _ := NewWithHashes(cfg, hashes)

	stream := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	for i, x := range stream {
		whole.Update(x, 1)
		if i%2 == 0 {
			part1.Update(x, 1)
		} else {
			part2.Update(x, 1)
		}
	}
	if err := MergeInto(part1, part2); err != nil {
		t.Fatalf("MergeInto: %v", err)
	}
	for r := 0; r < whole.Depth(); r++ {
		wr, pr := whole.Row(r), part1.Row(r)
		for j := range wr {
			if wr[j] != pr[j] {
				t.Fatalf("row %d col %d: whole=%d merged=%d", r, j, wr[j], pr[j])
			}
		}
	}
	if whole.Total() != part1.Total() {
		t.Fatalf("total mismatch: whole=%d merged=%d", whole.Total(), part1.Total())
	}
}
