package query

import (
	"errors"
	"fmt"

	"github.com/swarmguard/sketchcluster/internal/sketch"
)

// ErrInvariant marks an estimate that came in below its ground-truth
// count — point_query(S, x) >= true_count(x) must always hold for any
// x actually inserted into S. Seeing this means the sketch build has a
// bug, not that the input was noisy; it is never swallowed.
var ErrInvariant = errors.New("query: estimate below ground truth")

// Report summarizes how a sketch's point-query estimates compare
// against a ground-truth fact table.
type Report struct {
	N                int     // number of ground-truth facts evaluated
	ExactMatches     int     // estimate == true_count
	WithinBound      int     // estimate - true_count <= epsilon*total
	AverageAbsError  float64 // mean(estimate - true_count)
	MaxAbsError      uint64
	Violations       []Fact // facts where estimate < true_count (ErrInvariant)
}

// Evaluate runs point_query against every fact in truth and builds a
// Report. total is the dataset's overall item count N, used for the
// epsilon*N accuracy bound; epsilon is the sketch's configured
// accuracy parameter. Evaluate never returns ErrInvariant itself —
// violations are collected in the Report so a caller can decide how
// loudly to surface them — but every Violations entry is evidence a
// bug exists somewhere upstream of the sketch.
func Evaluate(s *sketch.Sketch, truth []Fact, total uint64, epsilon float64) Report {
	var rep Report
	rep.N = len(truth)
	bound := epsilon * float64(total)

	var sumAbsErr float64
	for _, f := range truth {
		estimate := uint64(s.PointQuery(f.Value))
		if estimate < f.TrueCount {
			rep.Violations = append(rep.Violations, f)
			continue
		}
		diff := estimate - f.TrueCount
		sumAbsErr += float64(diff)
		if diff > rep.MaxAbsError {
			rep.MaxAbsError = diff
		}
		if diff == 0 {
			rep.ExactMatches++
		}
		if float64(diff) <= bound {
			rep.WithinBound++
		}
	}
	if rep.N > 0 {
		rep.AverageAbsError = sumAbsErr / float64(rep.N)
	}
	return rep
}

// CheckInvariant returns ErrInvariant, wrapping every offending fact,
// if rep recorded any violations. Callers that want the diagnostic
// surfaced as an error (rather than just inspected in the Report) call
// this after Evaluate.
func CheckInvariant(rep Report) error {
	if len(rep.Violations) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d facts underestimated, first offender value=%d true=%d",
		ErrInvariant, len(rep.Violations), rep.N, rep.Violations[0].Value, rep.Violations[0].TrueCount)
}
