package worker

import (
	"bufio"
	"fmt"
	"io"
	"math"
)

// Strategy selects how a Plan turns a rank's share of the input into a
// byte range.
type Strategy int

const (
	// ByteRange splits fileSize bytes evenly across ranks, then
	// realigns both edges of each rank's slice onto record boundaries
	// (Window). This is the default: it needs no up-front scan of the
	// file, just its size.
	ByteRange Strategy = iota
	// LineCount splits the file's total record count evenly across
	// ranks instead of its byte size, for sources whose reported size
	// is zero or unreliable (e.g. some non-regular files). Every rank
	// independently counts records from the start of the file once,
	// which is deterministic and requires no coordination with the
	// other ranks.
	LineCount
)

// Plan captures which partition strategy a build uses and the input
// needed to carry it out.
type Plan struct {
	Strategy   Strategy
	FileSize   int64  // meaningful when Strategy == ByteRange
	TotalLines uint64 // meaningful when Strategy == LineCount
}

// NewPlan chooses ByteRange when fileSize is known and positive, and
// falls back to LineCount — counting r's records once — otherwise.
func NewPlan(r io.ReaderAt, fileSize int64) (Plan, error) {
	if fileSize > 0 {
		return Plan{Strategy: ByteRange, FileSize: fileSize}, nil
	}
	total, err := countLines(r)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Strategy: LineCount, TotalLines: total}, nil
}

// Range computes rank's [start, end) byte window under plan.
func (p Plan) Range(r io.ReaderAt, rank, nranks int) (start, end int64, err error) {
	switch p.Strategy {
	case LineCount:
		return lineWindow(r, p.TotalLines, rank, nranks)
	default:
		return Window(r, p.FileSize, rank, nranks)
	}
}

// countLines scans r from the start and returns the number of
// newline-terminated (or final, unterminated) records it contains.
func countLines(r io.ReaderAt) (uint64, error) {
	br := bufio.NewReader(io.NewSectionReader(r, 0, math.MaxInt64))
	var n uint64
	for {
		chunk, err := br.ReadString('\n')
		if len(chunk) > 0 {
			n++
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: counting records: %v", ErrResource, err)
		}
	}
}

// lineWindow computes rank's [loLine, hiLine) share of totalLines
// records, evenly divided with the last rank absorbing the remainder,
// then translates that into a byte range by scanning r from the start.
// This split is lossless by construction: boundaries sit exactly where
// ReadString returns a completed record, so there is no realignment
// heuristic and nothing to drop or double-count.
func lineWindow(r io.ReaderAt, totalLines uint64, rank, nranks int) (start, end int64, err error) {
	perRank := totalLines / uint64(nranks)
	loLine := uint64(rank) * perRank
	hiLine := loLine + perRank
	if rank == nranks-1 {
		hiLine = totalLines
	}

	br := bufio.NewReader(io.NewSectionReader(r, 0, math.MaxInt64))
	var offset int64
	var n uint64
	for n < hiLine {
		if n == loLine {
			start = offset
		}
		chunk, rerr := br.ReadString('\n')
		offset += int64(len(chunk))
		n++
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, 0, fmt.Errorf("%w: scanning line range: %v", ErrResource, rerr)
		}
	}
	return start, offset, nil
}
