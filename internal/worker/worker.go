// Package worker partitions a file across ranks and, within a rank,
// across threads; parses one unsigned decimal integer per line; and
// accumulates into a sketch whose counters equal the sum of per-item
// updates for that rank's subset.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/swarmguard/sketchcluster/internal/hashfam"
	"github.com/swarmguard/sketchcluster/internal/sketch"
)

// Result is what a rank hands off to the collective reduction layer
// once its local ingest has finished.
type Result struct {
	Sketch      *sketch.Sketch
	ProbeCounts []uint64 // aligned index-for-index with the Probe slice passed to Run
	ParseErrors uint64
	LinesParsed uint64
}

// Run builds a Plan for the input (byte-range when fileSize is known,
// line-count otherwise), resolves this rank's share of it into a byte
// window, reads, parses, and accumulates that subset into a local
// sketch. threads thread-private sub-sketches (sharing the sketch's
// hash vector) are merged at a barrier once every thread's update loop
// completes — private sub-sketches avoid the per-counter contention a
// shared table plus atomics would need.
func Run(ctx context.Context, r io.ReaderAt, fileSize int64, rank, nranks, threads int, cfg sketch.Config, hashes []hashfam.Hash, probes []Probe) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if threads < 1 {
		threads = 1
	}

	plan, err := NewPlan(r, fileSize)
	if err != nil {
		return nil, err
	}
	start, end, err := plan.Range(r, rank, nranks)
	if err != nil {
		return nil, err
	}
	buf, err := ReadChunk(r, start, end)
	if err != nil {
		return nil, err
	}

	items, parseErrors, linesParsed := parseLines(buf)

	local, err := sketch.NewWithHashes(cfg, hashes)
	if err != nil {
		return nil, fmt.Errorf("worker: building local sketch: %w", err)
	}

	probeCounts, err := accumulate(local, items, threads, probes)
	if err != nil {
		return nil, err
	}

	return &Result{
		Sketch:      local,
		ProbeCounts: probeCounts,
		ParseErrors: parseErrors,
		LinesParsed: linesParsed,
	}, nil
}

// CheckParseErrors turns a non-zero ParseErrors count into an error
// wrapping ErrParse, for callers running in a mode where malformed
// input should fail the job rather than just being counted.
func CheckParseErrors(result *Result) error {
	if result.ParseErrors == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d malformed line(s) skipped during ingest", ErrParse, result.ParseErrors)
}

// parseLines splits buf on '\n' and parses each non-empty, trimmed line
// as an unsigned decimal integer. Malformed lines are skipped and
// counted in parseErrors rather than aborting the job; ErrParse exists
// so a caller who does want to fail hard on bad input can do so
// explicitly instead of the common path paying for it.
func parseLines(buf []byte) (items []uint32, parseErrors uint64, linesParsed uint64) {
	lines := bytes.Split(buf, []byte{'\n'})
	items = make([]uint32, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		v, err := strconv.ParseUint(string(line), 10, 32)
		if err != nil {
			parseErrors++
			continue
		}
		items = append(items, uint32(v))
		linesParsed++
	}
	return items, parseErrors, linesParsed
}

// accumulate partitions items disjointly across threads, updates each
// thread's private sub-sketch (and private probe tallies), then merges
// every sub-sketch into local under a barrier once all threads finish.
// Merge order does not matter: element-wise sum is associative and
// commutative.
func accumulate(local *sketch.Sketch, items []uint32, threads int, probes []Probe) ([]uint64, error) {
	if threads > len(items) && len(items) > 0 {
		threads = len(items)
	}
	if threads < 1 {
		threads = 1
	}

	subSketches := make([]*sketch.Sketch, threads)
	subProbeCounts := make([][]uint64, threads)

	var wg sync.WaitGroup
	chunkSize := (len(items) + threads - 1) / threads
	if chunkSize == 0 {
		chunkSize = 1
	}
	for t := 0; t < threads; t++ {
		lo := t * chunkSize
		hi := lo + chunkSize
		if lo > len(items) {
			lo = len(items)
		}
		if hi > len(items) {
			hi = len(items)
		}
		sub := sketch.NewPrivate(local)
		subSketches[t] = sub
		counts := make([]uint64, len(probes))
		subProbeCounts[t] = counts

		wg.Add(1)
		go func(slice []uint32, sub *sketch.Sketch, counts []uint64) {
			defer wg.Done()
			for _, x := range slice {
				sub.Update(x, 1)
				for i, p := range probes {
					if p.matches(x) {
						counts[i]++
					}
				}
			}
		}(items[lo:hi], sub, counts)
	}
	wg.Wait() // barrier: every thread's update loop has completed

	total := make([]uint64, len(probes))
	for t := 0; t < threads; t++ {
		if err := sketch.MergeInto(local, subSketches[t]); err != nil {
			return nil, fmt.Errorf("worker: merging thread-private sub-sketch: %w", err)
		}
		for i, c := range subProbeCounts[t] {
			total[i] += c
		}
	}
	return total, nil
}
