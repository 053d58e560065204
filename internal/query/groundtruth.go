// Package query loads ground-truth tables and evaluates a reduced
// sketch's point-query estimates against them. Nothing here mutates a
// sketch.
package query

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrGroundTruth marks a malformed ground-truth record or an
// unreadable ground-truth source.
var ErrGroundTruth = errors.New("query: ground truth load failure")

// Fact is one ground-truth (value, true_count) pair.
type Fact struct {
	Value     uint32
	TrueCount uint64
}

// LoadGroundTruthFile parses "<value> <count>" pairs, one per line,
// from r.
func LoadGroundTruthFile(r io.Reader) ([]Fact, error) {
	var facts []Fact
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %d: want 2 fields, got %d", ErrGroundTruth, lineNo, len(fields))
		}
		value, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: value: %v", ErrGroundTruth, lineNo, err)
		}
		count, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: count: %v", ErrGroundTruth, lineNo, err)
		}
		facts = append(facts, Fact{Value: uint32(value), TrueCount: count})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGroundTruth, err)
	}
	return facts, nil
}

// LoadGroundTruthDir reads and concatenates every regular file
// directly inside dir, in filename order, as ground-truth records.
func LoadGroundTruthDir(dir string) ([]Fact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrGroundTruth, dir, err)
	}
	var all []Fact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrGroundTruth, path, err)
		}
		facts, err := LoadGroundTruthFile(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, facts...)
	}
	return all, nil
}

// CountLines scans r and returns the number of non-blank lines it
// contains, answering "how many records does the input have" by
// scanning the file once rather than trusting a precomputed constant.
func CountLines(r io.Reader) (uint64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var n uint64
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: counting lines: %v", ErrGroundTruth, err)
	}
	return n, nil
}
