package worker

import (
	"errors"
	"fmt"
	"io"
)

// ErrResource marks I/O or allocation failures that abort the worker's
// job outright.
var ErrResource = errors.New("worker: resource failure")

// ErrParse marks a rank's input as containing malformed lines. Run
// itself never returns it — malformed lines are counted and skipped so
// one bad line can't sink an otherwise-good ingest — but a caller that
// wants zero tolerance can compare Result.ParseErrors against zero and
// wrap this sentinel into its own error.
var ErrParse = errors.New("worker: malformed input line")

// Chunk computes the deterministic half-open byte range [start, end)
// assigned to rank out of nranks over a file of fileSize bytes. The
// last rank absorbs the remainder so every byte of the file belongs to
// exactly one rank's unrealigned range.
func Chunk(fileSize int64, rank, nranks int) (start, end int64) {
	chunkSize := fileSize / int64(nranks)
	start = int64(rank) * chunkSize
	if rank == nranks-1 {
		end = fileSize
	} else {
		end = start + chunkSize
	}
	return start, end
}

// Realign advances start forward, byte by byte, until the byte
// immediately preceding it is a newline (or start reaches fileSize),
// landing on the first byte of a record. It is applied to BOTH
// internal chunk edges: rank i>0's start, and rank i<nranks-1's end
// use the identical raw boundary and the identical realignment rule,
// so Realign(end_i) == Realign(start_i+1) — the two ranks tile the
// file exactly, with no byte read twice and none dropped. (Realigning
// only the start and truncating each rank's trailing partial record
// instead drops the straddling record entirely, since the next rank's
// start-realignment would skip past it too — realigning both edges
// with the same function is what keeps every record accounted for.)
// Rank 0's start and the last rank's end are never realigned: 0 and
// fileSize are always valid boundaries.
func Realign(r io.ReaderAt, start, fileSize int64) (int64, error) {
	if start == 0 || start >= fileSize {
		return start, nil
	}
	buf := make([]byte, 1)
	for start < fileSize {
		if _, err := r.ReadAt(buf, start-1); err != nil && err != io.EOF {
			return 0, fmt.Errorf("%w: realigning chunk boundary: %v", ErrResource, err)
		}
		if buf[0] == '\n' {
			return start, nil
		}
		start++
	}
	return start, nil
}

// maxSingleRead bounds any one ReadAt call so a worker never has to
// trust the platform to service an arbitrarily large single read in
// one syscall.
const maxSingleRead = 1 << 28 // 256 MiB

// ReadChunk reads the full [start, end) byte range into memory,
// looping in maxSingleRead-sized sub-reads.
func ReadChunk(r io.ReaderAt, start, end int64) ([]byte, error) {
	size := end - start
	if size < 0 {
		return nil, fmt.Errorf("%w: invalid chunk range [%d, %d)", ErrResource, start, end)
	}
	buf := make([]byte, size)
	var off int64
	for off < size {
		want := size - off
		if want > maxSingleRead {
			want = maxSingleRead
		}
		n, err := r.ReadAt(buf[off:off+want], start+off)
		off += int64(n)
		if err != nil {
			if err == io.EOF && off >= size {
				break
			}
			if err != io.EOF {
				return nil, fmt.Errorf("%w: reading chunk: %v", ErrResource, err)
			}
			break
		}
	}
	return buf[:off], nil
}

// Window computes rank's fully realigned, lossless read range: raw
// boundaries from Chunk, with both edges run through Realign except
// where an edge already sits at a hard file boundary (start of rank 0,
// end of the last rank). Every record in the file then belongs to
// exactly one rank's window.
func Window(r io.ReaderAt, fileSize int64, rank, nranks int) (start, end int64, err error) {
	start, end = Chunk(fileSize, rank, nranks)
	if rank > 0 {
		if start, err = Realign(r, start, fileSize); err != nil {
			return 0, 0, err
		}
	}
	if rank != nranks-1 {
		if end, err = Realign(r, end, fileSize); err != nil {
			return 0, 0, err
		}
	}
	return start, end, nil
}
