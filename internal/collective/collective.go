// Package collective models the capability set a distributed sketch
// build needs from its transport: {Broadcast(bytes), ReduceSum(u32
// array, root), ReduceSumScalar(u64, root), Barrier()}. The core never
// talks to a transport directly — it is built and tested against this
// interface, so the exact same pipeline code runs whether Comm is
// FakeComm (in-process, used by every unit test) or NATSComm (a real
// cluster, internal/collective/nats.go).
package collective

import "context"

// Comm is the collective capability a rank uses to participate in a
// distributed sketch build. Every method blocks until the collective
// operation completes across all ranks — the broadcast, the reduce,
// and the barrier are the only inter-process suspension points.
type Comm interface {
	// Rank returns this participant's 0-based rank.
	Rank() int
	// Size returns the number of participants (nranks).
	Size() int
	// Broadcast distributes data from root to every rank. Only the
	// value passed by root is meaningful; the return value is that
	// same payload, observed by every rank including root.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// ReduceSum performs an element-wise sum of local across all ranks,
	// landing the result on root. Every non-root rank's return value is
	// nil; root's is the summed vector. All ranks must pass a slice of
	// the same length.
	ReduceSum(ctx context.Context, root int, local []uint32) ([]uint32, error)
	// ReduceSumScalar sums a single uint64 counter across all ranks
	// onto root.
	ReduceSumScalar(ctx context.Context, root int, local uint64) (uint64, error)
	// Barrier blocks until every rank has called Barrier, used at the
	// end of each rank's local ingest before reduction begins.
	Barrier(ctx context.Context) error
}
