package collective

import (
	"context"
	"fmt"
	"sync"
)

// rendezvous is a reusable generalisation of a barrier: every rank
// calls enter exactly once per logical collective call, the last
// arrival combines everyone's input, and all ranks observe the same
// combined result before proceeding. Broadcast, ReduceSum,
// ReduceSumScalar and Barrier are all special cases of this shape.
type rendezvous struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	gen     int
	arrived int
	inputs  []any
	result  any
}

func newRendezvous(n int) *rendezvous {
	r := &rendezvous{n: n, inputs: make([]any, n)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *rendezvous) enter(rank int, input any, combine func([]any) any) any {
	r.mu.Lock()
	myGen := r.gen
	r.inputs[rank] = input
	r.arrived++
	if r.arrived == r.n {
		r.result = combine(r.inputs)
		for i := range r.inputs {
			r.inputs[i] = nil
		}
		r.arrived = 0
		r.gen++
		r.cond.Broadcast()
	} else {
		for r.gen == myGen {
			r.cond.Wait()
		}
	}
	res := r.result
	r.mu.Unlock()
	return res
}

// group is the shared coordination state for one FakeComm cluster.
// Each logical collective call (broadcast, table-reduce, scalar-reduce,
// barrier) gets its own rendezvous so calls from different call sites
// never interleave their generations.
type group struct {
	n     int
	bcast *rendezvous
	rsum  *rendezvous
	rsc   *rendezvous
	bar   *rendezvous
}

// NewFakeCommGroup returns n Comm handles, one per simulated rank,
// sharing in-process coordination state, so the same pipeline code
// that runs against a real NATS cluster can be exercised by unit
// tests without one.
func NewFakeCommGroup(n int) []Comm {
	if n <= 0 {
		panic("collective: group size must be positive")
	}
	g := &group{
		n:     n,
		bcast: newRendezvous(n),
		rsum:  newRendezvous(n),
		rsc:   newRendezvous(n),
		bar:   newRendezvous(n),
	}
	out := make([]Comm, n)
	for i := range out {
		out[i] = &fakeComm{group: g, rank: i}
	}
	return out
}

type fakeComm struct {
	group *group
	rank  int
}

func (f *fakeComm) Rank() int { return f.rank }
func (f *fakeComm) Size() int { return f.group.n }

func (f *fakeComm) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := f.group.bcast.enter(f.rank, data, func(inputs []any) any {
		return inputs[root]
	})
	if res == nil {
		return nil, nil
	}
	return res.([]byte), nil
}

func (f *fakeComm) ReduceSum(ctx context.Context, root int, local []uint32) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := f.group.rsum.enter(f.rank, local, func(inputs []any) any {
		width := len(inputs[0].([]uint32))
		sum := make([]uint32, width)
		for _, in := range inputs {
			v := in.([]uint32)
			if len(v) != width {
				panic(fmt.Sprintf("collective: ReduceSum width mismatch: %d vs %d", len(v), width))
			}
			for j, c := range v {
				sum[j] += c
			}
		}
		return sum
	})
	if f.rank != root {
		return nil, nil
	}
	return res.([]uint32), nil
}

func (f *fakeComm) ReduceSumScalar(ctx context.Context, root int, local uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res := f.group.rsc.enter(f.rank, local, func(inputs []any) any {
		var sum uint64
		for _, in := range inputs {
			sum += in.(uint64)
		}
		return sum
	})
	if f.rank != root {
		return 0, nil
	}
	return res.(uint64), nil
}

func (f *fakeComm) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.group.bar.enter(f.rank, nil, func([]any) any { return nil })
	return nil
}
