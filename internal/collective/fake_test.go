package collective

import (
	"context"
	"sync"
	"testing"
)

func TestFakeBroadcastDeliversRootPayload(t *testing.T) {
	const n = 4
	comms := NewFakeCommGroup(n)
	payload := []byte{1, 2, 3, 4}

	var wg sync.WaitGroup
	got := make([][]byte, n)
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Comm) {
			defer wg.Done()
			var data []byte
			if i == 0 {
				data = payload
			}
			out, err := c.Broadcast(context.Background(), 0, data)
			if err != nil {
				t.Errorf("rank %d Broadcast: %v", i, err)
			}
			got[i] = out
		}(i, c)
	}
	wg.Wait()

	for i, g := range got {
		if string(g) != string(payload) {
			t.Errorf("rank %d got %v, want %v", i, g, payload)
		}
	}
}

func TestFakeReduceSumLandsOnRoot(t *testing.T) {
	const n = 3
	comms := NewFakeCommGroup(n)
	local := [][]uint32{{1, 1}, {2, 2}, {3, 3}}

	var wg sync.WaitGroup
	results := make([][]uint32, n)
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Comm) {
			defer wg.Done()
			out, err := c.ReduceSum(context.Background(), 0, local[i])
			if err != nil {
				t.Errorf("rank %d ReduceSum: %v", i, err)
			}
			results[i] = out
		}(i, c)
	}
	wg.Wait()

	want := []uint32{6, 6}
	if results[0][0] != want[0] || results[0][1] != want[1] {
		t.Errorf("root result = %v, want %v", results[0], want)
	}
	for i := 1; i < n; i++ {
		if results[i] != nil {
			t.Errorf("rank %d expected nil, got %v", i, results[i])
		}
	}
}

func TestFakeReduceSumScalar(t *testing.T) {
	const n = 4
	comms := NewFakeCommGroup(n)

	var wg sync.WaitGroup
	results := make([]uint64, n)
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Comm) {
			defer wg.Done()
			out, err := c.ReduceSumScalar(context.Background(), 0, uint64(i+1))
			if err != nil {
				t.Errorf("rank %d ReduceSumScalar: %v", i, err)
			}
			results[i] = out
		}(i, c)
	}
	wg.Wait()

	if results[0] != 10 { // 1+2+3+4
		t.Errorf("root sum = %d, want 10", results[0])
	}
}

func TestFakeBarrierSynchronizes(t *testing.T) {
	const n = 5
	comms := NewFakeCommGroup(n)
	var crossed int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range comms {
		wg.Add(1)
		go func(c Comm) {
			defer wg.Done()
			if err := c.Barrier(context.Background()); err != nil {
				t.Errorf("Barrier: %v", err)
			}
			mu.Lock()
			crossed++
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	if crossed != n {
		t.Errorf("crossed = %d, want %d", crossed, n)
	}
}

func TestFakeCommSequentialOperations(t *testing.T) {
	const n = 2
	comms := NewFakeCommGroup(n)
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Comm) {
			defer wg.Done()
			var data []byte
			if i == 0 {
				data = []byte("hashvector")
			}
			if _, err := c.Broadcast(context.Background(), 0, data); err != nil {
				t.Errorf("Broadcast: %v", err)
			}
			if _, err := c.ReduceSum(context.Background(), 0, []uint32{uint32(i)}); err != nil {
				t.Errorf("ReduceSum: %v", err)
			}
			if err := c.Barrier(context.Background()); err != nil {
				t.Errorf("Barrier: %v", err)
			}
		}(i, c)
	}
	wg.Wait()
}
