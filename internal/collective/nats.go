package collective

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/sketchcluster/internal/natsctx"
)

// NATSComm is the real collective transport: each rank is a separate
// OS process connected to a shared NATS server. Root acts as the
// collective's rendezvous point for each of the four operations this
// package exposes; every non-root rank sends its contribution as a
// NATS request and blocks on the reply, while root folds its own
// contribution in directly (no self-request) and replies to every
// requester once all Size()-1 peers have checked in. This keeps the
// wire protocol to plain request/reply, the idiom internal/natsctx is
// built around, rather than inventing a bespoke streaming protocol.
type NATSComm struct {
	nc    *nats.Conn
	runID string
	rank  int
	size  int

	mu   sync.Mutex
	subs []*nats.Subscription
	ops  map[string]*opState
}

// opState coordinates successive calls of one collective operation:
// root's own contribution and the pending NATS requests from every
// other rank all funnel through here, and whichever arrival completes
// the set performs the combine, fans the result out, and clears the
// state for the next call.
type opState struct {
	mu        sync.Mutex
	pending   []*nats.Msg
	rootData  []byte
	rootSet   bool
	resultDst chan []byte // buffered(1); root's caller reads the combined result here
}

// DialNATS connects to url and returns a Comm bound to runID, rank and
// size. Only root (rank 0) needs to keep listening between calls, so
// only root starts responders.
func DialNATS(ctx context.Context, url, runID string, rank, size int) (*NATSComm, error) {
	opts := []nats.Option{nats.Timeout(10 * time.Second)}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing nats at %s: %v", ErrProtocol, url, err)
	}
	c := &NATSComm{
		nc:    nc,
		runID: runID,
		rank:  rank,
		size:  size,
		ops:   make(map[string]*opState),
	}
	for _, op := range []string{"bcast", "reduce", "reducescalar", "barrier"} {
		c.ops[op] = &opState{resultDst: make(chan []byte, 1)}
	}
	if rank == 0 {
		if err := c.startResponders(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close releases the NATS connection and any responder subscriptions.
func (c *NATSComm) Close() {
	c.mu.Lock()
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.mu.Unlock()
	c.nc.Close()
}

func (c *NATSComm) Rank() int { return c.rank }
func (c *NATSComm) Size() int { return c.size }

func (c *NATSComm) subject(op string) string {
	return fmt.Sprintf("sketchcluster.%s.%s", op, c.runID)
}

func (c *NATSComm) startResponders() error {
	for _, op := range []string{"bcast", "reduce", "reducescalar", "barrier"} {
		op := op
		st := c.ops[op]
		sub, err := natsctx.Subscribe(c.nc, c.subject(op), func(_ context.Context, msg *nats.Msg) {
			st.mu.Lock()
			st.pending = append(st.pending, msg)
			c.tryCombineLocked(op, st)
			st.mu.Unlock()
		})
		if err != nil {
			return fmt.Errorf("%w: subscribing %s: %v", ErrProtocol, op, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// tryCombineLocked must be called with st.mu held. Once root's own
// contribution and all size-1 peer requests have arrived, it combines
// them once, replies to every pending requester, delivers the same
// combined payload to root's blocked caller, and resets st so the next
// call of the same operation starts from an empty set.
func (c *NATSComm) tryCombineLocked(op string, st *opState) {
	if !st.rootSet || len(st.pending) != c.size-1 {
		return
	}
	result := combine(op, st.rootData, st.pending)
	for _, m := range st.pending {
		_ = c.nc.Publish(m.Reply, result)
	}
	st.resultDst <- result
	st.pending = nil
	st.rootData = nil
	st.rootSet = false
}

func combine(op string, rootInput []byte, pending []*nats.Msg) []byte {
	switch op {
	case "bcast":
		return rootInput
	case "reduce":
		width := len(rootInput) / 4
		sum := make([]uint32, width)
		decodeU32Into(sum, rootInput)
		for _, m := range pending {
			v := make([]uint32, width)
			decodeU32Into(v, m.Data)
			for j := range sum {
				sum[j] += v[j]
			}
		}
		return encodeU32(sum)
	case "reducescalar":
		sum := binary.LittleEndian.Uint64(rootInput)
		for _, m := range pending {
			sum += binary.LittleEndian.Uint64(m.Data)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, sum)
		return buf
	default: // barrier
		return nil
	}
}

func (c *NATSComm) submitRoot(ctx context.Context, op string, data []byte) ([]byte, error) {
	st := c.ops[op]
	st.mu.Lock()
	st.rootData = data
	st.rootSet = true
	c.tryCombineLocked(op, st)
	st.mu.Unlock()
	select {
	case result := <-st.resultDst:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *NATSComm) request(ctx context.Context, op string, payload []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, c.subject(op), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s request: %v", ErrProtocol, op, err)
	}
	return msg.Data, nil
}

func (c *NATSComm) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if c.rank == root {
		return c.submitRoot(ctx, "bcast", data)
	}
	return c.request(ctx, "bcast", nil)
}

func (c *NATSComm) ReduceSum(ctx context.Context, root int, local []uint32) ([]uint32, error) {
	if c.rank == root {
		result, err := c.submitRoot(ctx, "reduce", encodeU32(local))
		if err != nil {
			return nil, err
		}
		out := make([]uint32, len(local))
		decodeU32Into(out, result)
		return out, nil
	}
	if _, err := c.request(ctx, "reduce", encodeU32(local)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *NATSComm) ReduceSumScalar(ctx context.Context, root int, local uint64) (uint64, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, local)
	if c.rank == root {
		result, err := c.submitRoot(ctx, "reducescalar", buf)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(result), nil
	}
	if _, err := c.request(ctx, "reducescalar", buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func (c *NATSComm) Barrier(ctx context.Context) error {
	if c.rank == 0 {
		_, err := c.submitRoot(ctx, "barrier", nil)
		return err
	}
	_, err := c.request(ctx, "barrier", nil)
	return err
}

func encodeU32(v []uint32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], x)
	}
	return buf
}

func decodeU32Into(dst []uint32, buf []byte) {
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}
