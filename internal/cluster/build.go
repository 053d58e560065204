// Package cluster orchestrates one distributed sketch build: hash
// broadcast, per-rank ingest, and the sum-reduction onto root. It is
// the one place that calls both internal/worker and internal/collective,
// keeping them otherwise unaware of each other.
package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/sketchcluster/internal/collective"
	"github.com/swarmguard/sketchcluster/internal/hashfam"
	"github.com/swarmguard/sketchcluster/internal/sketch"
	"github.com/swarmguard/sketchcluster/internal/telemetry"
	"github.com/swarmguard/sketchcluster/internal/worker"
)

const rootRank = 0

// Report is what a completed build hands back to the caller: the
// reduced global sketch and the diagnostic scalars summed across every
// rank. All of them land on root only; a non-root rank's Report has a
// nil Sketch and ProbeCounts and zero scalars.
type Report struct {
	Sketch      *sketch.Sketch // nil on non-root ranks
	ProbeCounts []uint64       // nil on non-root ranks
	ParseErrors uint64         // zero on non-root ranks
	LinesParsed uint64         // zero on non-root ranks
}

// RunRank executes one rank's full participation in a distributed
// build: receive the broadcast hash vector, ingest this rank's byte
// range of r, then contribute to the sum reduction. fileSize and
// comm.Rank()/comm.Size() together determine this rank's chunk. Only
// the root's Report carries a non-nil Sketch — every other rank's
// local sketch is freed once its contribution has been reduced away,
// since partial sketches are never surfaced.
// metrics may be nil — every increment below is a guarded no-op when
// OTLP export is disabled (cfg.OTLPEnabled false in cmd/sketchcluster).
func RunRank(ctx context.Context, comm collective.Comm, r io.ReaderAt, fileSize int64, threads int, cfg sketch.Config, probes []worker.Probe, metrics *telemetry.Metrics) (Report, error) {
	rank, size := comm.Rank(), comm.Size()
	logger := slog.Default().With("rank", rank, "size", size)

	ctx, endBroadcast := telemetry.WithSpan(ctx, "cluster.broadcast_hashes")
	hashes, err := broadcastHashes(ctx, comm, cfg)
	endBroadcast()
	if err != nil {
		return Report{}, fmt.Errorf("cluster: hash broadcast: %w", err)
	}
	bumpCounter(ctx, metrics, func(m *telemetry.Metrics) metric.Int64Counter { return m.CollectiveRoundTrips }, 1)

	ctx, endIngest := telemetry.WithSpan(ctx, "cluster.ingest")
	result, err := worker.Run(ctx, r, fileSize, rank, size, threads, cfg, hashes, probes)
	endIngest()
	if err != nil {
		return Report{}, fmt.Errorf("cluster: rank %d ingest: %w", rank, err)
	}
	logger.Info("ingest complete", "lines_parsed", result.LinesParsed, "parse_errors", result.ParseErrors)
	bumpCounter(ctx, metrics, func(m *telemetry.Metrics) metric.Int64Counter { return m.ItemsIngested }, int64(result.LinesParsed))
	bumpCounter(ctx, metrics, func(m *telemetry.Metrics) metric.Int64Counter { return m.ParseErrors }, int64(result.ParseErrors))

	ctx, endBarrier := telemetry.WithSpan(ctx, "cluster.barrier")
	err = comm.Barrier(ctx)
	endBarrier()
	if err != nil {
		return Report{}, fmt.Errorf("cluster: barrier: %w", err)
	}

	ctx, endReduce := telemetry.WithSpan(ctx, "cluster.reduce")
	defer endReduce()
	report, err := reduce(ctx, comm, result, cfg, hashes, len(probes))
	bumpCounter(ctx, metrics, func(m *telemetry.Metrics) metric.Int64Counter { return m.CollectiveRoundTrips }, int64(4+len(probes)))
	return report, err
}

// bumpCounter is a nil-safe Add: most callers run with metrics == nil
// (OTLP export off), so every instrument access goes through here
// instead of repeating a nil check at each call site.
func bumpCounter(ctx context.Context, metrics *telemetry.Metrics, pick func(*telemetry.Metrics) metric.Int64Counter, n int64) {
	if metrics == nil || n == 0 {
		return
	}
	pick(metrics).Add(ctx, n)
}

// broadcastHashes has root draw the hash vector once and distribute
// its wire image to every rank.
func broadcastHashes(ctx context.Context, comm collective.Comm, cfg sketch.Config) ([]hashfam.Hash, error) {
	var payload []byte
	if comm.Rank() == rootRank {
		hashes := cfg.PinnedHashes
		if len(hashes) == 0 {
			width, depth, err := sketchGeometry(cfg)
			if err != nil {
				return nil, err
			}
			prime := cfg.Prime
			if prime == 0 {
				prime = hashfam.DefaultPrime
			}
			hashes, err = hashfam.DrawArray(prime, width, depth)
			if err != nil {
				return nil, err
			}
		}
		payload = hashfam.Marshal(hashes)
	}
	received, err := comm.Broadcast(ctx, rootRank, payload)
	if err != nil {
		return nil, err
	}
	return hashfam.Unmarshal(received)
}

// sketchGeometry re-derives (width, depth) the same way sketch.Config
// does internally, needed here because root must draw hashes before
// any *Sketch exists to draw them for it.
func sketchGeometry(cfg sketch.Config) (width uint32, depth int, err error) {
	probe, err := sketch.New(cfg)
	if err != nil {
		return 0, 0, err
	}
	width, depth = probe.Width(), probe.Depth()
	probe.Free()
	return width, depth, nil
}

// reduce sum-reduces local's table, total, and probe tallies onto
// root. Every rank calls every reduce operation; only root's return
// values are populated.
func reduce(ctx context.Context, comm collective.Comm, local *worker.Result, cfg sketch.Config, hashes []hashfam.Hash, nProbes int) (Report, error) {
	rank := comm.Rank()

	summedTable, err := comm.ReduceSum(ctx, rootRank, local.Sketch.Table())
	if err != nil {
		return Report{}, fmt.Errorf("reducing counter table: %w", err)
	}
	summedTotal, err := comm.ReduceSumScalar(ctx, rootRank, local.Sketch.Total())
	if err != nil {
		return Report{}, fmt.Errorf("reducing total: %w", err)
	}
	summedParseErrors, err := comm.ReduceSumScalar(ctx, rootRank, local.ParseErrors)
	if err != nil {
		return Report{}, fmt.Errorf("reducing parse errors: %w", err)
	}
	summedLinesParsed, err := comm.ReduceSumScalar(ctx, rootRank, local.LinesParsed)
	if err != nil {
		return Report{}, fmt.Errorf("reducing lines parsed: %w", err)
	}
	summedProbes := make([]uint64, nProbes)
	for i := 0; i < nProbes; i++ {
		var contribution uint64
		if i < len(local.ProbeCounts) {
			contribution = local.ProbeCounts[i]
		}
		sum, err := comm.ReduceSumScalar(ctx, rootRank, contribution)
		if err != nil {
			return Report{}, fmt.Errorf("reducing probe %d: %w", i, err)
		}
		summedProbes[i] = sum
	}

	if rank != rootRank {
		local.Sketch.Free()
		return Report{ParseErrors: summedParseErrors, LinesParsed: summedLinesParsed}, nil
	}

	global, err := sketch.NewWithHashes(cfg, hashes)
	if err != nil {
		return Report{}, fmt.Errorf("allocating global sketch: %w", err)
	}
	if err := global.LoadTable(summedTable); err != nil {
		return Report{}, err
	}
	global.SetTotal(summedTotal)

	return Report{
		Sketch:      global,
		ProbeCounts: summedProbes,
		ParseErrors: summedParseErrors,
		LinesParsed: summedLinesParsed,
	}, nil
}
