// Command sketchcluster builds a Count-Min Sketch over a large file of
// unsigned decimal integers, distributing the ingest across ranks and
// threads, then reports point/range/probe accuracy against an optional
// ground-truth table.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/sketchcluster/internal/cluster"
	"github.com/swarmguard/sketchcluster/internal/collective"
	"github.com/swarmguard/sketchcluster/internal/config"
	"github.com/swarmguard/sketchcluster/internal/corelog"
	"github.com/swarmguard/sketchcluster/internal/query"
	"github.com/swarmguard/sketchcluster/internal/resilience"
	"github.com/swarmguard/sketchcluster/internal/sketch"
	"github.com/swarmguard/sketchcluster/internal/telemetry"
	"github.com/swarmguard/sketchcluster/internal/worker"
)

// Exit codes: distinct non-zero values for usage error, input-open
// failure, allocation failure, ground-truth load failure, a general
// build failure, and an estimation-invariant violation.
const (
	exitOK              = 0
	exitUsage           = 1
	exitInputOpen       = 2
	exitAllocation      = 3
	exitGroundTruth     = 4
	exitBuildFailure    = 5
	exitInvariant       = 6
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv))
}

func run(argv []string, getenv func(string) string) int {
	cfg, err := config.Parse(argv, getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	if cfg.JSONLogs {
		// corelog selects its handler from this variable.
		os.Setenv("SKETCHCLUSTER_JSON_LOG", "1")
	}
	logger := corelog.Init("sketchcluster")
	logger = logger.With("run_id", cfg.RunID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *telemetry.Metrics
	if cfg.OTLPEnabled {
		shutdownTracer := telemetry.InitTracer(ctx, "sketchcluster")
		shutdownMetrics, m := telemetry.InitMetrics(ctx, "sketchcluster")
		metrics = &m
		defer telemetry.Flush(ctx, shutdownTracer)
		defer telemetry.Flush(ctx, shutdownMetrics)
	}

	sketchCfg := sketch.Config{Epsilon: cfg.Epsilon, Delta: cfg.Delta, Prime: cfg.Prime}
	probes := []worker.Probe{
		worker.ExactProbe("p123", 123),
		worker.ExactProbe("p456", 456),
		worker.RangeProbe("p100_110", 100, 110),
	}

	report, fileSize, err := openAndBuild(ctx, cfg, sketchCfg, probes, metrics, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return codeFor(err)
	}
	if report.Sketch == nil {
		// Non-root rank in a distributed deployment: nothing left to report.
		return exitOK
	}
	defer report.Sketch.Free()

	logger.Info("build complete",
		"file_size", fileSize,
		"total", report.Sketch.Total(),
		"lines_parsed", report.LinesParsed,
		"parse_errors", report.ParseErrors,
		"probe_p123", report.ProbeCounts[0],
		"probe_p456", report.ProbeCounts[1],
		"probe_p100_110", report.ProbeCounts[2])

	if cfg.GroundTruthDir == "" {
		fmt.Printf("total=%d lines_parsed=%d parse_errors=%d\n", report.Sketch.Total(), report.LinesParsed, report.ParseErrors)
		return exitOK
	}

	truth, err := query.LoadGroundTruthDir(cfg.GroundTruthDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGroundTruth
	}
	rep := query.Evaluate(report.Sketch, truth, report.Sketch.Total(), cfg.Epsilon)
	fmt.Printf("ground_truth_facts=%d exact_matches=%d within_bound=%d avg_abs_error=%.4f max_abs_error=%d\n",
		rep.N, rep.ExactMatches, rep.WithinBound, rep.AverageAbsError, rep.MaxAbsError)
	if err := query.CheckInvariant(rep); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvariant
	}
	return exitOK
}

// codeFor maps a sentinel error from the build pipeline to its exit
// code bucket.
func codeFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrResource):
		return exitInputOpen
	case errors.Is(err, sketch.ErrConfig):
		return exitAllocation
	default:
		return exitBuildFailure
	}
}

// openAndBuild opens the input file (retrying transient failures) and
// runs either the local in-process build (NATSURL empty) or this
// process's single rank of a NATS-distributed build.
func openAndBuild(ctx context.Context, cfg config.Cluster, sketchCfg sketch.Config, probes []worker.Probe, metrics *telemetry.Metrics, logger *slog.Logger) (cluster.Report, int64, error) {
	f, err := resilience.Retry(ctx, 3, 200*time.Millisecond, func() (*os.File, error) {
		return os.Open(cfg.InputPath)
	})
	if err != nil {
		return cluster.Report{}, 0, fmt.Errorf("%w: opening %s: %v", worker.ErrResource, cfg.InputPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return cluster.Report{}, 0, fmt.Errorf("%w: statting %s: %v", worker.ErrResource, cfg.InputPath, err)
	}
	fileSize := info.Size()

	if cfg.NATSURL == "" {
		report, err := buildLocal(ctx, cfg, sketchCfg, probes, f, fileSize, metrics, logger)
		return report, fileSize, err
	}
	report, err := buildDistributedRank(ctx, cfg, sketchCfg, probes, f, fileSize, metrics, logger)
	return report, fileSize, err
}

// buildLocal runs every rank as a goroutine over the in-process fake
// transport, sharing one *os.File — concurrent ReadAt over disjoint
// byte ranges is safe on a single file handle.
func buildLocal(ctx context.Context, cfg config.Cluster, sketchCfg sketch.Config, probes []worker.Probe, f *os.File, fileSize int64, metrics *telemetry.Metrics, logger *slog.Logger) (cluster.Report, error) {
	comms := collective.NewFakeCommGroup(cfg.Ranks)
	reports := make([]cluster.Report, cfg.Ranks)
	errs := make([]error, cfg.Ranks)

	var wg sync.WaitGroup
	for i, comm := range comms {
		wg.Add(1)
		go func(i int, comm collective.Comm) {
			defer wg.Done()
			reports[i], errs[i] = cluster.RunRank(ctx, comm, f, fileSize, cfg.ThreadsPerRank, sketchCfg, probes, metrics)
		}(i, comm)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return cluster.Report{}, fmt.Errorf("rank %d: %w", i, err)
		}
	}
	logger.Info("local build finished", "ranks", cfg.Ranks)
	return reports[0], nil
}

// buildDistributedRank runs this process as exactly one rank of a
// real multi-process build over NATS, guarding the dial with a retry
// and a circuit breaker so a worker fails fast against a dead root
// instead of hammering it.
func buildDistributedRank(ctx context.Context, cfg config.Cluster, sketchCfg sketch.Config, probes []worker.Probe, f *os.File, fileSize int64, metrics *telemetry.Metrics, logger *slog.Logger) (cluster.Report, error) {
	target := fmt.Sprintf("nats:rank=%d", cfg.Rank)
	breaker := resilience.NewCircuitBreaker(target, 30*time.Second, 6, 3, 0.5, 5*time.Second, 1)
	if !breaker.Allow() {
		return cluster.Report{}, fmt.Errorf("%w: circuit open, not attempting nats dial (%s)", collective.ErrProtocol, target)
	}
	comm, err := resilience.Retry(ctx, 5, 250*time.Millisecond, func() (*collective.NATSComm, error) {
		return collective.DialNATS(ctx, cfg.NATSURL, cfg.RunID, cfg.Rank, cfg.Ranks)
	})
	breaker.RecordResult(err == nil)
	if err != nil {
		return cluster.Report{}, fmt.Errorf("%w: dialing nats: %v", collective.ErrProtocol, err)
	}
	defer comm.Close()

	logger.Info("joined distributed build", "rank", cfg.Rank, "ranks", cfg.Ranks, "nats_url", cfg.NATSURL)
	return cluster.RunRank(ctx, comm, f, fileSize, cfg.ThreadsPerRank, sketchCfg, probes, metrics)
}
