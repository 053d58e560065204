// Package config builds a typed Cluster record from flags and
// environment variables. The build pipeline (sketch, worker,
// collective, cluster) takes Cluster, or the individual values it
// carries, as an explicit argument; the only other environment readers
// are corelog (log format and level) and telemetry (OTLP endpoints).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
)

// ErrUsage marks a configuration that failed validation before any
// work started (bad epsilon/delta, missing input path, and so on).
var ErrUsage = errors.New("config: invalid usage")

// Cluster is everything a cluster build run needs, gathered once at
// startup and passed down explicitly from there.
type Cluster struct {
	InputPath      string // positional arg: file to ingest
	GroundTruthDir string // optional positional arg: directory of "<value> <count>" files

	Epsilon float64
	Delta   float64
	Prime   uint64

	Ranks          int
	ThreadsPerRank int

	NATSURL string // empty selects the in-process fake transport
	Rank    int    // this process's rank when NATSURL is set; -1 runs every rank locally
	RunID   string // correlates ranks/logs/traces for one distributed build

	JSONLogs    bool
	OTLPEnabled bool
}

// Conservative defaults: epsilon=0.01, delta=0.01 give a wide sketch
// with a low false-positive rate out of the box.
const (
	defaultEpsilon = 0.01
	defaultDelta   = 0.01
	defaultPrime   = 2147483647 // matches hashfam.DefaultPrime, the Mersenne prime 2^31-1
)

// Parse builds a Cluster from argv (excluding the program name) and
// the process environment. Flags take precedence over
// SKETCHCLUSTER_*-prefixed environment variables, which take
// precedence over defaults.
func Parse(argv []string, getenv func(string) string) (Cluster, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	fs := flag.NewFlagSet("sketchcluster", flag.ContinueOnError)

	cfg := Cluster{}
	fs.Float64Var(&cfg.Epsilon, "epsilon", envFloat(getenv, "SKETCHCLUSTER_EPSILON", defaultEpsilon), "sketch error bound epsilon (width = ceil(e/epsilon))")
	fs.Float64Var(&cfg.Delta, "delta", envFloat(getenv, "SKETCHCLUSTER_DELTA", defaultDelta), "sketch failure probability delta (depth = ceil(ln(1/delta)))")
	fs.Uint64Var(&cfg.Prime, "prime", envUint64(getenv, "SKETCHCLUSTER_PRIME", defaultPrime), "prime modulus for the hash family")
	fs.IntVar(&cfg.Ranks, "ranks", envInt(getenv, "SKETCHCLUSTER_RANKS", 1), "number of distributed ranks")
	fs.IntVar(&cfg.ThreadsPerRank, "threads", envInt(getenv, "SKETCHCLUSTER_THREADS", 1), "worker goroutines per rank")
	fs.StringVar(&cfg.GroundTruthDir, "ground-truth", getenv("SKETCHCLUSTER_GROUND_TRUTH"), "directory of ground-truth count files")
	fs.StringVar(&cfg.NATSURL, "nats-url", getenv("SKETCHCLUSTER_NATS_URL"), "NATS server URL; empty uses the in-process fake transport")
	fs.IntVar(&cfg.Rank, "rank", envInt(getenv, "SKETCHCLUSTER_RANK", -1), "this process's rank in a NATS-distributed run; -1 runs every rank locally")
	fs.StringVar(&cfg.RunID, "run-id", getenv("SKETCHCLUSTER_RUN_ID"), "correlates ranks/logs/traces for one distributed build; generated if empty")
	fs.BoolVar(&cfg.JSONLogs, "json-logs", envBool(getenv, "SKETCHCLUSTER_JSON_LOG", false), "emit structured JSON logs")
	fs.BoolVar(&cfg.OTLPEnabled, "otel", envBool(getenv, "SKETCHCLUSTER_OTEL_ENABLED", false), "export traces/metrics via OTLP gRPC")

	if err := fs.Parse(argv); err != nil {
		return Cluster{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}

	args := fs.Args()
	if len(args) < 1 {
		return Cluster{}, fmt.Errorf("%w: missing input file path", ErrUsage)
	}
	cfg.InputPath = args[0]
	if len(args) > 1 {
		cfg.GroundTruthDir = args[1]
	}

	if err := cfg.validate(); err != nil {
		return Cluster{}, err
	}
	return cfg, nil
}

func (c Cluster) validate() error {
	if c.Epsilon <= 0 || c.Epsilon >= 1 {
		return fmt.Errorf("%w: epsilon must be in (0,1), got %v", ErrUsage, c.Epsilon)
	}
	if c.Delta <= 0 || c.Delta >= 1 {
		return fmt.Errorf("%w: delta must be in (0,1), got %v", ErrUsage, c.Delta)
	}
	if c.Ranks < 1 {
		return fmt.Errorf("%w: ranks must be >= 1, got %d", ErrUsage, c.Ranks)
	}
	if c.ThreadsPerRank < 1 {
		return fmt.Errorf("%w: threads must be >= 1, got %d", ErrUsage, c.ThreadsPerRank)
	}
	if c.NATSURL != "" && c.Rank < 0 {
		return fmt.Errorf("%w: -rank is required when -nats-url is set", ErrUsage)
	}
	return nil
}

func envFloat(getenv func(string) string, key string, fallback float64) float64 {
	if v := getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) int {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint64(getenv func(string) string, key string, fallback uint64) uint64 {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(getenv func(string) string, key string, fallback bool) bool {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
