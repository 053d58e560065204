// Package corelog configures the process-wide structured logger. Every
// binary in this module calls Init exactly once, at startup, before
// touching hashfam, sketch, worker, or collective.
package corelog

import (
	"log/slog"
	"os"
	"strings"
)

// Init builds a slog.Logger tagged with component, installs it as the
// package-level default (so library code that calls slog.Default()
// picks it up without threading a logger through every constructor),
// and returns it for callers that want to hold their own reference.
//
// SKETCHCLUSTER_JSON_LOG=1 switches the handler from text to JSON;
// SKETCHCLUSTER_LOG_LEVEL selects debug/info/warn/error (default info).
func Init(component string) *slog.Logger {
	jsonMode := boolEnv("SKETCHCLUSTER_JSON_LOG")
	opts := &slog.HandlerOptions{Level: levelFromEnv()}

	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonMode, "level", opts.Level)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("SKETCHCLUSTER_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func boolEnv(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
