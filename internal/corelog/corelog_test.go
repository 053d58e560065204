package corelog

import (
	"log/slog"
	"testing"
)

func TestLevelFromEnvDefaultsToInfo(t *testing.T) {
	t.Setenv("SKETCHCLUSTER_LOG_LEVEL", "")
	if got := levelFromEnv(); got != slog.LevelInfo {
		t.Fatalf("levelFromEnv() = %v, want Info", got)
	}
}

func TestLevelFromEnvRecognizesDebug(t *testing.T) {
	t.Setenv("SKETCHCLUSTER_LOG_LEVEL", "DEBUG")
	if got := levelFromEnv(); got != slog.LevelDebug {
		t.Fatalf("levelFromEnv() = %v, want Debug", got)
	}
}

func TestBoolEnvAcceptsCommonTruthyForms(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes"} {
		t.Setenv("SKETCHCLUSTER_JSON_LOG", v)
		if !boolEnv("SKETCHCLUSTER_JSON_LOG") {
			t.Fatalf("boolEnv(%q) = false, want true", v)
		}
	}
	t.Setenv("SKETCHCLUSTER_JSON_LOG", "0")
	if boolEnv("SKETCHCLUSTER_JSON_LOG") {
		t.Fatal("boolEnv(\"0\") = true, want false")
	}
}

func TestInitReturnsNonNilLogger(t *testing.T) {
	logger := Init("test-component")
	if logger == nil {
		t.Fatal("Init returned nil logger")
	}
}
