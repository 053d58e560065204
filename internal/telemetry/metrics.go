package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the counters a cluster build run increments from
// internal/cluster. RetryAttempts and CircuitOpenTransitions share
// their instrument names with the counters internal/resilience
// registers on the same meter itself.
type Metrics struct {
	ItemsIngested          metric.Int64Counter
	ParseErrors            metric.Int64Counter
	CollectiveRoundTrips   metric.Int64Counter
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
}

// InitMetrics sets up the global OTLP metrics exporter and returns its
// shutdown function alongside the bound instrument set. As with
// InitTracer, an unreachable collector degrades to a no-op exporter
// rather than failing the run.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Metrics {
	meter := otel.Meter(tracerName)
	items, _ := meter.Int64Counter("sketchcluster_items_ingested_total")
	parseErrs, _ := meter.Int64Counter("sketchcluster_parse_errors_total")
	rounds, _ := meter.Int64Counter("sketchcluster_collective_roundtrips_total")
	retries, _ := meter.Int64Counter("sketchcluster_retry_attempts_total")
	circuit, _ := meter.Int64Counter("sketchcluster_circuit_open_total")
	return Metrics{
		ItemsIngested:          items,
		ParseErrors:            parseErrs,
		CollectiveRoundTrips:   rounds,
		RetryAttempts:          retries,
		CircuitOpenTransitions: circuit,
	}
}
