// Package resilience wraps the operations that can transiently fail —
// opening the input file, dialing the NATS collective transport — with
// retry-with-backoff and an adaptive circuit breaker, so a single
// flaky attempt never aborts a whole cluster build.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

const meterName = "sketchcluster"

// Retry runs fn until it succeeds, backing off exponentially (with
// jitter, capped at 60s between attempts) up to attempts total tries.
// It returns as soon as fn succeeds, or the error from the last
// attempt — which may be ctx.Err() if ctx was cancelled mid-backoff —
// once attempts are exhausted.
func Retry[T any](ctx context.Context, attempts int, initialDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter(meterName)
	attemptCounter, _ := meter.Int64Counter("sketchcluster_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("sketchcluster_retry_success_total")
	failCounter, _ := meter.Int64Counter("sketchcluster_retry_fail_total")

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialDelay
	eb.MaxInterval = 60 * time.Second
	eb.MaxElapsedTime = 0 // bounded by attempts below, not by wall-clock budget
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var result T
	err := backoff.Retry(func() error {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, policy)
	if err != nil {
		failCounter.Add(ctx, 1)
		return zero, err
	}
	successCounter.Add(ctx, 1)
	return result, nil
}
