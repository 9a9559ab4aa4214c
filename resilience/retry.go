// Package resilience provides retry, circuit-breaker and rate-limiter
// helpers for the ambient stack: internal/seed guards its bbolt writes with
// the circuit breaker and internal/notify bounds its NATS publishes with the
// rate limiter. Retry is not called by any package in this repository.
// The core packages (internal/seq, internal/tdc, internal/oec, internal/pc)
// never import this package: spec.md's core performs no retries on internal
// failures because there are none to retry.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff (base delay) + full jitter.
// delay is the initial backoff; it doubles each attempt, capped at 60s.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("wfengine-resilience")
	attemptCounter, _ := meter.Int64Counter("wfengine_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("wfengine_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("wfengine_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
