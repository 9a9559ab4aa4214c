package notify

import (
	"context"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workflow-engine/internal/oec"
)

// The limiter NewPublisher wires in is configured from the same
// maxPerSecond the caller passes in, not a hardcoded default.
func TestNewPublisherConfiguresLimiterCapacity(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	p := NewPublisher(nil, 2, mp.Meter("test"))

	if !p.limiter.Allow() {
		t.Fatalf("expected first publish to be allowed under capacity 2")
	}
	if !p.limiter.Allow() {
		t.Fatalf("expected second publish to be allowed under capacity 2")
	}
	if p.limiter.Allow() {
		t.Fatalf("expected third publish to be denied once capacity is exhausted")
	}
}

// With the limiter exhausted (capacity 0), publish must deny before ever
// touching the NATS connection, so a nil *nats.Conn is safe to pass.
func TestPublishSLABreachesDropsWithoutTouchingConnWhenRateLimited(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	p := NewPublisher(nil, 0, mp.Meter("test"))

	p.PublishSLABreaches(context.Background(), map[oec.ClassID]int{1: 3}, 1000)
}
