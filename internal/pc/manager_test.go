package pc

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func TestManagerAddReusesExistingCache(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	m := NewManager(mp.Meter("test"))
	a := m.Add("x")
	b := m.Add("x")
	if a != b {
		t.Fatalf("expected Add to return the same cache instance for the same name")
	}
}

func TestManagerDelRemovesAtZeroRefs(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	m := NewManager(mp.Meter("test"))
	c := m.Add("y")
	m.Del(c)
	c2 := m.Add("y")
	if c == c2 {
		t.Fatalf("expected a fresh cache after the prior one was fully dereferenced")
	}
}

func TestManagerRunTicksRegisteredCaches(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	m := NewManager(mp.Meter("test"))
	c := m.Add("z")
	c.Post(42, time.Now().Unix())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx, func() int64 { return time.Now().Unix() })

	deadline := time.After(3 * time.Second)
	for c.HistoryLen() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected background tick to populate history within 3s")
		case <-time.After(50 * time.Millisecond):
		}
	}
	m.Stop()
}
