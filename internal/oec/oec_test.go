package oec

import (
	"context"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestCache() *Cache {
	mp := noopmetric.MeterProvider{}
	return New(nil, mp.Meter("test"))
}

func TestGetEventsDrainsExpiredPrefix(t *testing.T) {
	c := newTestCache()
	c.QueueOrder(1, 100, 0)
	c.QueueOrder(1, 101, 10)
	c.QueueOrder(1, 102, 2000)

	breaches := c.GetEvents(context.Background(), ClassSLA{1: 1800}, 0, 1900)
	if breaches[1] != 2 {
		t.Fatalf("expected 2 breaches for class 1, got %d", breaches[1])
	}

	details := c.GetDetails()
	if len(details) != 1 || details[0].Order != 102 {
		t.Fatalf("expected only order 102 remaining, got %+v", details)
	}
}

func TestGetEventsUsesDefaultSLAWhenUnset(t *testing.T) {
	c := newTestCache()
	c.QueueOrder(2, 200, 0)

	breaches := c.GetEvents(context.Background(), nil, 0, defaultSLASeconds)
	if breaches[2] != 1 {
		t.Fatalf("expected default SLA to breach at its own threshold, got %v", breaches)
	}
}

func TestGetEventsErasesEmptyClass(t *testing.T) {
	c := newTestCache()
	c.QueueOrder(3, 300, 0)
	c.GetEvents(context.Background(), ClassSLA{3: 10}, 0, 100)

	summary := c.GetSummary()
	for _, s := range summary {
		if s.Class == 3 {
			t.Fatalf("expected class 3 erased after draining to empty, got count %d", s.Count)
		}
	}
}

func TestRemoveOrderFirstMatch(t *testing.T) {
	c := newTestCache()
	c.QueueOrder(1, 10, 0)
	c.QueueOrder(1, 11, 1)

	if !c.RemoveOrder(1, 10) {
		t.Fatalf("expected removal to succeed")
	}
	if c.RemoveOrder(1, 10) {
		t.Fatalf("expected second removal of same order to fail")
	}
	details := c.GetDetails()
	if len(details) != 1 || details[0].Order != 11 {
		t.Fatalf("expected only order 11 remaining, got %+v", details)
	}
}

func TestGetEventsRespectsAdditionalDelay(t *testing.T) {
	c := newTestCache()
	c.QueueOrder(1, 10, 0)

	breaches := c.GetEvents(context.Background(), ClassSLA{1: 100}, 50, 140)
	if len(breaches) != 0 {
		t.Fatalf("expected no breach before sla+delay elapses, got %v", breaches)
	}
	breaches = c.GetEvents(context.Background(), ClassSLA{1: 100}, 50, 160)
	if breaches[1] != 1 {
		t.Fatalf("expected breach once sla+delay elapses, got %v", breaches)
	}
}
