package tdc

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workflow-engine/internal/config"
)

// Scenario F: max-size rejection and purge-then-admit.
func TestPurgeClassFreesCapacity(t *testing.T) {
	opts := config.NewStaticOptions(0, 0)
	opts.SetOpt("delay", 1000)
	opts.SetOpt("max", 3)
	mp := noopmetric.MeterProvider{}
	c := New[string]("delay", "max", opts, nil, mp.Meter("test"))
	ctx := context.Background()

	if ok := c.Set(ctx, 1, "A", 0); !ok {
		t.Fatalf("expected A admitted")
	}
	if ok := c.Set(ctx, 1, "B", 0); !ok {
		t.Fatalf("expected B admitted")
	}
	if ok := c.Set(ctx, 2, "C", 0); !ok {
		t.Fatalf("expected C admitted")
	}
	if ok := c.Set(ctx, 1, "D", 0); ok {
		t.Fatalf("expected D rejected at capacity 3")
	}

	purged := c.PurgeClass(ctx, 1)
	if len(purged) != 2 {
		t.Fatalf("expected 2 purged keys, got %v", purged)
	}
	if c.Size() != 1 {
		t.Fatalf("expected size 1 after purge, got %d", c.Size())
	}

	if ok := c.Set(ctx, 1, "D", 0); !ok {
		t.Fatalf("expected D admitted after purge freed capacity")
	}
	if c.Size() != 2 {
		t.Fatalf("expected size 2, got %d", c.Size())
	}
}

func TestSetRefreshesExistingEntry(t *testing.T) {
	opts := config.NewStaticOptions(0, 0)
	opts.SetOpt("delay", 100)
	mp := noopmetric.MeterProvider{}
	c := New[string]("delay", "", opts, nil, mp.Meter("test"))
	ctx := context.Background()

	c.Set(ctx, 1, "A", 0)
	c.Set(ctx, 1, "A", 50) // refresh, not a second entry
	if c.Size() != 1 {
		t.Fatalf("expected refresh to not grow size, got %d", c.Size())
	}

	class, key, ok := c.GetEvent(ctx, func() int64 { return 150 })
	if !ok || class != 1 || key != "A" {
		t.Fatalf("got class=%d key=%s ok=%v, want (1, A, true)", class, key, ok)
	}
}

func TestGetEventBlocksUntilExpiry(t *testing.T) {
	opts := config.NewStaticOptions(0, 0)
	opts.SetOpt("delay", 2)
	mp := noopmetric.MeterProvider{}
	c := New[int64]("delay", "", opts, nil, mp.Meter("test"))
	ctx := context.Background()

	c.Set(ctx, 1, 42, 0)

	clock := int64(0)
	resultCh := make(chan int64, 1)
	go func() {
		_, key, ok := c.GetEvent(ctx, func() int64 { return clock })
		if ok {
			resultCh <- key
		}
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case got := <-resultCh:
		t.Fatalf("expected no event yet, got %d", got)
	default:
	}

	clock = 2
	c.Set(ctx, 1, 43, 2) // nudges nothing but exercises concurrent Set during wait

	select {
	case got := <-resultCh:
		if got != 42 {
			t.Fatalf("got %d, want 42", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for expiry")
	}
}

func TestTerminateUnblocksGetEvent(t *testing.T) {
	opts := config.NewStaticOptions(0, 0)
	opts.SetOpt("delay", 1000)
	mp := noopmetric.MeterProvider{}
	c := New[string]("delay", "", opts, nil, mp.Meter("test"))
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		_, _, ok := c.GetEvent(ctx, func() int64 { return 0 })
		done <- ok
	}()
	time.Sleep(50 * time.Millisecond)
	c.Terminate()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected terminated wait to return false")
		}
	case <-time.After(time.Second):
		t.Fatalf("terminate did not unblock waiter")
	}
}

func TestDeleteKeyRemovesEntry(t *testing.T) {
	opts := config.NewStaticOptions(0, 0)
	opts.SetOpt("delay", 1000)
	mp := noopmetric.MeterProvider{}
	c := New[string]("delay", "", opts, nil, mp.Meter("test"))
	ctx := context.Background()
	c.Set(ctx, 1, "A", 0)
	c.DeleteKey(1, "A")
	if c.Size() != 0 {
		t.Fatalf("expected size 0 after delete, got %d", c.Size())
	}
}

func TestGetSummaryAndStringReflectOccupancy(t *testing.T) {
	opts := config.NewStaticOptions(0, 0)
	opts.SetOpt("delay", 1000)
	mp := noopmetric.MeterProvider{}
	c := New[string]("delay", "", opts, nil, mp.Meter("test"))
	ctx := context.Background()
	c.Set(ctx, 1, "A", 0)
	c.Set(ctx, 1, "B", 0)
	c.Set(ctx, 2, "C", 0)

	summary := c.GetSummary()
	counts := make(map[int64]int)
	for _, s := range summary {
		counts[s.Class] = s.Count
	}
	if counts[1] != 2 {
		t.Fatalf("class 1 count = %d, want 2", counts[1])
	}
	if counts[2] != 1 {
		t.Fatalf("class 2 count = %d, want 1", counts[2])
	}

	if s := c.String(); s == "" {
		t.Fatalf("String() returned empty diagnostic")
	}
}
