package seed

import (
	"context"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workflow-engine/internal/seq"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	s, err := Open(filepath.Join(t.TempDir(), "seed.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Exercises Store.timed's breaker-gated path (Store.breaker.Allow/RecordResult)
// across repeated writes through the normal, closed-circuit case.
func TestSavePrimaryRoundTripsThroughBreaker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	records := []seq.SeedPrimaryRecord{{OrderID: 1, Priority: 2, Scheduled: 0}}

	for i := 0; i < 5; i++ {
		if err := s.SavePrimary(ctx, records); err != nil {
			t.Fatalf("SavePrimary attempt %d: %v", i, err)
		}
	}

	got, err := s.LoadPrimary()
	if err != nil {
		t.Fatalf("LoadPrimary: %v", err)
	}
	if len(got) != 1 || got[0].OrderID != 1 {
		t.Fatalf("got %+v, want one round-tripped record with OrderID 1", got)
	}
}

// A write against a database closed out from under the Store must surface
// bbolt's own error through timed(), not a breaker-open error — the breaker
// stays closed until it has seen minSamples failures.
func TestSavePrimaryErrorsAfterUnderlyingDBClosed(t *testing.T) {
	s := openTestStore(t)
	if err := s.db.Close(); err != nil {
		t.Fatalf("db.Close: %v", err)
	}

	err := s.SavePrimary(context.Background(), []seq.SeedPrimaryRecord{{OrderID: 2}})
	if err == nil {
		t.Fatalf("expected an error writing against a closed db")
	}
	if s.breaker.Allow() == false {
		t.Fatalf("breaker should still be closed after a single recorded failure")
	}
}
