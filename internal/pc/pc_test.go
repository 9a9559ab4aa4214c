package pc

import (
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

type fakeListener struct {
	published []Aggregate
	snapshot  []HistoryPoint
}

func (f *fakeListener) Publish(a Aggregate)              { f.published = append(f.published, a) }
func (f *fakeListener) PublishSnapshot(h []HistoryPoint) { f.snapshot = append([]HistoryPoint{}, h...) }

func newTestCache() *Cache {
	mp := noopmetric.MeterProvider{}
	return New("p", mp.Meter("test"))
}

// Scenario G: a tick with no listeners still records history; average and
// throughput are derived from the posted samples.
func TestPopComputesAverageAndThroughputWithoutListeners(t *testing.T) {
	c := newTestCache()
	c.Post(10, 0)
	c.Post(20, 0)
	c.Post(30, 0)

	c.Pop(1)

	if c.HistoryLen() != 1 {
		t.Fatalf("expected history length 1, got %d", c.HistoryLen())
	}
	if h := c.history[0]; h.Average != 20 || h.Throughput != 1.8e8 {
		t.Fatalf("got avg=%v tp=%v, want avg=20 tp=1.8e8", h.Average, h.Throughput)
	}
}

func TestPopExpiresOldSamples(t *testing.T) {
	c := newTestCache()
	c.Post(10, 0)
	c.Pop(1)
	if c.BufferLen() != 0 {
		t.Fatalf("expected sample at time 0 expired after pop(1), got buffer len %d", c.BufferLen())
	}
}

// Scenario G continued: a listener that subscribes after history has
// accumulated receives the full backlog immediately.
func TestAddListenerQueueReceivesFullBacklog(t *testing.T) {
	c := newTestCache()
	for i := 0; i < 120; i++ {
		c.Post(float64(i), int64(i))
		c.Pop(int64(i + 1))
	}
	if c.HistoryLen() != maxHistory {
		t.Fatalf("expected history capped at %d, got %d", maxHistory, c.HistoryLen())
	}

	l := &fakeListener{}
	c.AddListenerQueue(l)
	if len(l.snapshot) != maxHistory {
		t.Fatalf("expected snapshot of %d entries, got %d", maxHistory, len(l.snapshot))
	}
}

func TestListenerReceivesAggregateOnTick(t *testing.T) {
	c := newTestCache()
	l := &fakeListener{}
	c.AddListenerQueue(l)

	c.Post(100, 0)
	c.Pop(1)

	if len(l.published) != 1 {
		t.Fatalf("expected 1 published aggregate, got %d", len(l.published))
	}
	if l.published[0].Name != "p" {
		t.Fatalf("expected name p, got %s", l.published[0].Name)
	}
}

func TestStopClearsListenersAndRunning(t *testing.T) {
	c := newTestCache()
	l := &fakeListener{}
	c.AddListenerQueue(l)
	c.Stop()

	c.Post(5, 0) // no-op once stopped
	if c.BufferLen() != 0 {
		t.Fatalf("expected post to be a no-op after Stop, got buffer len %d", c.BufferLen())
	}
}
