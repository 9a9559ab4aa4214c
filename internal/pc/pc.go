// Package pc implements the Performance Cache and its Manager: a per-name
// throughput/latency sampler with a background tick thread that derives
// one-second aggregates, publishes them to listener queues, and retains a
// bounded rolling history.
package pc

import (
	"container/list"
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

const maxHistory = 120

// Sample is one posted (value, time) pair.
type Sample struct {
	Value float64
	Time  int64
}

// HistoryPoint is one tick's derived (average, throughput) pair.
// Throughput is defined as 3.6e9 / average, or 0 when the tick's buffer was
// empty.
type HistoryPoint struct {
	Average    float64
	Throughput float64
}

// Aggregate is what's published to a listener on each tick: the cache's
// name plus the latest one-second average/throughput.
type Aggregate struct {
	Name             string
	AverageOneSec    float64
	ThroughputOneSec float64
}

// ListenerQueue receives Aggregate values (on tick) and, on subscription
// while history is non-empty, the full history backlog as Snapshot.
type ListenerQueue interface {
	Publish(Aggregate)
	PublishSnapshot([]HistoryPoint)
}

// Cache holds one current-second sampling buffer (a deque of Sample with a
// running sum), a rolling history of up to 120 (average, throughput)
// entries, and a set of listener queues.
type Cache struct {
	mu sync.Mutex

	name string

	buffer    *list.List // FIFO of Sample within the current second
	runningSum float64

	history []HistoryPoint

	listeners map[ListenerQueue]struct{}

	running     bool
	managerRefs int // manager's own count, separate from external holder count
	externalRefs int

	historyGauge metric.Float64Gauge
}

// New constructs a running Cache named name.
func New(name string, meter metric.Meter) *Cache {
	c := &Cache{
		name:      name,
		buffer:    list.New(),
		listeners: make(map[ListenerQueue]struct{}),
		running:   true,
	}
	if meter != nil {
		c.historyGauge, _ = meter.Float64Gauge("wfengine_pc_history_length")
	}
	return c
}

// Post appends a sample at the current time if the cache is running.
func (c *Cache) Post(value float64, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.buffer.PushBack(Sample{Value: value, Time: now})
	c.runningSum += value
}

// Pop is called once per tick by the manager's background thread. It
// always derives (avg, tp) from the current one-second buffer and appends
// to history, trimming to maxHistory — independent of whether any listener
// is subscribed, so a listener that joins later still receives a full
// backlog (a deliberate divergence from the literal original, which only
// records history when listeners exist; see DESIGN.md). Emission to
// listeners remains gated on listeners existing. Samples with time <= now-1
// are then expired from the buffer.
func (c *Cache) Pop(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg, tp := 0.0, 0.0
	if c.buffer.Len() > 0 {
		avg = c.runningSum / float64(c.buffer.Len())
		if avg != 0 {
			tp = 3_600_000_000 / avg
		}
	}

	if len(c.listeners) > 0 {
		agg := Aggregate{Name: c.name, AverageOneSec: avg, ThroughputOneSec: tp}
		for l := range c.listeners {
			l.Publish(agg)
		}
	}

	c.history = append(c.history, HistoryPoint{Average: avg, Throughput: tp})
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	if c.historyGauge != nil {
		c.historyGauge.Record(context.Background(), float64(len(c.history)))
	}

	for front := c.buffer.Front(); front != nil; {
		next := front.Next()
		s := front.Value.(Sample)
		if s.Time <= now-1 {
			c.runningSum -= s.Value
			c.buffer.Remove(front)
		}
		front = next
	}
}

// AddListenerQueue registers q. If history is non-empty, q immediately
// receives the current history snapshot.
func (c *Cache) AddListenerQueue(q ListenerQueue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[q] = struct{}{}
	if len(c.history) > 0 {
		snapshot := make([]HistoryPoint, len(c.history))
		copy(snapshot, c.history)
		q.PublishSnapshot(snapshot)
	}
}

// RemoveListenerQueue deregisters q.
func (c *Cache) RemoveListenerQueue(q ListenerQueue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, q)
}

// Stop clears listeners and marks the cache not-running; Post becomes a
// no-op afterward.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.listeners = make(map[ListenerQueue]struct{})
}

// HistoryLen returns the current rolling history length (invariant: <=
// 120).
func (c *Cache) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// BufferLen returns the current one-second buffer length.
func (c *Cache) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.Len()
}

func (c *Cache) incExternal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.externalRefs++
}

func (c *Cache) incManager() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managerRefs++
}

func (c *Cache) decManager() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managerRefs--
	return c.managerRefs
}
