// Package oec implements the Order Expiry Cache: a per-class aging cache
// used to compute SLA-breach events for workflow orders.
package oec

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// defaultSLASeconds is used when a class's SLA is unset or zero.
	defaultSLASeconds = 1800
	// backShiftTolerance is the maximum allowed out-of-order creation time
	// relative to the current tail before it's logged as a warning. The
	// original asserts this in debug builds; here it's a non-fatal warning.
	backShiftTolerance = 30
)

type orderEntry struct {
	orderID OrderID
	created int64
}

// OrderID identifies a workflow order instance.
type OrderID int64

// ClassID identifies a workflow type/definition.
type ClassID int64

// Cache is a per-class FIFO of (order_id, created_time), assumed submitted
// in near-chronological order.
type Cache struct {
	mu sync.Mutex

	classes map[ClassID]*list.List // ClassID -> FIFO of *orderEntry

	tracer  trace.Tracer
	breaches metric.Int64Counter
}

// New constructs an empty Cache.
func New(tracer trace.Tracer, meter metric.Meter) *Cache {
	c := &Cache{
		classes: make(map[ClassID]*list.List),
		tracer:  tracer,
	}
	if meter != nil {
		c.breaches, _ = meter.Int64Counter("wfengine_oec_sla_breaches_total")
	}
	return c
}

// QueueOrder appends (order, created) to class's deque. Entries are
// expected roughly chronological; a back-shift of more than 30s relative to
// the current tail is logged, not rejected (the original's debug-only
// assert downgraded to a production warning).
func (c *Cache) QueueOrder(class ClassID, order OrderID, created int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fifo, ok := c.classes[class]
	if !ok {
		fifo = list.New()
		c.classes[class] = fifo
	}
	if back := fifo.Back(); back != nil {
		tail := back.Value.(*orderEntry)
		if tail.created-created > backShiftTolerance {
			slog.Warn("oec: order queued out of chronological order",
				"class", class, "order", order, "created", created, "tail_created", tail.created)
		}
	}
	fifo.PushBack(&orderEntry{orderID: order, created: created})
}

// ClassSLA maps a class id to its SLA threshold in seconds. A zero or
// absent value falls back to defaultSLASeconds.
type ClassSLA map[ClassID]int64

// GetEvents consumes a prefix of entries from every class whose age
// (now - created >= sla + delay) has elapsed, returning class -> breached
// count. Classes drained to empty are erased.
func (c *Cache) GetEvents(ctx context.Context, slaByClass ClassSLA, delay int64, now int64) map[ClassID]int {
	_, span := c.startSpan(ctx, "oec.get_events")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[ClassID]int)
	for class, fifo := range c.classes {
		sla := int64(defaultSLASeconds)
		if slaByClass != nil {
			if v, ok := slaByClass[class]; ok && v != 0 {
				sla = v
			}
		}
		threshold := sla + delay
		count := 0
		for fifo.Len() > 0 {
			front := fifo.Front()
			e := front.Value.(*orderEntry)
			if now-e.created < threshold {
				break
			}
			fifo.Remove(front)
			count++
		}
		if count > 0 {
			result[class] = count
		}
		if fifo.Len() == 0 {
			delete(c.classes, class)
		}
	}
	if c.breaches != nil {
		var total int64
		for _, n := range result {
			total += int64(n)
		}
		if total > 0 {
			c.breaches.Add(ctx, total)
		}
	}
	return result
}

// RemoveOrder linearly searches class for order and removes the first
// match.
func (c *Cache) RemoveOrder(class ClassID, order OrderID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fifo, ok := c.classes[class]
	if !ok {
		return false
	}
	for el := fifo.Front(); el != nil; el = el.Next() {
		if el.Value.(*orderEntry).orderID == order {
			fifo.Remove(el)
			if fifo.Len() == 0 {
				delete(c.classes, class)
			}
			return true
		}
	}
	return false
}

// Summary is a diagnostic per-class count; format is not a stable
// protocol.
type Summary struct {
	Class ClassID
	Count int
}

// GetSummary renders a per-class entry count for diagnostics.
func (c *Cache) GetSummary() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Summary, 0, len(c.classes))
	for class, fifo := range c.classes {
		out = append(out, Summary{Class: class, Count: fifo.Len()})
	}
	return out
}

// Detail is one order's diagnostic record.
type Detail struct {
	Class   ClassID
	Order   OrderID
	Created int64
}

// GetDetails renders every resident entry for diagnostics.
func (c *Cache) GetDetails() []Detail {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Detail
	for class, fifo := range c.classes {
		for el := fifo.Front(); el != nil; el = el.Next() {
			e := el.Value.(*orderEntry)
			out = append(out, Detail{Class: class, Order: e.orderID, Created: e.created})
		}
	}
	return out
}

func (c *Cache) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, name)
}
