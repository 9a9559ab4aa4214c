// Package tdc implements the Timed Data Cache: a FIFO with a globally
// tunable TTL and per-class fast purge, used to delay expiration of order
// or sync keys while a workflow step awaits a deferred decision.
package tdc

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workflow-engine/internal/config"
)

// entry is one FIFO node: (class, key, submit_time).
type entry[K comparable] struct {
	class     int64
	key       K
	submitted int64
}

// Cache is a generic TimedDataCache parametrized by key type (string for
// sync keys, int64 for order ids). Configuration: delayOpt names the TTL
// option read from SystemOptions on every getEvent iteration (so dynamic
// tuning takes effect); maxOpt, if non-empty, caps the cache's size.
type Cache[K comparable] struct {
	mu   sync.Mutex
	cond *sync.Cond

	fifo  *list.List // FIFO of *entry[K], oldest first
	index map[int64]map[K]*list.Element

	size int
	term bool

	delayOpt string
	maxOpt   string
	opts     config.SystemOptions

	tracer trace.Tracer
	evictions metric.Int64Counter
}

// New constructs an empty Cache. opts is the SystemOptions handle the
// cache reads delayOpt (required) and maxOpt (optional cap) from.
func New[K comparable](delayOpt, maxOpt string, opts config.SystemOptions, tracer trace.Tracer, meter metric.Meter) *Cache[K] {
	c := &Cache[K]{
		fifo:     list.New(),
		index:    make(map[int64]map[K]*list.Element),
		delayOpt: delayOpt,
		maxOpt:   maxOpt,
		opts:     opts,
		tracer:   tracer,
	}
	c.cond = sync.NewCond(&c.mu)
	if meter != nil {
		c.evictions, _ = meter.Int64Counter("wfengine_tdc_evictions_total")
	}
	return c
}

func (c *Cache[K]) maxSize() (int64, bool) {
	if c.maxOpt == "" || c.opts == nil {
		return 0, false
	}
	return c.opts.Opt(c.maxOpt)
}

func (c *Cache[K]) delay() int64 {
	if c.opts == nil {
		return 0
	}
	v, _ := c.opts.Opt(c.delayOpt)
	return v
}

// Set admits or refreshes (class, key). A refresh moves the entry to the
// tail with a new submit time. Returns stored=false (a rejection, not an
// error) if max is set and size would exceed it.
func (c *Cache[K]) Set(ctx context.Context, class int64, key K, now int64) (stored bool) {
	_, span := c.startSpan(ctx, "tdc.set")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	classIdx, ok := c.index[class]
	if ok {
		if el, exists := classIdx[key]; exists {
			c.fifo.MoveToBack(el)
			el.Value.(*entry[K]).submitted = now
			c.cond.Broadcast()
			return true
		}
	} else {
		classIdx = make(map[K]*list.Element)
		c.index[class] = classIdx
	}

	if max, hasMax := c.maxSize(); hasMax && int64(c.size) >= max {
		return false
	}

	wasEmpty := c.fifo.Len() == 0
	el := c.fifo.PushBack(&entry[K]{class: class, key: key, submitted: now})
	classIdx[key] = el
	c.size++
	if wasEmpty {
		c.cond.Broadcast()
	}
	return true
}

// DeleteKey removes (class, key) in O(1) via the two-level index.
func (c *Cache[K]) DeleteKey(class int64, key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	classIdx, ok := c.index[class]
	if !ok {
		return
	}
	el, ok := classIdx[key]
	if !ok {
		return
	}
	wasHead := c.fifo.Front() == el
	c.fifo.Remove(el)
	delete(classIdx, key)
	if len(classIdx) == 0 {
		delete(c.index, class)
	}
	c.size--
	if wasHead {
		c.cond.Broadcast()
	}
}

// PurgeClass removes every entry of class and returns the purged keys in
// lookup-map iteration order.
func (c *Cache[K]) PurgeClass(ctx context.Context, class int64) []K {
	_, span := c.startSpan(ctx, "tdc.purge_class")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	classIdx, ok := c.index[class]
	if !ok {
		return nil
	}
	purged := make([]K, 0, len(classIdx))
	headRemoved := false
	for key, el := range classIdx {
		if c.fifo.Front() == el {
			headRemoved = true
		}
		c.fifo.Remove(el)
		purged = append(purged, key)
	}
	c.size -= len(classIdx)
	delete(c.index, class)
	if c.evictions != nil {
		c.evictions.Add(ctx, int64(len(purged)))
	}
	if headRemoved {
		c.cond.Broadcast()
	}
	return purged
}

// GetEvent blocks until the head entry's expiry (submitted + delay <= now)
// is reached or the cache is terminated, then removes and returns it. The
// delay option is re-read on every iteration so a live SystemOptions change
// takes effect without restarting the cache.
func (c *Cache[K]) GetEvent(ctx context.Context, nowFn func() int64) (class int64, key K, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	for {
		if c.term {
			var zero K
			return 0, zero, false
		}
		if ctx != nil && ctx.Err() != nil {
			var zero K
			return 0, zero, false
		}
		front := c.fifo.Front()
		if front == nil {
			c.cond.Wait()
			continue
		}
		e := front.Value.(*entry[K])
		now := nowFn()
		delay := c.delay()
		expiry := e.submitted + delay
		if expiry <= now {
			c.fifo.Remove(front)
			delete(c.index[e.class], e.key)
			if len(c.index[e.class]) == 0 {
				delete(c.index, e.class)
			}
			c.size--
			return e.class, e.key, true
		}
		wait := time.Duration(expiry-now) * time.Second
		c.condWaitTimeout(wait)
	}
}

func (c *Cache[K]) condWaitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	c.cond.Wait()
}

// Size returns the current entry count (equals the FIFO length, TDC-1).
func (c *Cache[K]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Terminate sets the termination flag and wakes every GetEvent waiter.
// Precondition at destruction: size must be 0.
func (c *Cache[K]) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term = true
	c.cond.Broadcast()
}

// Summary is a diagnostic per-class entry count; format is not a stable
// protocol (spec §6 Introspection), mirroring oec.Cache.GetSummary.
type Summary struct {
	Class int64
	Count int
}

// GetSummary renders a per-class entry count for diagnostics.
func (c *Cache[K]) GetSummary() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Summary, 0, len(c.index))
	for class, keys := range c.index {
		out = append(out, Summary{Class: class, Count: len(keys)})
	}
	return out
}

// String renders a one-line diagnostic summary.
func (c *Cache[K]) String() string {
	c.mu.Lock()
	size, classes := c.size, len(c.index)
	c.mu.Unlock()
	return fmt.Sprintf("Cache{size=%d classes=%d delay_opt=%s}", size, classes, c.delayOpt)
}

func (c *Cache[K]) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, name)
}
