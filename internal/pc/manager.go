package pc

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Manager owns a name -> Cache mapping with reference counting: one count
// for external holders (incremented by Add, decremented by the caller's
// own bookkeeping) and one for the manager itself (Del decrements this one
// and removes the cache when it reaches zero). A single background thread
// ticks every Cache at 1Hz until Stop.
type Manager struct {
	mu     sync.Mutex
	caches map[string]*Cache

	meter metric.Meter

	stopCh   chan struct{}
	stopped  chan struct{}
	tickOnce sync.Once
}

// NewManager constructs an empty Manager. Call Run to start its background
// tick thread.
func NewManager(meter metric.Meter) *Manager {
	return &Manager{
		caches: make(map[string]*Cache),
		meter:  meter,
		stopCh: make(chan struct{}),
	}
}

// Add returns the existing Cache named name, incrementing both ref counts,
// or creates and registers a new one if absent.
func (m *Manager) Add(name string) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		c = New(name, m.meter)
		m.caches[name] = c
	}
	c.incExternal()
	c.incManager()
	return c
}

// Del decrements c's manager-held reference count and removes it from the
// registry once that count reaches zero. External holders that still hold
// a *Cache pointer may keep using it; it simply stops being ticked once
// Del has removed it from the map and nothing else calls Pop on it.
func (m *Manager) Del(c *Cache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remaining := c.decManager(); remaining <= 0 {
		delete(m.caches, c.name)
	}
}

// Run starts the 1Hz background tick thread: while not stopped, it holds
// the manager lock and invokes Pop(now) on every registered cache. now is
// injected so tests can drive deterministic ticks; production callers pass
// time.Now().Unix.
func (m *Manager) Run(ctx context.Context, now func() int64) {
	m.tickOnce.Do(func() {
		m.stopped = make(chan struct{})
		go m.tickLoop(ctx, now)
	})
}

func (m *Manager) tickLoop(ctx context.Context, now func() int64) {
	defer close(m.stopped)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(now())
		}
	}
}

func (m *Manager) tick(now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.caches {
		c.Pop(now)
	}
}

// Stop halts the background tick thread and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	if m.stopped != nil {
		<-m.stopped
	}
}
