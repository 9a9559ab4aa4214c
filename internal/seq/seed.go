package seq

import "context"

// Seed record shapes, mirroring the External Interfaces section: the
// caller replays an ordered sequence of these, recovered from a durable
// snapshot, through Init* before steady-state traffic begins.

// SeedPrimaryRecord seeds one primary (or scheduled) entry.
type SeedPrimaryRecord struct {
	OrderID    OrderID
	Priority   Priority
	ParentInfo ParentInfo
	Scheduled  int64 // 0 means "ready now"
}

// SeedRetryRecord seeds one retry entry. RetryTrigger != 0 routes fixed
// retry seeding to the fixed queue instead of the dynamic one; it has no
// effect on InitAsyncRetryQueue, which always seeds the async queue.
type SeedRetryRecord struct {
	OrderID      OrderID
	Modified     int64
	ParentInfo   ParentInfo
	RetryTrigger int64
}

// SeedBackendRecord seeds one backend entry; Kind-specific fields are
// populated per BackendEventKind.
type SeedBackendRecord struct {
	OrderID          OrderID
	StepIndex        StepIndex
	Priority         Priority
	ModificationTime int64
	ParentInfo       ParentInfo

	// Async
	QueueKey  string
	Data      any
	Corrected bool

	// SubWorkflow
	ChildOrderID OrderID
	Status       SubworkflowStatus // Corrected forces 'C'
}

// InitPrimaryQueue seeds the primary queue. Must run before steady-state
// traffic; not safe to call concurrently with anything else.
func (s *SegmentEventQueue) InitPrimaryQueue(ctx context.Context, records []SeedPrimaryRecord, now int64) {
	ctx, span := s.startSeedSpan(ctx, "seq.init_primary_queue")
	defer span.end()
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.primary.add(PrimaryEvent{OrderID: r.OrderID, Priority: r.Priority, ParentInfo: r.ParentInfo}, r.Scheduled, now)
	}
}

// InitRetryQueue seeds the dynamic retry queue, routing entries that carry
// a RetryTrigger to the fixed retry queue instead.
func (s *SegmentEventQueue) InitRetryQueue(ctx context.Context, records []SeedRetryRecord) {
	ctx, span := s.startSeedSpan(ctx, "seq.init_retry_queue")
	defer span.end()
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.RetryTrigger != 0 {
			s.retryFixed.add(RetryEvent{OrderID: r.OrderID, Time: r.RetryTrigger, ParentInfo: r.ParentInfo})
			continue
		}
		s.retryDynamic.add(RetryEvent{OrderID: r.OrderID, Time: r.Modified, ParentInfo: r.ParentInfo})
	}
}

// InitAsyncRetryQueue seeds the async retry queue.
func (s *SegmentEventQueue) InitAsyncRetryQueue(ctx context.Context, records []SeedRetryRecord) {
	ctx, span := s.startSeedSpan(ctx, "seq.init_async_retry_queue")
	defer span.end()
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.retryAsync.add(RetryEvent{OrderID: r.OrderID, Time: r.Modified, ParentInfo: r.ParentInfo})
	}
}

// InitEventQueue seeds segid's Event backend queue.
func (s *SegmentEventQueue) InitEventQueue(ctx context.Context, segid SegmentID, records []SeedBackendRecord) {
	ctx, span := s.startSeedSpan(ctx, "seq.init_event_queue")
	defer span.end()
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	bq := s.backendLocked(segid, "InitEventQueue")
	for _, r := range records {
		bq.submit(BackendEvent{
			OrderID:          r.OrderID,
			Priority:         r.Priority,
			ParentInfo:       r.ParentInfo,
			ModificationTime: r.ModificationTime,
			Kind:             KindEvent,
			StepIndices:      map[StepIndex]struct{}{r.StepIndex: {}},
		})
	}
}

// InitAsyncQueue seeds segid's Async backend queue.
func (s *SegmentEventQueue) InitAsyncQueue(ctx context.Context, segid SegmentID, records []SeedBackendRecord) {
	ctx, span := s.startSeedSpan(ctx, "seq.init_async_queue")
	defer span.end()
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	bq := s.backendLocked(segid, "InitAsyncQueue")
	for _, r := range records {
		bq.submit(BackendEvent{
			OrderID:          r.OrderID,
			Priority:         r.Priority,
			ParentInfo:       r.ParentInfo,
			ModificationTime: r.ModificationTime,
			Kind:             KindAsync,
			AsyncSteps: map[StepIndex]AsyncPayload{
				r.StepIndex: {QueueKey: r.QueueKey, Data: r.Data, Corrected: r.Corrected},
			},
		})
	}
}

// InitSubworkflowQueue seeds segid's SubWorkflow backend queue. A Corrected
// record forces status 'C' regardless of Status.
func (s *SegmentEventQueue) InitSubworkflowQueue(ctx context.Context, segid SegmentID, records []SeedBackendRecord) {
	ctx, span := s.startSeedSpan(ctx, "seq.init_subworkflow_queue")
	defer span.end()
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	bq := s.backendLocked(segid, "InitSubworkflowQueue")
	for _, r := range records {
		status := r.Status
		if r.Corrected {
			status = SubworkflowComplete
		}
		bq.submit(BackendEvent{
			OrderID:           r.OrderID,
			Priority:          r.Priority,
			ParentInfo:        r.ParentInfo,
			ModificationTime:  r.ModificationTime,
			Kind:              KindSubWorkflow,
			StepIndices:       map[StepIndex]struct{}{r.StepIndex: {}},
			SubworkflowStatus: status,
			ChildOrderID:      r.ChildOrderID,
		})
	}
}

// seedSpan is a tiny wrapper so startSeedSpan works whether or not a
// tracer was configured (tests construct a SegmentEventQueue with a nil
// tracer via New(nil-safe callers)).
type seedSpan struct {
	end func()
}

func (s *SegmentEventQueue) startSeedSpan(ctx context.Context, name string) (context.Context, seedSpan) {
	if s.tracer == nil {
		return ctx, seedSpan{end: func() {}}
	}
	ctx, span := s.tracer.Start(ctx, name)
	return ctx, seedSpan{end: span.End}
}
