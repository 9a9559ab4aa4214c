package seq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workflow-engine/internal/config"
)

// SegmentEventQueue composes a PrimaryQueue, the three retry queues
// (dynamic, async, fixed) and a map of BackendQueues keyed by segment id.
// It tracks per-order exclusion, connection termination sets, and holds
// back-references to the two external configuration handles.
//
// Locking discipline: one mutex protects every field below. A single
// condition supports retry waiters; the primary queue and each backend
// queue have their own condition, all sharing this same mutex. No lock is
// held across a call into another component (tdc/oec/pc): this type never
// imports them.
type SegmentEventQueue struct {
	mu sync.Mutex

	primaryCond *sync.Cond
	retryCond   *sync.Cond

	primary      *primaryQueue
	retryDynamic *retryQueue
	retryAsync   *retryQueue
	retryFixed   *retryQueue

	backends     map[SegmentID]*backendQueue
	backendConds map[SegmentID]*sync.Cond

	exclusion map[OrderID]int

	termConn      map[ConnID]struct{}
	retryTermConn map[ConnID]struct{}
	term          bool

	opts   config.SystemOptions
	params config.WorkflowParams

	tracer trace.Tracer
	instr  instruments
}

type instruments struct {
	submitted  metric.Int64Counter
	dispatched metric.Int64Counter
	rejected   metric.Int64Counter
}

// New builds an empty SegmentEventQueue. opts/params are the two opaque
// configuration handles the retry dispatch algorithm reads on every wait.
func New(opts config.SystemOptions, params config.WorkflowParams, tracer trace.Tracer, meter metric.Meter) *SegmentEventQueue {
	s := &SegmentEventQueue{
		primary:       newPrimaryQueue(),
		retryDynamic:  newRetryQueue(retryKindDynamic),
		retryAsync:    newRetryQueue(retryKindAsync),
		retryFixed:    newRetryQueue(retryKindFixed),
		backends:      make(map[SegmentID]*backendQueue),
		backendConds:  make(map[SegmentID]*sync.Cond),
		exclusion:     make(map[OrderID]int),
		termConn:      make(map[ConnID]struct{}),
		retryTermConn: make(map[ConnID]struct{}),
		opts:          opts,
		params:        params,
		tracer:        tracer,
	}
	s.primaryCond = sync.NewCond(&s.mu)
	s.retryCond = sync.NewCond(&s.mu)
	if meter != nil {
		s.instr.submitted, _ = meter.Int64Counter("wfengine_seq_events_submitted_total")
		s.instr.dispatched, _ = meter.Int64Counter("wfengine_seq_events_dispatched_total")
		s.instr.rejected, _ = meter.Int64Counter("wfengine_seq_events_rejected_total")
	}
	return s
}

// --- segment registration (single-threaded initialization) ---

func (s *SegmentEventQueue) addSegment(segid SegmentID, kind BackendEventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.backends[segid]; exists {
		precondition("addSegment", "segment id already registered")
	}
	s.backends[segid] = newBackendQueue(kind)
	s.backendConds[segid] = sync.NewCond(&s.mu)
}

// AddEventSegment registers a plain Event backend queue under segid.
func (s *SegmentEventQueue) AddEventSegment(segid SegmentID) { s.addSegment(segid, KindEvent) }

// AddAsyncSegment registers an Async backend queue under segid.
func (s *SegmentEventQueue) AddAsyncSegment(segid SegmentID) { s.addSegment(segid, KindAsync) }

// AddSubworkflowSegment registers a SubWorkflow backend queue under segid.
func (s *SegmentEventQueue) AddSubworkflowSegment(segid SegmentID) {
	s.addSegment(segid, KindSubWorkflow)
}

func (s *SegmentEventQueue) backendLocked(segid SegmentID, op string) *backendQueue {
	bq, ok := s.backends[segid]
	if !ok {
		precondition(op, "unknown segment id")
	}
	return bq
}

// --- steady-state submission ---

// QueuePrimaryEvent adds order to the ready or scheduled queue. scheduled
// of 0 (or <= now) means ready immediately.
func (s *SegmentEventQueue) QueuePrimaryEvent(order OrderID, priority Priority, parent ParentInfo, scheduled int64, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	becameReady := s.primary.add(PrimaryEvent{OrderID: order, Priority: priority, ParentInfo: parent}, scheduled, now)
	if becameReady {
		s.primaryCond.Broadcast()
	}
	s.countSubmitted()
}

// QueueWorkflowEvent adds/folds a plain Event backend entry for segid.
func (s *SegmentEventQueue) QueueWorkflowEvent(segid SegmentID, order OrderID, priority Priority, parent ParentInfo, steps map[StepIndex]struct{}, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bq := s.backendLocked(segid, "QueueWorkflowEvent")
	bq.submit(BackendEvent{
		OrderID:          order,
		Priority:         priority,
		ParentInfo:       parent,
		ModificationTime: now,
		Kind:             KindEvent,
		StepIndices:      steps,
	})
	s.backendConds[segid].Broadcast()
	s.countSubmitted()
}

// QueueAsyncEvent adds/folds a single step's Async payload for segid. A
// duplicate (seg, order, stepIndex) is a no-op: the existing payload wins.
func (s *SegmentEventQueue) QueueAsyncEvent(segid SegmentID, order OrderID, priority Priority, parent ParentInfo, step StepIndex, payload AsyncPayload, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bq := s.backendLocked(segid, "QueueAsyncEvent")
	bq.submit(BackendEvent{
		OrderID:          order,
		Priority:         priority,
		ParentInfo:       parent,
		ModificationTime: now,
		Kind:             KindAsync,
		AsyncSteps:       map[StepIndex]AsyncPayload{step: payload},
	})
	s.backendConds[segid].Broadcast()
	s.countSubmitted()
}

// QueueSubworkflowEvent adds/folds a SubWorkflow backend entry. status
// selects the COMPLETE/ERROR folding scope (invariant BE-1).
func (s *SegmentEventQueue) QueueSubworkflowEvent(segid SegmentID, order OrderID, priority Priority, parent ParentInfo, steps map[StepIndex]struct{}, status SubworkflowStatus, child OrderID, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bq := s.backendLocked(segid, "QueueSubworkflowEvent")
	bq.submit(BackendEvent{
		OrderID:           order,
		Priority:          priority,
		ParentInfo:        parent,
		ModificationTime:  now,
		Kind:              KindSubWorkflow,
		StepIndices:       steps,
		SubworkflowStatus: status,
		ChildOrderID:      child,
	})
	s.backendConds[segid].Broadcast()
	s.countSubmitted()
}

// QueueRetryEvent submits to the dynamic retry queue. The returned bool
// tells the caller whether to broadcast a requeue to all retry waiters —
// true for a new or demoted (earlier) entry, false for a no-op duplicate.
func (s *SegmentEventQueue) QueueRetryEvent(order OrderID, date int64, parent ParentInfo) bool {
	return s.queueRetry(s.retryDynamic, order, date, parent)
}

// QueueRetryEventFixed submits to the fixed (absolute trigger) retry queue.
func (s *SegmentEventQueue) QueueRetryEventFixed(order OrderID, date int64, parent ParentInfo) bool {
	return s.queueRetry(s.retryFixed, order, date, parent)
}

// QueueAsyncRetryEvent submits to the async retry queue.
func (s *SegmentEventQueue) QueueAsyncRetryEvent(order OrderID, date int64, parent ParentInfo) bool {
	return s.queueRetry(s.retryAsync, order, date, parent)
}

func (s *SegmentEventQueue) queueRetry(q *retryQueue, order OrderID, date int64, parent ParentInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := q.add(RetryEvent{OrderID: order, Time: date, ParentInfo: parent})
	if queued {
		s.retryCond.Broadcast()
		s.countSubmitted()
	} else if s.instr.rejected != nil {
		s.instr.rejected.Add(context.Background(), 1)
	}
	return queued
}

func (s *SegmentEventQueue) countSubmitted() {
	if s.instr.submitted != nil {
		s.instr.submitted.Add(context.Background(), 1)
	}
}

// ReschedPrimaryEvent moves order between the ready and scheduled queue, or
// updates its trigger time. Fails silently if order is not resident.
func (s *SegmentEventQueue) ReschedPrimaryEvent(order OrderID, date int64, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, becameReady := s.primary.resched(order, date, now)
	if becameReady {
		s.primaryCond.Broadcast()
	}
}

// Reprioritize changes order's priority wherever it is resident: primary,
// scheduled, and every backend queue. Returns true iff found anywhere.
func (s *SegmentEventQueue) Reprioritize(order OrderID, priority Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.primary.reprioritize(order, priority)
	for _, bq := range s.backends {
		if bq.reprioritize(order, priority) {
			found = true
		}
	}
	if found {
		s.primaryCond.Broadcast()
	}
	return found
}

// RemoveWorkflowOrder erases order from primary/scheduled and from the
// oldPriority bucket of every backend queue. Per the open question
// preserved from the component design, the caller must supply the priority
// the order currently holds; a stale value silently misses entries whose
// priority changed after submission.
func (s *SegmentEventQueue) RemoveWorkflowOrder(order OrderID, oldPriority Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary.removeWorkflowOrder(order)
	for _, bq := range s.backends {
		bq.removeWorkflowOrder(order, oldPriority)
	}
}

// RemoveWorkflowInstance erases order from all three retry queues.
func (s *SegmentEventQueue) RemoveWorkflowInstance(order OrderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryDynamic.remove(order)
	s.retryAsync.remove(order)
	s.retryFixed.remove(order)
}

// RequeueRetries clears every retry queue's marker set and broadcasts the
// retry condition, forcing every waiter to re-evaluate candidates. Used
// when external state changes may reorder retries.
func (s *SegmentEventQueue) RequeueRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryDynamic.clearMarks()
	s.retryAsync.clearMarks()
	s.retryFixed.clearMarks()
	s.retryCond.Broadcast()
}

// mergeMu serializes MergeAll calls across all SegmentEventQueue instances
// so two merges in opposite directions can never deadlock on each other's
// per-instance mutex.
var mergeMu sync.Mutex

// MergeAll atomically absorbs other's retry queues and backend queues
// (other must share the same segment set) into self; other is left empty.
// Used to consolidate execution instances.
func (s *SegmentEventQueue) MergeAll(other *SegmentEventQueue) {
	if s == other {
		return
	}
	mergeMu.Lock()
	defer mergeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	s.retryDynamic.merge(other.retryDynamic)
	s.retryAsync.merge(other.retryAsync)
	s.retryFixed.merge(other.retryFixed)
	for segid, bq := range other.backends {
		if dst, ok := s.backends[segid]; ok {
			dst.merge(bq)
		}
	}
	s.retryCond.Broadcast()
	for _, cond := range s.backendConds {
		cond.Broadcast()
	}
}

// --- exclusion ---

// GrabSegmentInc atomically increments the exclusion counter for order
// unless a retry is currently in progress for it, in which case
// alreadyClaimed is true and the caller should treat the order as already claimed rather than
// incrementing.
func (s *SegmentEventQueue) GrabSegmentInc(order OrderID) (alreadyClaimed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclusion[order] == exclusionRetry {
		return true
	}
	s.exclusion[order]++
	return false
}

// ReleaseSegment decrements order's exclusion counter, removing the entry
// once it reaches zero.
func (s *SegmentEventQueue) ReleaseSegment(order OrderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.exclusion[order]
	if !ok {
		precondition("ReleaseSegment", "order absent from exclusion map")
	}
	n--
	if n <= 0 {
		delete(s.exclusion, order)
		// The order is claimable again: wake backend and retry waiters that
		// skipped it while it was excluded.
		s.retryCond.Broadcast()
		for _, cond := range s.backendConds {
			cond.Broadcast()
		}
	} else {
		s.exclusion[order] = n
	}
}

// ReleaseRetrySegment clears order's retry-in-progress exclusion state.
func (s *SegmentEventQueue) ReleaseRetrySegment(order OrderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclusion[order] != exclusionRetry {
		precondition("ReleaseRetrySegment", "order not in retry state")
	}
	delete(s.exclusion, order)
}

func (s *SegmentEventQueue) excludedLocked(order OrderID) bool {
	n, ok := s.exclusion[order]
	return ok && n != 0
}

// --- cancellation ---

// TerminateConnection signals every waiter registered under connID to
// return without an event on its next wake. The id stays in the set until
// CleanupConnection removes it.
func (s *SegmentEventQueue) TerminateConnection(connID ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.termConn[connID] = struct{}{}
	s.primaryCond.Broadcast()
	s.retryCond.Broadcast()
	for _, cond := range s.backendConds {
		cond.Broadcast()
	}
}

// TerminateRetryConnection affects only GetRetryEvent; the id is consumed
// (removed) the first time a GetRetryEvent call observes it.
func (s *SegmentEventQueue) TerminateRetryConnection(connID ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryTermConn[connID] = struct{}{}
	s.retryCond.Broadcast()
}

// CleanupConnection removes connID from the termination set.
func (s *SegmentEventQueue) CleanupConnection(connID ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.termConn, connID)
}

// Close sets the shutdown flag and broadcasts every condition; all blocked
// consumers return NONE.
func (s *SegmentEventQueue) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = true
	s.primaryCond.Broadcast()
	s.retryCond.Broadcast()
	for _, cond := range s.backendConds {
		cond.Broadcast()
	}
}

// --- introspection ---

// Summary is a diagnostic snapshot of queue occupancy; format is not a
// stable protocol (spec §6 Introspection).
type Summary struct {
	PrimaryReady     int
	PrimaryScheduled int
	RetryDynamic     int
	RetryAsync       int
	RetryFixed       int
	Backends         map[SegmentID]int
	Excluded         int
}

// GetSummary renders queue occupancy counts for diagnostics, mirroring the
// oec.Cache.GetSummary pattern.
func (s *SegmentEventQueue) GetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	backends := make(map[SegmentID]int, len(s.backends))
	for segid, bq := range s.backends {
		backends[segid] = bq.size()
	}
	return Summary{
		PrimaryReady:     s.primary.readyCount(),
		PrimaryScheduled: s.primary.scheduledCount(),
		RetryDynamic:     s.retryDynamic.size(),
		RetryAsync:       s.retryAsync.size(),
		RetryFixed:       s.retryFixed.size(),
		Backends:         backends,
		Excluded:         len(s.exclusion),
	}
}

// String renders a one-line diagnostic summary.
func (s *SegmentEventQueue) String() string {
	sum := s.GetSummary()
	return fmt.Sprintf(
		"SegmentEventQueue{primary_ready=%d primary_scheduled=%d retry_dynamic=%d retry_async=%d retry_fixed=%d backends=%v excluded=%d}",
		sum.PrimaryReady, sum.PrimaryScheduled, sum.RetryDynamic, sum.RetryAsync, sum.RetryFixed, sum.Backends, sum.Excluded,
	)
}

// --- shared blocking helper ---

// waitLocked blocks on cond (which must share s.mu) until woken, bounded by
// timeout when timeout > 0 and cancellable through ctxDone. Callers always
// re-check their predicate after this returns, per the no-spurious-wakeup
// assumption the design notes call out explicitly.
func (s *SegmentEventQueue) waitLocked(cond *sync.Cond, timeout time.Duration, ctxDone <-chan struct{}) {
	done := make(chan struct{})
	if ctxDone != nil {
		go func() {
			select {
			case <-ctxDone:
				cond.L.Lock()
				cond.Broadcast()
				cond.L.Unlock()
			case <-done:
			}
		}()
	}
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		})
		defer timer.Stop()
	}
	cond.Wait()
	close(done)
}
