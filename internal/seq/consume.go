package seq

import (
	"context"
	"time"

	"github.com/swarmguard/workflow-engine/internal/config"
)

// connTerminatedLocked reports whether the queue is shut down or connID has
// been terminated via TerminateConnection. It must be called with s.mu held.
func (s *SegmentEventQueue) connTerminatedLocked(connID ConnID) bool {
	if s.term {
		return true
	}
	_, terminated := s.termConn[connID]
	return terminated
}

// GetPrimaryEvent blocks until a ready primary event exists, connID is
// terminated, or the queue is shut down. It does not consult the exclusion
// map. No span: this call can block indefinitely and a span per wait would
// be pure noise.
func (s *SegmentEventQueue) GetPrimaryEvent(ctx context.Context, connID ConnID, now func() int64) (PrimaryEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.connTerminatedLocked(connID) {
			return PrimaryEvent{}, false
		}
		t := now()
		if s.primary.checkEvent(t) {
			s.primaryCond.Broadcast()
		}
		if ev, ok := s.primary.getEvent(); ok {
			if s.instr.dispatched != nil {
				s.instr.dispatched.Add(context.Background(), 1)
			}
			return ev, true
		}
		var timeout time.Duration
		if trigger, ok := s.primary.earliestScheduled(); ok {
			if d := trigger - t; d > 0 {
				timeout = time.Duration(d) * time.Second
			}
		}
		s.waitLocked(s.primaryCond, timeout, ctx.Done())
	}
}

// getBackend is the shared implementation behind GetWorkflowEvent,
// GetAsyncEvent and GetSubworkflowEvent: block until an event is available
// in segid's backend queue whose order is neither claimed nor in retry,
// then claim it (exclusion++).
func (s *SegmentEventQueue) getBackend(ctx context.Context, connID ConnID, segid SegmentID, op string) (BackendEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bq := s.backendLocked(segid, op)
	cond := s.backendConds[segid]
	for {
		if s.connTerminatedLocked(connID) {
			return BackendEvent{}, false
		}
		if ev, ok := bq.get(func(order OrderID) bool { return !s.excludedLocked(order) }); ok {
			s.exclusion[ev.OrderID]++
			if s.instr.dispatched != nil {
				s.instr.dispatched.Add(context.Background(), 1)
			}
			return ev, true
		}
		s.waitLocked(cond, 0, ctx.Done())
	}
}

// GetWorkflowEvent blocks for the next claimable Event backend entry in
// segid.
func (s *SegmentEventQueue) GetWorkflowEvent(ctx context.Context, connID ConnID, segid SegmentID) (BackendEvent, bool) {
	return s.getBackend(ctx, connID, segid, "GetWorkflowEvent")
}

// GetAsyncEvent blocks for the next claimable Async backend entry in segid.
func (s *SegmentEventQueue) GetAsyncEvent(ctx context.Context, connID ConnID, segid SegmentID) (BackendEvent, bool) {
	return s.getBackend(ctx, connID, segid, "GetAsyncEvent")
}

// GetSubworkflowEvent blocks for the next claimable SubWorkflow backend
// entry (either status) in segid.
func (s *SegmentEventQueue) GetSubworkflowEvent(ctx context.Context, connID ConnID, segid SegmentID) (BackendEvent, bool) {
	return s.getBackend(ctx, connID, segid, "GetSubworkflowEvent")
}

// retryTrigger computes the effective dispatch trigger for ev drawn from
// queue kind k, per §4.1: fixed uses the absolute time as-is; dynamic adds
// the resolved retry delay; async adds the resolved async delay.
func (s *SegmentEventQueue) retryTrigger(k retryQueueKind, ev RetryEvent, connID ConnID) int64 {
	switch k {
	case retryKindFixed:
		return ev.Time
	case retryKindAsync:
		return ev.Time + s.asyncDelay(connID)
	default:
		return ev.Time + s.retryDelay(connID)
	}
}

func (s *SegmentEventQueue) retryDelay(connID ConnID) int64 {
	if s.opts == nil {
		return 0
	}
	if s.params == nil {
		return s.opts.RecoverDelay()
	}
	return config.ResolveRetryDelay(s.params, s.opts, string(connID), 0)
}

func (s *SegmentEventQueue) asyncDelay(connID ConnID) int64 {
	if s.opts == nil {
		return 0
	}
	if s.params == nil {
		return s.opts.AsyncDelay()
	}
	return config.ResolveAsyncDelay(s.params, s.opts, string(connID), 0)
}

// retryCandidate bundles a queue's best eligible entry with its kind and
// computed effective trigger, for the three-way tie-break in GetRetryEvent.
type retryCandidate struct {
	kind    retryQueueKind
	queue   *retryQueue
	event   RetryEvent
	trigger int64
}

// GetRetryEvent implements the retry dispatch algorithm (§4.1): scan the
// three retry queues fixed, dynamic, async in that order, pick each queue's
// earliest non-excluded, non-marked candidate, compute its effective
// trigger, and dispatch the one with the smallest trigger — ties broken
// fixed < dynamic < async. No span: indefinite blocking call.
func (s *SegmentEventQueue) GetRetryEvent(ctx context.Context, connID ConnID, now func() int64) (RetryEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := func(order OrderID) bool { return !s.excludedLocked(order) }

	for {
		if s.connTerminatedLocked(connID) {
			return RetryEvent{}, false
		}
		if _, tagged := s.retryTermConn[connID]; tagged {
			delete(s.retryTermConn, connID) // terminate_retry_connection is consumed on first observation
			return RetryEvent{}, false
		}

		t := now()
		winner, hasWinner := s.pickRetryWinner(connID, eligible)
		if !hasWinner {
			s.waitLocked(s.retryCond, 0, ctx.Done())
			continue
		}

		diff := winner.trigger - t
		if diff <= 0 {
			winner.queue.remove(winner.event.OrderID)
			s.exclusion[winner.event.OrderID] = exclusionRetry
			if s.instr.dispatched != nil {
				s.instr.dispatched.Add(context.Background(), 1)
			}
			return winner.event, true
		}

		winner.queue.mark(winner.event.OrderID)
		s.waitLocked(s.retryCond, time.Duration(diff)*time.Second, ctx.Done())
		winner.queue.unmark(winner.event.OrderID)
	}
}

// pickRetryWinner scans the three queues in fixed, dynamic, async order and
// returns the candidate with the smallest effective trigger. On an exact
// tie this loop keeps the first-seen (lower-precedence-index) candidate
// because it only replaces the current winner on a strictly smaller
// trigger — giving fixed < dynamic < async, per spec.md's stated tie-break
// (a deliberate divergence from the literal original; see DESIGN.md).
func (s *SegmentEventQueue) pickRetryWinner(connID ConnID, eligible func(OrderID) bool) (retryCandidate, bool) {
	queues := []struct {
		kind retryQueueKind
		q    *retryQueue
	}{
		{retryKindFixed, s.retryFixed},
		{retryKindDynamic, s.retryDynamic},
		{retryKindAsync, s.retryAsync},
	}

	var winner retryCandidate
	hasWinner := false
	for _, qq := range queues {
		ev, ok := qq.q.candidate(eligible)
		if !ok {
			continue
		}
		trig := s.retryTrigger(qq.kind, ev, connID)
		if !hasWinner || trig < winner.trigger {
			winner = retryCandidate{kind: qq.kind, queue: qq.q, event: ev, trigger: trig}
			hasWinner = true
		}
	}
	return winner, hasWinner
}
