package seq

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workflow-engine/internal/config"
)

func newTestQueue() *SegmentEventQueue {
	opts := config.NewStaticOptions(30, 10)
	params := config.NewStaticWorkflowParams(config.RetryParams{})
	mp := noopmetric.MeterProvider{}
	return New(opts, params, nil, mp.Meter("test"))
}

// Scenario A: primary priority ordering, lower Priority value dispatched
// first within the same bucket ordering, FIFO within a bucket.
func TestPrimaryPriorityOrdering(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	now := func() int64 { return 0 }

	q.QueuePrimaryEvent(100, 5, ParentInfo{}, 0, 0)
	q.QueuePrimaryEvent(101, 2, ParentInfo{}, 0, 0)
	q.QueuePrimaryEvent(102, 5, ParentInfo{}, 0, 0)

	want := []OrderID{101, 100, 102}
	for i, w := range want {
		ev, ok := q.GetPrimaryEvent(ctx, "conn", now)
		if !ok {
			t.Fatalf("call %d: expected event", i)
		}
		if ev.OrderID != w {
			t.Fatalf("call %d: got order %d, want %d", i, ev.OrderID, w)
		}
	}
}

// Scenario B: a scheduled event becomes ready only once its trigger time
// has elapsed, and a concurrently-submitted ready event is returned first.
func TestPrimaryScheduledEvent(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	q.QueuePrimaryEvent(200, 3, ParentInfo{}, 1005, 1000)

	clock := int64(1002)
	nowFn := func() int64 { return clock }

	resultCh := make(chan OrderID, 1)
	go func() {
		ev, ok := q.GetPrimaryEvent(ctx, "conn", nowFn)
		if ok {
			resultCh <- ev.OrderID
		}
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case got := <-resultCh:
		t.Fatalf("expected no event yet, got %d", got)
	default:
	}

	clock = 1003
	q.QueuePrimaryEvent(201, 3, ParentInfo{}, 0, clock)

	select {
	case got := <-resultCh:
		if got != 201 {
			t.Fatalf("got %d, want 201", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for ready event")
	}

	clock = 1006
	ev, ok := q.GetPrimaryEvent(ctx, "conn", nowFn)
	if !ok || ev.OrderID != 200 {
		t.Fatalf("got %+v ok=%v, want order 200", ev, ok)
	}
}

// Scenario C: async folding collapses a duplicate step index into the
// first submission, discarding the later payload.
func TestAsyncFolding(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	const seg SegmentID = 7
	q.AddAsyncSegment(seg)

	q.QueueAsyncEvent(seg, 300, 1, ParentInfo{}, 1, AsyncPayload{QueueKey: "k1", Data: "X"}, 0)
	q.QueueAsyncEvent(seg, 300, 1, ParentInfo{}, 2, AsyncPayload{QueueKey: "k2", Data: "Y"}, 0)
	q.QueueAsyncEvent(seg, 300, 1, ParentInfo{}, 1, AsyncPayload{QueueKey: "k1b", Data: "Z"}, 0)

	ev, ok := q.GetAsyncEvent(ctx, "conn", seg)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.OrderID != 300 || len(ev.AsyncSteps) != 2 {
		t.Fatalf("got %+v, want order 300 with 2 steps", ev)
	}
	if ev.AsyncSteps[1].QueueKey != "k1" || ev.AsyncSteps[1].Data != "X" {
		t.Fatalf("step 1 was overwritten by duplicate submission: %+v", ev.AsyncSteps[1])
	}
	if ev.AsyncSteps[2].QueueKey != "k2" || ev.AsyncSteps[2].Data != "Y" {
		t.Fatalf("step 2 mismatch: %+v", ev.AsyncSteps[2])
	}

	if n := q.GetSummary().Backends[seg]; n != 0 {
		t.Fatalf("expected no second event, got %d resident", n)
	}
}

// Scenario D: retry dispatch picks the candidate with the smallest
// effective trigger across fixed/dynamic/async.
func TestRetryDispatchTiming(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	q.QueueRetryEvent(400, 995, ParentInfo{})      // dynamic, +30 -> 1025
	q.QueueAsyncRetryEvent(401, 998, ParentInfo{}) // async, +10 -> 1008

	clock := int64(1000)
	nowFn := func() int64 { return clock }

	start := time.Now()
	resultCh := make(chan OrderID, 1)
	go func() {
		ev, ok := q.GetRetryEvent(ctx, "conn", nowFn)
		if ok {
			resultCh <- ev.OrderID
		}
	}()

	time.Sleep(50 * time.Millisecond)
	clock = 1008
	q.RequeueRetries() // wake the waiter so it re-reads the advanced clock

	select {
	case got := <-resultCh:
		if got != 401 {
			t.Fatalf("got %d, want 401", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for retry event")
	}
	if elapsed := time.Since(start); elapsed < 0 {
		t.Fatalf("impossible elapsed time")
	}
}

// Scenario D continued: the first caller marks 400 (trigger 1080, ahead of
// 401's 1100); a second concurrent caller skips the marked 400 and waits on
// 401 instead of double-dispatching 400.
func TestRetryDispatchMarking(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	q.QueueRetryEvent(400, 1050, ParentInfo{})
	q.QueueAsyncRetryEvent(401, 1090, ParentInfo{})

	clock := int64(1000)
	nowFn := func() int64 { return clock }

	doneA := make(chan OrderID, 1)
	doneB := make(chan OrderID, 1)
	go func() {
		ev, ok := q.GetRetryEvent(ctx, "connA", nowFn)
		if ok {
			doneA <- ev.OrderID
		}
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		ev, ok := q.GetRetryEvent(ctx, "connB", nowFn)
		if ok {
			doneB <- ev.OrderID
		}
	}()
	time.Sleep(50 * time.Millisecond)

	clock = 1125
	q.RequeueRetries()

	seen := map[OrderID]bool{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-doneA:
			seen[got] = true
		case got := <-doneB:
			seen[got] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for both retry dispatches")
		}
	}
	if !seen[400] || !seen[401] {
		t.Fatalf("expected both 400 and 401 dispatched, got %v", seen)
	}
}

// Scenario E: exclusion blocks a second worker from claiming an order
// until the first worker releases it.
func TestBackendExclusion(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	const seg SegmentID = 9
	q.AddEventSegment(seg)

	q.QueueWorkflowEvent(seg, 500, 1, ParentInfo{}, map[StepIndex]struct{}{1: {}}, 0)

	evA, ok := q.GetWorkflowEvent(ctx, "connA", seg)
	if !ok || evA.OrderID != 500 {
		t.Fatalf("worker A expected order 500, got %+v ok=%v", evA, ok)
	}

	q.QueueWorkflowEvent(seg, 500, 1, ParentInfo{}, map[StepIndex]struct{}{2: {}}, 1)

	bDone := make(chan BackendEvent, 1)
	ctxB, cancelB := context.WithCancel(ctx)
	defer cancelB()
	go func() {
		ev, ok := q.GetWorkflowEvent(ctxB, "connB", seg)
		if ok {
			bDone <- ev
		}
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case ev := <-bDone:
		t.Fatalf("worker B should not see order 500 yet, got %+v", ev)
	default:
	}

	q.ReleaseSegment(500)

	select {
	case ev := <-bDone:
		if ev.OrderID != 500 {
			t.Fatalf("got order %d, want 500", ev.OrderID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker B never saw order 500 after release")
	}
}

func TestGrabSegmentIncBlocksDuringRetry(t *testing.T) {
	q := newTestQueue()
	q.QueueRetryEvent(600, 0, ParentInfo{})
	// Dynamic trigger is 0 + recover delay 30.
	_, ok := q.GetRetryEvent(context.Background(), "conn", func() int64 { return 30 })
	if !ok {
		t.Fatalf("expected retry event")
	}
	if claimed := q.GrabSegmentInc(600); !claimed {
		t.Fatalf("expected order in retry state to read as already claimed")
	}
	q.ReleaseRetrySegment(600)
	if claimed := q.GrabSegmentInc(600); claimed {
		t.Fatalf("expected order claimable after retry release")
	}
}

func TestTerminateConnectionUnblocksPrimaryWaiter(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.GetPrimaryEvent(ctx, "conn", func() int64 { return 0 })
		done <- ok
	}()
	time.Sleep(50 * time.Millisecond)
	q.TerminateConnection("conn")
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected terminated waiter to return false")
		}
	case <-time.After(time.Second):
		t.Fatalf("terminate did not unblock waiter")
	}
}

func TestRemoveWorkflowOrderPriorityBlind(t *testing.T) {
	q := newTestQueue()
	const seg SegmentID = 20
	q.AddEventSegment(seg)
	q.QueueWorkflowEvent(seg, 700, 1, ParentInfo{}, map[StepIndex]struct{}{1: {}}, 0)
	q.Reprioritize(700, 2)

	// Removing with the stale (original) priority silently misses the
	// entry, per the preserved open-question behavior.
	q.RemoveWorkflowOrder(700, 1)
	ev, ok := q.GetWorkflowEvent(context.Background(), "conn", seg)
	if !ok || ev.OrderID != 700 {
		t.Fatalf("expected order 700 to still be resident after stale-priority removal")
	}
}

func TestGetSummaryReflectsOccupancy(t *testing.T) {
	q := newTestQueue()
	const seg SegmentID = 30
	q.AddEventSegment(seg)

	q.QueuePrimaryEvent(800, 1, ParentInfo{}, 0, 0)
	q.QueuePrimaryEvent(801, 1, ParentInfo{}, 2000, 0)
	q.QueueWorkflowEvent(seg, 802, 1, ParentInfo{}, map[StepIndex]struct{}{0: {}}, 0)
	q.QueueRetryEvent(803, 5, ParentInfo{})

	sum := q.GetSummary()
	if sum.PrimaryReady != 1 {
		t.Fatalf("PrimaryReady = %d, want 1", sum.PrimaryReady)
	}
	if sum.PrimaryScheduled != 1 {
		t.Fatalf("PrimaryScheduled = %d, want 1", sum.PrimaryScheduled)
	}
	if sum.RetryDynamic != 1 {
		t.Fatalf("RetryDynamic = %d, want 1", sum.RetryDynamic)
	}
	if sum.Backends[seg] != 1 {
		t.Fatalf("Backends[seg] = %d, want 1", sum.Backends[seg])
	}

	if s := q.String(); s == "" {
		t.Fatalf("String() returned empty diagnostic")
	}
}
