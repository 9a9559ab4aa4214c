package seq

import "testing"

func TestPrimaryQueueReadyOrdering(t *testing.T) {
	q := newPrimaryQueue()
	q.add(PrimaryEvent{OrderID: 100, Priority: 5}, 0, 0)
	q.add(PrimaryEvent{OrderID: 101, Priority: 2}, 0, 0)
	q.add(PrimaryEvent{OrderID: 102, Priority: 5}, 0, 0)

	want := []OrderID{101, 100, 102}
	for i, w := range want {
		ev, ok := q.getEvent()
		if !ok || ev.OrderID != w {
			t.Fatalf("call %d: got %+v ok=%v, want %d", i, ev, ok, w)
		}
	}
	if _, ok := q.getEvent(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestPrimaryQueueScheduledBecomesReady(t *testing.T) {
	q := newPrimaryQueue()
	becameReady := q.add(PrimaryEvent{OrderID: 200, Priority: 3}, 1005, 1000)
	if becameReady {
		t.Fatalf("future-scheduled event should not become ready immediately")
	}
	if _, ok := q.getEvent(); ok {
		t.Fatalf("expected nothing ready yet")
	}
	if moved := q.checkEvent(1004); moved {
		t.Fatalf("should not move before trigger")
	}
	if moved := q.checkEvent(1005); !moved {
		t.Fatalf("expected entry to move at trigger time")
	}
	ev, ok := q.getEvent()
	if !ok || ev.OrderID != 200 {
		t.Fatalf("got %+v ok=%v, want 200", ev, ok)
	}
}

func TestPrimaryQueueReschedToEarlierTriggersReady(t *testing.T) {
	q := newPrimaryQueue()
	q.add(PrimaryEvent{OrderID: 300, Priority: 1}, 2000, 1000)
	found, becameReady := q.resched(300, 0, 1500)
	if !found || !becameReady {
		t.Fatalf("expected found=true becameReady=true, got %v %v", found, becameReady)
	}
	if _, ok := q.getEvent(); !ok {
		t.Fatalf("expected order 300 ready after resched")
	}
}

func TestPrimaryQueueReprioritizeMovesReadyBucket(t *testing.T) {
	q := newPrimaryQueue()
	q.add(PrimaryEvent{OrderID: 400, Priority: 5}, 0, 0)
	if ok := q.reprioritize(400, 1); !ok {
		t.Fatalf("expected reprioritize to find order")
	}
	ev, ok := q.getEvent()
	if !ok || ev.Priority != 1 {
		t.Fatalf("got %+v ok=%v, want priority 1", ev, ok)
	}
}

func TestPrimaryQueueRemoveWorkflowOrder(t *testing.T) {
	q := newPrimaryQueue()
	q.add(PrimaryEvent{OrderID: 500, Priority: 1}, 0, 0)
	q.add(PrimaryEvent{OrderID: 501, Priority: 1}, 9999, 0)

	if !q.removeWorkflowOrder(500) {
		t.Fatalf("expected ready-bucket removal to succeed")
	}
	if !q.removeWorkflowOrder(501) {
		t.Fatalf("expected scheduled removal to succeed")
	}
	if q.removeWorkflowOrder(999) {
		t.Fatalf("expected unknown order removal to fail")
	}
	if _, ok := q.getEvent(); ok {
		t.Fatalf("expected empty queue after removals")
	}
}
