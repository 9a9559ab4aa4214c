package seq

import (
	"container/list"
	"sort"
)

// scheduledEntry is one order waiting in the scheduled sub-queue for its
// trigger time to arrive.
type scheduledEntry struct {
	event     PrimaryEvent
	scheduled int64
}

// primaryQueue owns the ready priority-bucketed FIFO (pq) and the
// trigger-time-sorted scheduled queue (psq), plus reverse indices by order
// id (pmap, psmap) so resched/reprioritize/removeWorkflowOrder are O(1) to
// locate. It holds no lock of its own: every method assumes the caller
// already holds the owning SegmentEventQueue's single mutex, per the
// one-mutex-per-component locking discipline.
type primaryQueue struct {
	pq       map[Priority]*list.List   // priority -> FIFO of PrimaryEvent
	pmap     map[OrderID]*list.Element // order -> element in pq[priority]
	pmapPrio map[OrderID]Priority      // order -> which pq bucket it's in

	psq   []*scheduledEntry // scheduled sub-queue, kept sorted by scheduled time
	psmap map[OrderID]*scheduledEntry
}

func newPrimaryQueue() *primaryQueue {
	return &primaryQueue{
		pq:       make(map[Priority]*list.List),
		pmap:     make(map[OrderID]*list.Element),
		pmapPrio: make(map[OrderID]Priority),
		psmap:    make(map[OrderID]*scheduledEntry),
	}
}

// add inserts an order either into the ready queue or the scheduled
// sub-queue depending on whether scheduled is in the future relative to
// now. A zero scheduled value means "ready now". Returns true if the order
// became ready (caller should broadcast the primary condition).
func (q *primaryQueue) add(ev PrimaryEvent, scheduled int64, now int64) (becameReady bool) {
	if scheduled > now {
		q.addScheduled(ev, scheduled)
		return false
	}
	q.addReady(ev)
	return true
}

func (q *primaryQueue) addReady(ev PrimaryEvent) {
	bucket, ok := q.pq[ev.Priority]
	if !ok {
		bucket = list.New()
		q.pq[ev.Priority] = bucket
	}
	el := bucket.PushBack(ev)
	q.pmap[ev.OrderID] = el
	q.pmapPrio[ev.OrderID] = ev.Priority
}

func (q *primaryQueue) addScheduled(ev PrimaryEvent, scheduled int64) {
	se := &scheduledEntry{event: ev, scheduled: scheduled}
	q.psq = append(q.psq, se)
	sort.Slice(q.psq, func(i, j int) bool { return q.psq[i].scheduled < q.psq[j].scheduled })
	q.psmap[ev.OrderID] = se
}

// checkEvent splices every scheduled entry with trigger <= now into pq, in
// trigger order. Returns true if any entry moved (caller should broadcast).
func (q *primaryQueue) checkEvent(now int64) bool {
	i := 0
	for i < len(q.psq) && q.psq[i].scheduled <= now {
		se := q.psq[i]
		delete(q.psmap, se.event.OrderID)
		q.addReady(se.event)
		i++
	}
	if i > 0 {
		q.psq = q.psq[i:]
		return true
	}
	return false
}

// getEvent removes and returns the front of the lowest-priority bucket. ok
// is false if nothing is ready.
func (q *primaryQueue) getEvent() (PrimaryEvent, bool) {
	var best Priority
	found := false
	for p, bucket := range q.pq {
		if bucket.Len() == 0 {
			continue
		}
		if !found || p < best {
			best = p
			found = true
		}
	}
	if !found {
		return PrimaryEvent{}, false
	}
	bucket := q.pq[best]
	front := bucket.Front()
	ev := front.Value.(PrimaryEvent)
	bucket.Remove(front)
	delete(q.pmap, ev.OrderID)
	delete(q.pmapPrio, ev.OrderID)
	return ev, true
}

// earliestScheduled returns the trigger time of the soonest scheduled entry
// and true, or false if psq is empty.
func (q *primaryQueue) earliestScheduled() (int64, bool) {
	if len(q.psq) == 0 {
		return 0, false
	}
	return q.psq[0].scheduled, true
}

// readyCount reports the number of orders resident in pq, across every
// priority bucket. Diagnostic use only (seq.go's GetSummary).
func (q *primaryQueue) readyCount() int {
	return len(q.pmap)
}

// scheduledCount reports the number of orders resident in psq.
func (q *primaryQueue) scheduledCount() int {
	return len(q.psmap)
}

// resched moves order between the ready and scheduled queues, or changes
// its trigger time in place. Fails silently (returns false) if not
// resident, per spec.
func (q *primaryQueue) resched(order OrderID, scheduled int64, now int64) (found, becameReady bool) {
	if el, ok := q.pmap[order]; ok {
		prio := q.pmapPrio[order]
		bucket := q.pq[prio]
		bucket.Remove(el)
		delete(q.pmap, order)
		delete(q.pmapPrio, order)
		ev := el.Value.(PrimaryEvent)
		if scheduled > now {
			q.addScheduled(ev, scheduled)
			return true, false
		}
		q.addReady(ev)
		return true, true
	}
	if se, ok := q.psmap[order]; ok {
		se.scheduled = scheduled
		sort.Slice(q.psq, func(i, j int) bool { return q.psq[i].scheduled < q.psq[j].scheduled })
		return true, false
	}
	return false, false
}

func (q *primaryQueue) reprioritize(order OrderID, priority Priority) bool {
	if el, ok := q.pmap[order]; ok {
		oldPrio := q.pmapPrio[order]
		if oldPrio == priority {
			return true
		}
		bucket := q.pq[oldPrio]
		bucket.Remove(el)
		ev := el.Value.(PrimaryEvent)
		ev.Priority = priority
		q.addReady(ev)
		return true
	}
	if se, ok := q.psmap[order]; ok {
		se.event.Priority = priority
		return true
	}
	return false
}

func (q *primaryQueue) removeWorkflowOrder(order OrderID) bool {
	removed := false
	if el, ok := q.pmap[order]; ok {
		prio := q.pmapPrio[order]
		q.pq[prio].Remove(el)
		delete(q.pmap, order)
		delete(q.pmapPrio, order)
		removed = true
	}
	if se, ok := q.psmap[order]; ok {
		for i, e := range q.psq {
			if e == se {
				q.psq = append(q.psq[:i], q.psq[i+1:]...)
				break
			}
		}
		delete(q.psmap, order)
		removed = true
	}
	return removed
}
