package seq

import "container/list"

// backendQueue is a priority-bucketed multimap keyed by modification time,
// specialized by Kind into Event/Async/SubWorkflow semantics. The per-order
// lookup map enforces the one-event-per-order folding rule (two scopes for
// SubWorkflow, one per status). It holds no lock of its own: every method
// assumes the caller holds the owning SegmentEventQueue's mutex.
//
// container/list.Element pointers remain valid across unrelated removals
// from the same list, the same way the original implementation relied on
// std::list iterator stability for its reverse indices.
type backendQueue struct {
	kind BackendEventKind

	buckets map[Priority]*list.List // priority -> FIFO of *BackendEvent, oldest modtime first

	// wfmap is the primary per-order lookup. For SubWorkflow, complete and
	// error events fold into separate scopes (cWfmap/eWfmap); wfmap is
	// unused for that kind.
	wfmap  map[OrderID]*list.Element
	cWfmap map[OrderID]*list.Element // SubWorkflow COMPLETE scope
	eWfmap map[OrderID]*list.Element // SubWorkflow ERROR scope

	orderPrio map[OrderID]Priority
}

func newBackendQueue(kind BackendEventKind) *backendQueue {
	return &backendQueue{
		kind:      kind,
		buckets:   make(map[Priority]*list.List),
		wfmap:     make(map[OrderID]*list.Element),
		cWfmap:    make(map[OrderID]*list.Element),
		eWfmap:    make(map[OrderID]*list.Element),
		orderPrio: make(map[OrderID]Priority),
	}
}

func (q *backendQueue) lookupFor(order OrderID, status SubworkflowStatus) map[OrderID]*list.Element {
	if q.kind != KindSubWorkflow {
		return q.wfmap
	}
	if status == SubworkflowComplete {
		return q.cWfmap
	}
	return q.eWfmap
}

// submit folds ev into an existing entry for the same order (and, for
// SubWorkflow, the same status), or appends a new entry. Folding mutates
// the existing list node's payload in place; it never changes the node's
// position in its bucket, preserving the original's fold-without-reposition
// semantics.
func (q *backendQueue) submit(ev BackendEvent) {
	lookup := q.lookupFor(ev.OrderID, ev.SubworkflowStatus)
	if el, ok := lookup[ev.OrderID]; ok {
		existing := el.Value.(*BackendEvent)
		q.fold(existing, ev)
		return
	}

	bucket, ok := q.buckets[ev.Priority]
	if !ok {
		bucket = list.New()
		q.buckets[ev.Priority] = bucket
	}
	stored := ev
	el := bucket.PushBack(&stored)
	lookup[ev.OrderID] = el
	q.orderPrio[ev.OrderID] = ev.Priority
}

// fold merges incoming into existing in place, per the type-specific rule.
func (q *backendQueue) fold(existing *BackendEvent, incoming BackendEvent) {
	switch q.kind {
	case KindEvent:
		for idx := range incoming.StepIndices {
			existing.StepIndices[idx] = struct{}{}
		}
	case KindAsync:
		for idx, payload := range incoming.AsyncSteps {
			if _, dup := existing.AsyncSteps[idx]; dup {
				continue // duplicate step-index submission discarded at the async type only
			}
			existing.AsyncSteps[idx] = payload
		}
	case KindSubWorkflow:
		for idx := range incoming.StepIndices {
			existing.StepIndices[idx] = struct{}{}
		}
		existing.ChildOrderID = incoming.ChildOrderID
	}
	existing.ModificationTime = incoming.ModificationTime
}

// get removes and returns the oldest (by modification time, i.e. FIFO
// within a priority) eligible entry from the lowest-priority bucket holding
// one, regardless of SubWorkflow status — a consumer of a SubWorkflow
// backend queue takes whichever of COMPLETE/ERROR is ready first. eligible
// is consulted per candidate order so the SEQ can skip orders that are
// already claimed or in retry without this queue knowing about exclusion.
// ok is false if no eligible entry exists.
func (q *backendQueue) get(eligible func(OrderID) bool) (BackendEvent, bool) {
	var best Priority
	found := false
	var bestBucket *list.List
	var bestTarget *list.Element

	for p, bucket := range q.buckets {
		if bucket.Len() == 0 {
			continue
		}
		target := q.firstEligible(bucket, eligible)
		if target == nil {
			continue
		}
		if !found || p < best {
			best = p
			found = true
			bestBucket = bucket
			bestTarget = target
		}
	}
	if !found {
		return BackendEvent{}, false
	}

	ev := *bestTarget.Value.(*BackendEvent)
	bestBucket.Remove(bestTarget)
	delete(q.lookupFor(ev.OrderID, ev.SubworkflowStatus), ev.OrderID)
	delete(q.orderPrio, ev.OrderID)
	return ev, true
}

func (q *backendQueue) firstEligible(bucket *list.List, eligible func(OrderID) bool) *list.Element {
	for el := bucket.Front(); el != nil; el = el.Next() {
		ev := el.Value.(*BackendEvent)
		if eligible != nil && !eligible(ev.OrderID) {
			continue
		}
		return el
	}
	return nil
}

// empty reports whether no entry is resident in any priority bucket. It
// does not consult exclusion: an entry whose order is claimed or in retry
// still counts as resident.
func (q *backendQueue) empty() bool {
	for _, bucket := range q.buckets {
		if bucket.Len() > 0 {
			return false
		}
	}
	return true
}

// size reports the total number of resident entries across every priority
// bucket. Diagnostic use only (seq.go's GetSummary).
func (q *backendQueue) size() int {
	total := 0
	for _, bucket := range q.buckets {
		total += bucket.Len()
	}
	return total
}

// reprioritize changes order's bucket across this backend queue. Returns
// true iff found. SubWorkflow orders may be present in both lookup scopes;
// both are relocated.
func (q *backendQueue) reprioritize(order OrderID, priority Priority) bool {
	found := false
	for _, lookup := range []map[OrderID]*list.Element{q.wfmap, q.cWfmap, q.eWfmap} {
		el, ok := lookup[order]
		if !ok {
			continue
		}
		oldPrio := q.orderPrio[order]
		if oldPrio == priority {
			found = true
			continue
		}
		q.buckets[oldPrio].Remove(el)
		ev := el.Value.(*BackendEvent)
		ev.Priority = priority
		bucket, ok := q.buckets[priority]
		if !ok {
			bucket = list.New()
			q.buckets[priority] = bucket
		}
		newEl := bucket.PushBack(ev)
		lookup[order] = newEl
		q.orderPrio[order] = priority
		found = true
	}
	return found
}

// removeWorkflowOrder erases order from the given priority bucket only —
// callers (the SEQ) supply the priority the order was submitted or last
// reprioritized under; a stale priority silently misses, per the open
// question in the component design (preserved, not guessed around).
func (q *backendQueue) removeWorkflowOrder(order OrderID, priority Priority) bool {
	bucket, ok := q.buckets[priority]
	if !ok {
		return false
	}
	removed := false
	for el := bucket.Front(); el != nil; {
		next := el.Next()
		ev := el.Value.(*BackendEvent)
		if ev.OrderID == order {
			bucket.Remove(el)
			delete(q.wfmap, order)
			delete(q.cWfmap, order)
			delete(q.eWfmap, order)
			delete(q.orderPrio, order)
			removed = true
		}
		el = next
	}
	return removed
}

// merge absorbs other's entries into self at the same priorities and
// rebuilds the per-order lookup; other is left empty.
func (q *backendQueue) merge(other *backendQueue) {
	for priority, bucket := range other.buckets {
		dst, ok := q.buckets[priority]
		if !ok {
			dst = list.New()
			q.buckets[priority] = dst
		}
		for el := bucket.Front(); el != nil; el = el.Next() {
			ev := el.Value.(*BackendEvent)
			newEl := dst.PushBack(ev)
			q.orderPrio[ev.OrderID] = priority
			switch {
			case q.kind != KindSubWorkflow:
				q.wfmap[ev.OrderID] = newEl
			case ev.SubworkflowStatus == SubworkflowComplete:
				q.cWfmap[ev.OrderID] = newEl
			default:
				q.eWfmap[ev.OrderID] = newEl
			}
		}
	}
	other.buckets = make(map[Priority]*list.List)
	other.wfmap = make(map[OrderID]*list.Element)
	other.cWfmap = make(map[OrderID]*list.Element)
	other.eWfmap = make(map[OrderID]*list.Element)
	other.orderPrio = make(map[OrderID]Priority)
}
