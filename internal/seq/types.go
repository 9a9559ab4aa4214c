// Package seq implements the Segment Event Queue: the multi-priority,
// multi-modal dispatch core described in the engine's component design —
// primary, scheduled, retry (dynamic/fixed/async) and per-segment backend
// (event/async/subworkflow) queues, with per-order exclusion, priority
// reordering, rescheduling, cross-instance merging and connection-scoped
// cancellation.
package seq

// OrderID identifies a workflow order instance (wfiid).
type OrderID int64

// ClassID identifies a workflow type/definition (wfid).
type ClassID int64

// SegmentID identifies a bounded piece of a workflow's step graph. Each
// backend queue is registered under one.
type SegmentID int32

// Priority is a small integer; lower value means higher precedence.
type Priority int32

// ConnID identifies a worker connection. cmd/engine-core mints these as
// UUIDs; the SEQ itself treats them as opaque comparable strings.
type ConnID string

// StepIndex is the array index within a potentially-array step.
type StepIndex int32

// ParentInfo is optional parent linkage for a subworkflow child. Present
// (IsSubworkflow true) iff ParentOrderID != 0.
type ParentInfo struct {
	ParentOrderID    OrderID
	ParentStepID     int32
	ParentStepIndex  StepIndex
	IsSubworkflow    bool
}

// PrimaryEvent is a unit of work resident in the ready PrimaryQueue or its
// scheduled sub-queue — never both at once (invariant PQ-1).
type PrimaryEvent struct {
	OrderID    OrderID
	Priority   Priority
	ParentInfo ParentInfo
}

// SubworkflowStatus is the single-character completion status of a
// SubWorkflow backend event.
type SubworkflowStatus byte

const (
	SubworkflowComplete SubworkflowStatus = 'C'
	SubworkflowError    SubworkflowStatus = 'E'
)

// AsyncPayload is one step index's worth of data queued for an Async
// backend event. QueueKey must be non-empty.
type AsyncPayload struct {
	QueueKey  string
	Data      any
	Corrected bool
}

// BackendEventKind distinguishes the three backend queue payload shapes.
type BackendEventKind int

const (
	KindEvent BackendEventKind = iota
	KindAsync
	KindSubWorkflow
)

// BackendEvent is the common envelope plus a type-specific payload. At most
// one BackendEvent exists per OrderID within a given BackendQueue (invariant
// BE-1), except SubWorkflow which folds Complete and Error separately.
type BackendEvent struct {
	OrderID          OrderID
	Priority         Priority
	ParentInfo       ParentInfo
	ModificationTime int64

	Kind BackendEventKind

	// KindEvent: set of step indices.
	StepIndices map[StepIndex]struct{}

	// KindAsync: step-index -> payload.
	AsyncSteps map[StepIndex]AsyncPayload

	// KindSubWorkflow.
	SubworkflowStatus SubworkflowStatus
	ChildOrderID      OrderID
}

// RetryEvent is an order awaiting a future retry dispatch. Time is either a
// modification time (dynamic/async retry queues, to which a delay is added
// at dequeue) or an absolute trigger (fixed retry queue).
type RetryEvent struct {
	OrderID    OrderID
	Time       int64
	ParentInfo ParentInfo
}

// exclusion states for the workflow-segment map. Positive values count
// active workers; -1 marks an in-progress retry; absent means idle.
const (
	exclusionRetry = -1
)
