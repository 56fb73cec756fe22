package entity

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline step names recorded on trace events. They mirror the driver's
// processing phases.
const (
	StepLoadingCheckpoint = "loading_checkpoint"
	StepPartitioning      = "partitioning"
	StepDispatching       = "dispatching"
	StepReconciling       = "reconciling"
	StepCommitting        = "committing"
	StepDone              = "done"
	StepFatal             = "fatal"
)

// Trace event types. One event is recorded per call attempt and per batch
// lifecycle transition.
const (
	EventRunStarted     = "run_started"
	EventCheckpointLoad = "checkpoint_loaded"
	EventMemoryPrefill  = "memory_prefill"
	EventPartitioned    = "partitioned"
	EventBatchDispatch  = "batch_dispatched"
	EventCallAttempt    = "call_attempt"
	EventCallFallback   = "call_fallback"
	EventBatchReconcile = "batch_reconciled"
	EventBatchCommit    = "batch_committed"
	EventBatchBisect    = "batch_bisected"
	EventRowEscalated   = "row_escalated"
	EventRunCompleted   = "run_completed"
	EventRunFatal       = "run_fatal"
)

// TraceEvent is one append-only observability record. Events are serialized
// as-is into the trace log and mirrored to NATS when enabled.
type TraceEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"ts"`
	Step      string         `json:"step"`
	EventType string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewTraceEvent creates a trace event stamped with a fresh id and the current
// time.
func NewTraceEvent(runID, step, eventType string, fields map[string]any) TraceEvent {
	return TraceEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Step:      step,
		EventType: eventType,
		Fields:    fields,
	}
}
