package outbound

import (
	"context"

	"locpipe/internal/domain/entity"
)

// TraceRecorder appends pipeline lifecycle and call-attempt events to an
// observability stream. Recording is a required side effect of every gateway
// attempt: cost accounting downstream depends on the event log being complete.
type TraceRecorder interface {
	Record(ctx context.Context, event entity.TraceEvent) error
	Close() error
}
