package trace

import (
	"context"
	"errors"

	"locpipe/internal/domain/entity"
	"locpipe/internal/port/outbound"
)

// MultiRecorder fans every event out to all underlying recorders. A failing
// recorder does not stop delivery to the others.
type MultiRecorder struct {
	recorders []outbound.TraceRecorder
}

// NewMultiRecorder combines the given recorders. Nil entries are skipped.
func NewMultiRecorder(recorders ...outbound.TraceRecorder) *MultiRecorder {
	kept := make([]outbound.TraceRecorder, 0, len(recorders))
	for _, recorder := range recorders {
		if recorder != nil {
			kept = append(kept, recorder)
		}
	}
	return &MultiRecorder{recorders: kept}
}

// Record delivers the event to every recorder and joins any errors.
func (m *MultiRecorder) Record(ctx context.Context, event entity.TraceEvent) error {
	var errs []error
	for _, recorder := range m.recorders {
		if err := recorder.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every recorder and joins any errors.
func (m *MultiRecorder) Close() error {
	var errs []error
	for _, recorder := range m.recorders {
		if err := recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
