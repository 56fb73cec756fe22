package outbound

import (
	"context"

	"locpipe/internal/domain/entity"
)

// CheckpointStore persists the durable record of completed row ids.
//
// Persist must be atomic with respect to process crash: implementations write
// to a temporary location and rename into place, never truncating the live
// file. Load must distinguish an absent checkpoint (empty record) from a
// corrupt one (error wrapping domain.ErrCorruptCheckpoint) so the driver never
// silently re-translates completed work.
type CheckpointStore interface {
	Load(ctx context.Context, path string) (*entity.CheckpointRecord, error)
	Persist(ctx context.Context, record *entity.CheckpointRecord, path string) error
}
