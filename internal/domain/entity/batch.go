package entity

import (
	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/domain/valueobject"
)

// Batch is an ordered group of rows submitted to the model as one request.
// Batches are ephemeral: they are constructed per dispatch iteration and never
// persisted; only the per-row outcome is durable.
type Batch struct {
	index       int
	rows        []*Row
	contentType valueobject.ContentType
}

// NewBatch creates a batch from rows of a uniform content type.
func NewBatch(index int, rows []*Row) (*Batch, error) {
	if len(rows) == 0 {
		return nil, domainerrors.ErrEmptyBatch
	}
	contentType := rows[0].ContentType()
	for _, row := range rows[1:] {
		if row.ContentType() != contentType {
			return nil, domainerrors.ErrMixedContentType
		}
	}
	batch := &Batch{
		index:       index,
		rows:        make([]*Row, len(rows)),
		contentType: contentType,
	}
	copy(batch.rows, rows)
	return batch, nil
}

// Index returns the dispatch index assigned by the driver.
func (b *Batch) Index() int {
	return b.index
}

// Rows returns the rows in submission order.
func (b *Batch) Rows() []*Row {
	return b.rows
}

// Size returns the number of rows in the batch.
func (b *Batch) Size() int {
	return len(b.rows)
}

// ContentType returns the uniform content type of the batch.
func (b *Batch) ContentType() valueobject.ContentType {
	return b.contentType
}

// IDs returns the row ids in submission order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.rows))
	for i, row := range b.rows {
		ids[i] = row.ID()
	}
	return ids
}

// RowByID returns the row with the given id, or nil when absent.
func (b *Batch) RowByID(id string) *Row {
	for _, row := range b.rows {
		if row.ID() == id {
			return row
		}
	}
	return nil
}

// SplitHalves bisects the batch into two halves preserving row order. The
// caller assigns fresh dispatch indexes. Fails on batches smaller than two
// rows; a single-row batch cannot be narrowed further.
func (b *Batch) SplitHalves(firstIndex, secondIndex int) (*Batch, *Batch, error) {
	if b.Size() < 2 {
		return nil, nil, domainerrors.ErrInvalidInput
	}
	mid := b.Size() / 2
	first, err := NewBatch(firstIndex, b.rows[:mid])
	if err != nil {
		return nil, nil, err
	}
	second, err := NewBatch(secondIndex, b.rows[mid:])
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}
