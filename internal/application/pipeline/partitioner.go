package pipeline

import (
	"locpipe/internal/config"
	"locpipe/internal/domain/entity"
	"locpipe/internal/domain/valueobject"
)

// PartitionRows splits pending rows into bounded batches per the model policy.
// Normal and long-text rows are never mixed: they carry different size and
// timeout budgets. Row order from the source sequence is preserved inside each
// content-type stream, and the whole partitioning is deterministic for the
// same input and policy, which keeps resumed runs diffable against the
// original. Batch indexes are assigned sequentially from startIndex.
//
// Zero pending rows yield zero batches.
func PartitionRows(rows []*entity.Row, policy config.ModelPolicy, startIndex int) ([]*entity.Batch, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	batches := make([]*entity.Batch, 0, len(rows)/policy.MaxBatchSize+1)
	index := startIndex

	for _, contentType := range valueobject.AllContentTypes() {
		stream := filterByContentType(rows, contentType)
		maxSize := policy.MaxBatchSizeFor(contentType)

		for start := 0; start < len(stream); start += maxSize {
			end := min(start+maxSize, len(stream))
			batch, err := entity.NewBatch(index, stream[start:end])
			if err != nil {
				return nil, err
			}
			batches = append(batches, batch)
			index++
		}
	}

	return batches, nil
}

func filterByContentType(rows []*entity.Row, contentType valueobject.ContentType) []*entity.Row {
	filtered := make([]*entity.Row, 0, len(rows))
	for _, row := range rows {
		if row.ContentType() == contentType {
			filtered = append(filtered, row)
		}
	}
	return filtered
}
