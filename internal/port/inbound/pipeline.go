package inbound

import (
	"context"

	"locpipe/internal/domain/entity"
)

// TranslationPipeline drives one resumable translation run over a dataset.
type TranslationPipeline interface {
	// Run processes all pending rows and returns the run summary. A canceled
	// context stops dispatching new batches; in-flight batches complete and
	// their results are committed before Run returns.
	Run(ctx context.Context) (*entity.RunSummary, error)
}
