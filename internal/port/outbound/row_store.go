package outbound

import (
	"context"
	"time"

	"locpipe/internal/domain/entity"
)

// RowStore reads the translatable dataset and writes the final output table.
type RowStore interface {
	// LoadRows reads the full dataset before partitioning. Row order in the
	// file is preserved; ids must be unique.
	LoadRows(ctx context.Context, path string) ([]*entity.Row, error)

	// WriteOutput writes the output table: all input columns plus the
	// translated-text column, in source row order. Rows without a translation
	// keep an empty target cell.
	WriteOutput(ctx context.Context, inputPath, outputPath string, translations map[string]string) error
}

// JournalEntry is one accepted translation appended to the result journal.
// The journal is the incremental output artifact: written before the
// checkpoint persists, replayed at finalize, and readable by repair tooling.
type JournalEntry struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Model      string    `json:"model"`
	BatchIndex int       `json:"batch_idx"`
	Timestamp  time.Time `json:"ts"`
}

// ResultJournal is the append-only record of accepted translations.
type ResultJournal interface {
	// Append writes entries durably before the corresponding checkpoint
	// commit. Duplicate ids across appends are legal (crash replay); readers
	// deduplicate last-wins.
	Append(ctx context.Context, entries []JournalEntry) error

	// ReadAll replays the journal in append order.
	ReadAll(ctx context.Context) ([]JournalEntry, error)

	Close() error
}

// EscalationRecord captures a permanently failed row for manual handling.
type EscalationRecord struct {
	ID           string    `json:"id"`
	SourceText   string    `json:"source_text"`
	Reason       string    `json:"reason"`
	FailureClass string    `json:"failure_class"`
	Timestamp    time.Time `json:"ts"`
}

// EscalationSink records rows that failed even at batch size one.
type EscalationSink interface {
	Record(ctx context.Context, record EscalationRecord) error
	Close() error
}
