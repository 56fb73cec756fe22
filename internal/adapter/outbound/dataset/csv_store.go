// Package dataset reads the translatable CSV dataset and maintains the
// run's file artifacts: the final output table, the append-only result
// journal, and the escalation record.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/domain/entity"
	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/domain/valueobject"
)

// Dataset column names.
const (
	columnID          = "id"
	columnSource      = "source_text"
	columnContentType = "content_type"
	columnTarget      = "target_text"
)

// CSVStore implements outbound.RowStore over UTF-8 CSV files with a header
// row. The id and source_text columns are required; content_type is optional
// and defaults to normal. Extra columns are preserved through WriteOutput.
type CSVStore struct{}

// NewCSVStore creates a CSV-backed row store.
func NewCSVStore() *CSVStore {
	return &CSVStore{}
}

// LoadRows reads the full dataset in file order.
func (s *CSVStore) LoadRows(ctx context.Context, path string) ([]*entity.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", domainerrors.ErrEmptyDataset, path)
		}
		return nil, fmt.Errorf("reading dataset header %s: %w", path, err)
	}

	columns, err := mapColumns(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, path)
	}

	rows := make([]*entity.Row, 0, 256)
	seen := make(map[string]bool)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading dataset %s: %w", path, err)
		}
		line++

		id := record[columns.id]
		if seen[id] {
			return nil, fmt.Errorf("%w: %q at line %d", domainerrors.ErrDuplicateRowID, id, line)
		}
		seen[id] = true

		contentType := valueobject.ContentTypeNormal
		if columns.contentType >= 0 {
			contentType, err = valueobject.NewContentType(record[columns.contentType])
			if err != nil {
				return nil, fmt.Errorf("dataset line %d: %w", line, err)
			}
		}

		row, err := entity.NewRow(id, record[columns.source], contentType)
		if err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrEmptyDataset, path)
	}

	slogger.Debug(ctx, "Dataset loaded", slogger.Fields2("path", path, "rows", len(rows)))
	return rows, nil
}

// WriteOutput writes the output table: every input column plus target_text,
// in source row order. Rows with no translation keep an empty target cell.
// An existing target_text column is filled in place rather than duplicated,
// so finalize can run over a previous output file.
func (s *CSVStore) WriteOutput(ctx context.Context, inputPath, outputPath string, translations map[string]string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening dataset %s: %w", inputPath, err)
	}
	defer func() {
		_ = in.Close()
	}()

	reader := csv.NewReader(in)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading dataset header %s: %w", inputPath, err)
	}

	columns, err := mapColumns(header)
	if err != nil {
		return fmt.Errorf("%w: %s", err, inputPath)
	}

	targetIdx := columns.target
	outHeader := header
	if targetIdx < 0 {
		targetIdx = len(header)
		outHeader = append(append([]string{}, header...), columnTarget)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output %s: %w", outputPath, err)
	}
	defer func() {
		_ = out.Close()
	}()

	writer := csv.NewWriter(out)
	if err := writer.Write(outHeader); err != nil {
		return fmt.Errorf("writing output header: %w", err)
	}

	written := 0
	translated := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading dataset %s: %w", inputPath, err)
		}

		outRecord := record
		if targetIdx >= len(record) {
			outRecord = append(append([]string{}, record...), "")
		}
		if text, ok := translations[record[columns.id]]; ok {
			outRecord[targetIdx] = text
			translated++
		} else {
			outRecord[targetIdx] = ""
		}

		if err := writer.Write(outRecord); err != nil {
			return fmt.Errorf("writing output row: %w", err)
		}
		written++
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flushing output %s: %w", outputPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing output %s: %w", outputPath, err)
	}

	slogger.Info(ctx, "Output table written", slogger.Fields3(
		"path", outputPath,
		"rows", written,
		"translated", translated,
	))
	return nil
}

// columnIndexes holds header positions; -1 marks an absent optional column.
type columnIndexes struct {
	id          int
	source      int
	contentType int
	target      int
}

func mapColumns(header []string) (columnIndexes, error) {
	columns := columnIndexes{id: -1, source: -1, contentType: -1, target: -1}
	for i, name := range header {
		switch name {
		case columnID:
			columns.id = i
		case columnSource:
			columns.source = i
		case columnContentType:
			columns.contentType = i
		case columnTarget:
			columns.target = i
		}
	}

	if columns.id < 0 {
		return columns, domainerrors.ErrMissingIDColumn
	}
	if columns.source < 0 {
		return columns, domainerrors.ErrMissingSourceColumn
	}
	return columns, nil
}
