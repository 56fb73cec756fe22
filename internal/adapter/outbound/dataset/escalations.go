package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"locpipe/internal/port/outbound"
)

// FileEscalationSink implements outbound.EscalationSink as an append-only
// JSONL file of permanently failed rows.
type FileEscalationSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileEscalationSink opens (or creates) the escalation artifact at path.
func NewFileEscalationSink(path string) (*FileEscalationSink, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("opening escalation artifact %s: %w", path, err)
	}
	return &FileEscalationSink{path: path, file: file}, nil
}

// Record appends one escalation entry.
func (s *FileEscalationSink) Record(_ context.Context, record outbound.EscalationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding escalation for row %s: %w", record.ID, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("escalation artifact %s is closed", s.path)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("appending escalation artifact %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing escalation artifact %s: %w", s.path, err)
	}
	return nil
}

// Close closes the underlying file. Further records fail.
func (s *FileEscalationSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
