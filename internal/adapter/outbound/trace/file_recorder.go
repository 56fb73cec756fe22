// Package trace implements the TraceRecorder port: an append-only JSONL
// event log, an optional NATS JetStream mirror, and a fan-out combinator.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"locpipe/internal/domain/entity"
)

// FileRecorder appends trace events to a JSONL file, one event per line.
type FileRecorder struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileRecorder opens (or creates) the trace log at path for appending.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating trace directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace log %s: %w", path, err)
	}
	return &FileRecorder{path: path, file: file}, nil
}

// Record appends one event. Events are plain telemetry: appends are buffered
// by the OS and not fsynced, unlike the result journal.
func (r *FileRecorder) Record(_ context.Context, event entity.TraceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding trace event %s: %w", event.EventType, err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return fmt.Errorf("trace log %s is closed", r.path)
	}
	if _, err := r.file.Write(data); err != nil {
		return fmt.Errorf("appending trace log %s: %w", r.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
