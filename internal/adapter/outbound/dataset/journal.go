package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"locpipe/internal/port/outbound"
)

// FileJournal implements outbound.ResultJournal as an append-only JSONL
// file. Appends are synced before returning so a journaled row survives a
// crash that precedes the checkpoint persist.
type FileJournal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileJournal opens (or creates) the journal at path for appending.
func NewFileJournal(path string) (*FileJournal, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("opening result journal %s: %w", path, err)
	}
	return &FileJournal{path: path, file: file}, nil
}

// Append writes the entries as one durable batch of JSON lines.
func (j *FileJournal) Append(_ context.Context, entries []outbound.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("encoding journal entry %s: %w", entry.ID, err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("result journal %s is closed", j.path)
	}
	if _, err := j.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("appending result journal %s: %w", j.path, err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("syncing result journal %s: %w", j.path, err)
	}
	return nil
}

// ReadAll replays the journal in append order. An absent journal file reads
// as empty: nothing was committed yet.
func (j *FileJournal) ReadAll(_ context.Context) ([]outbound.JournalEntry, error) {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening result journal %s: %w", j.path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	var entries []outbound.JournalEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry outbound.JournalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("parsing journal line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading result journal %s: %w", j.path, err)
	}

	return entries, nil
}

// Close closes the underlying file. Further appends fail.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
