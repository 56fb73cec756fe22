// Package checkpoint persists checkpoint records as JSON files. Writes go
// through a temp file and rename so a crash never leaves a truncated live
// checkpoint behind.
package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/domain/entity"
	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/port/outbound"
)

// Store implements outbound.CheckpointStore on the local filesystem.
type Store struct{}

// NewStore creates a filesystem checkpoint store.
func NewStore() *Store {
	return &Store{}
}

// Load reads the checkpoint at path. An absent file yields a fresh empty
// record; a present but unparseable file is reported as corrupt so callers
// never silently restart completed work.
func (s *Store) Load(ctx context.Context, path string) (*entity.CheckpointRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slogger.Debug(ctx, "No checkpoint found, starting fresh", slogger.Field("path", path))
			return entity.NewCheckpointRecord(), nil
		}
		return nil, fmt.Errorf("%w: %s: %v", domainerrors.ErrCheckpointUnreadable, path, err)
	}

	record := entity.NewCheckpointRecord()
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domainerrors.ErrCorruptCheckpoint, path, err)
	}

	return record, nil
}

// Persist writes the record to path atomically: marshal, write to a sibling
// temp file, fsync, then rename into place.
func (s *Store) Persist(ctx context.Context, record *entity.CheckpointRecord, path string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	if err := writeAndSync(tmpPath, data); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing checkpoint %s: %w", path, err)
	}

	slogger.Debug(ctx, "Checkpoint persisted", slogger.Fields2(
		"path", path,
		"done", record.DoneCount(),
	))
	return nil
}

func writeAndSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp checkpoint %s: %w", path, err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("writing temp checkpoint %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("syncing temp checkpoint %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("closing temp checkpoint %s: %w", path, err)
	}
	return nil
}

// MergeFiles unions the shard checkpoints at inputPaths into a single record
// and persists it to outPath. Every input must exist: a missing shard is an
// error, not an empty contribution.
func (s *Store) MergeFiles(ctx context.Context, outPath string, inputPaths ...string) (*entity.CheckpointRecord, error) {
	if len(inputPaths) == 0 {
		return nil, fmt.Errorf("no checkpoint files to merge")
	}

	merged := entity.NewCheckpointRecord()
	for _, path := range inputPaths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("checkpoint shard %s: %w", path, err)
		}
		record, err := s.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		merged.Merge(record)
	}

	if err := s.Persist(ctx, merged, outPath); err != nil {
		return nil, err
	}

	slogger.Info(ctx, "Merged shard checkpoints", slogger.Fields3(
		"shards", len(inputPaths),
		"done", merged.DoneCount(),
		"out", outPath,
	))
	return merged, nil
}

// RebuildFromJournal reconstructs a checkpoint from the result journal and
// persists it to outPath. Journal duplicates collapse onto one done entry, so
// the rebuilt OK count equals the number of distinct ids.
func (s *Store) RebuildFromJournal(ctx context.Context, journalPath, outPath string) (*entity.CheckpointRecord, error) {
	file, err := os.Open(journalPath)
	if err != nil {
		return nil, fmt.Errorf("opening result journal %s: %w", journalPath, err)
	}
	defer func() {
		_ = file.Close()
	}()

	record := entity.NewCheckpointRecord()
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
		if entry.ID == "" {
			return nil, fmt.Errorf("journal line %d has no row id", line)
		}

		if record.MarkDone(entry.ID) {
			record.IncrementOK()
		}
		record.SetBatchIndex(entry.BatchIndex + 1)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading result journal %s: %w", journalPath, err)
	}

	if err := s.Persist(ctx, record, outPath); err != nil {
		return nil, err
	}

	slogger.Info(ctx, "Rebuilt checkpoint from journal", slogger.Fields3(
		"journal", journalPath,
		"done", record.DoneCount(),
		"out", outPath,
	))
	return record, nil
}
