package dataset

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"locpipe/internal/port/outbound"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journalEntry(id, text string, batchIdx int) outbound.JournalEntry {
	return outbound.JournalEntry{
		ID:         id,
		Text:       text,
		Model:      "gpt-4o-mini",
		BatchIndex: batchIdx,
		Timestamp:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestFileJournal_AppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")

	journal, err := NewFileJournal(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, journal.Close())
	}()

	ctx := context.Background()
	require.NoError(t, journal.Append(ctx, []outbound.JournalEntry{
		journalEntry("r1", "Привет", 0),
		journalEntry("r2", "Мир", 0),
	}))
	require.NoError(t, journal.Append(ctx, []outbound.JournalEntry{
		journalEntry("r3", "Снова", 1),
	}))

	entries, err := journal.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "r1", entries[0].ID)
	assert.Equal(t, "Мир", entries[1].Text)
	assert.Equal(t, 1, entries[2].BatchIndex)
	assert.Equal(t, "gpt-4o-mini", entries[2].Model)
}

func TestFileJournal_AppendIsDurableJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")

	journal, err := NewFileJournal(path)
	require.NoError(t, err)

	require.NoError(t, journal.Append(context.Background(), []outbound.JournalEntry{
		journalEntry("r1", "Привет", 0),
	}))
	require.NoError(t, journal.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "r1", decoded["id"])
	assert.Equal(t, "Привет", decoded["text"])
	assert.Contains(t, decoded, "batch_idx")
	assert.Contains(t, decoded, "ts")
}

func TestFileJournal_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	ctx := context.Background()

	first, err := NewFileJournal(path)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, []outbound.JournalEntry{journalEntry("r1", "Привет", 0)}))
	require.NoError(t, first.Close())

	second, err := NewFileJournal(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, second.Close())
	}()
	require.NoError(t, second.Append(ctx, []outbound.JournalEntry{journalEntry("r2", "Мир", 1)}))

	entries, err := second.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2, "a resumed run appends after the previous run's entries")
}

func TestFileJournal_ReadAll_EmptyWhenAbsent(t *testing.T) {
	journal := &FileJournal{path: filepath.Join(t.TempDir(), "absent.jsonl")}

	entries, err := journal.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileJournal_ReadAll_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"r1\"}\ngarbage\n"), 0o644))

	journal := &FileJournal{path: path}

	entries, err := journal.ReadAll(context.Background())
	require.Error(t, err)
	assert.Nil(t, entries)
	assert.Contains(t, err.Error(), "line 2")
}

func TestFileJournal_AppendAfterClose(t *testing.T) {
	journal, err := NewFileJournal(filepath.Join(t.TempDir(), "results.jsonl"))
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	err = journal.Append(context.Background(), []outbound.JournalEntry{journalEntry("r1", "x", 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestFileJournal_AppendNothing(t *testing.T) {
	journal, err := NewFileJournal(filepath.Join(t.TempDir(), "results.jsonl"))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, journal.Close())
	}()

	require.NoError(t, journal.Append(context.Background(), nil))
}

func TestFileEscalationSink_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escalations.jsonl")

	sink, err := NewFileEscalationSink(path)
	require.NoError(t, err)

	record := outbound.EscalationRecord{
		ID:           "r7",
		SourceText:   "无法翻译的{token}",
		Reason:       "placeholder violation after bisection",
		FailureClass: "placeholder_violation",
		Timestamp:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Record(context.Background(), record))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded outbound.EscalationRecord
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &decoded))
	assert.Equal(t, record, decoded)
}

func TestFileEscalationSink_RecordAfterClose(t *testing.T) {
	sink, err := NewFileEscalationSink(filepath.Join(t.TempDir(), "escalations.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	err = sink.Record(context.Background(), outbound.EscalationRecord{ID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
