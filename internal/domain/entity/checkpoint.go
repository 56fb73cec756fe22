package entity

import "encoding/json"

// CheckpointStats aggregates row outcomes across a run. The counters survive
// resumption: a resumed run continues counting where the previous run stopped.
type CheckpointStats struct {
	OK        int `json:"ok"`
	Escalated int `json:"escalated"`
	Failed    int `json:"failed"`
}

// CheckpointRecord is the durable record of which row ids completed
// successfully. done ids grow monotonically within a run; ids are only removed
// by explicit out-of-band repair tooling. batchIdx is a resume hint only;
// membership is by id, never by position.
type CheckpointRecord struct {
	doneIDs  map[string]bool
	stats    CheckpointStats
	batchIdx int
}

// checkpointJSON is the serialized shape of a checkpoint file.
type checkpointJSON struct {
	DoneIDs  map[string]bool `json:"done_ids"`
	Stats    CheckpointStats `json:"stats"`
	BatchIdx int             `json:"batch_idx"`
}

// NewCheckpointRecord creates an empty checkpoint record.
func NewCheckpointRecord() *CheckpointRecord {
	return &CheckpointRecord{doneIDs: make(map[string]bool)}
}

// RestoreCheckpointRecord reconstructs a checkpoint from persisted state.
func RestoreCheckpointRecord(doneIDs map[string]bool, stats CheckpointStats, batchIdx int) *CheckpointRecord {
	record := &CheckpointRecord{
		doneIDs:  make(map[string]bool, len(doneIDs)),
		stats:    stats,
		batchIdx: batchIdx,
	}
	for id, done := range doneIDs {
		if done {
			record.doneIDs[id] = true
		}
	}
	return record
}

// MarkDone adds one id to the done set. Idempotent: returns true only when the
// id was newly added.
func (c *CheckpointRecord) MarkDone(id string) bool {
	if c.doneIDs[id] {
		return false
	}
	c.doneIDs[id] = true
	return true
}

// IsDone reports whether the id already completed.
func (c *CheckpointRecord) IsDone(id string) bool {
	return c.doneIDs[id]
}

// DoneCount returns the number of completed ids.
func (c *CheckpointRecord) DoneCount() int {
	return len(c.doneIDs)
}

// DoneIDs returns a copy of the done id set.
func (c *CheckpointRecord) DoneIDs() map[string]bool {
	ids := make(map[string]bool, len(c.doneIDs))
	for id := range c.doneIDs {
		ids[id] = true
	}
	return ids
}

// Pending returns allIDs minus the done set, preserving the order of allIDs.
func (c *CheckpointRecord) Pending(allIDs []string) []string {
	pending := make([]string, 0, len(allIDs))
	for _, id := range allIDs {
		if !c.doneIDs[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// Stats returns the aggregate outcome counters.
func (c *CheckpointRecord) Stats() CheckpointStats {
	return c.stats
}

// IncrementOK counts one successfully translated row.
func (c *CheckpointRecord) IncrementOK() {
	c.stats.OK++
}

// IncrementEscalated counts one row that entered an escalation path.
func (c *CheckpointRecord) IncrementEscalated() {
	c.stats.Escalated++
}

// IncrementFailed counts one permanently failed row.
func (c *CheckpointRecord) IncrementFailed() {
	c.stats.Failed++
}

// BatchIndex returns the highest processed batch index.
func (c *CheckpointRecord) BatchIndex() int {
	return c.batchIdx
}

// SetBatchIndex raises the resume hint; lower indexes are ignored so that
// out-of-order commits from concurrent batches never move the hint backwards.
func (c *CheckpointRecord) SetBatchIndex(idx int) {
	if idx > c.batchIdx {
		c.batchIdx = idx
	}
}

// Merge unions another record into this one: done ids are united, stats are
// summed, and the batch index takes the maximum. Intended for merging shard
// checkpoints covering disjoint id ranges.
func (c *CheckpointRecord) Merge(other *CheckpointRecord) {
	if other == nil {
		return
	}
	for id := range other.doneIDs {
		c.doneIDs[id] = true
	}
	c.stats.OK += other.stats.OK
	c.stats.Escalated += other.stats.Escalated
	c.stats.Failed += other.stats.Failed
	c.SetBatchIndex(other.batchIdx)
}

// MarshalJSON serializes the checkpoint in its on-disk shape.
func (c *CheckpointRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkpointJSON{
		DoneIDs:  c.doneIDs,
		Stats:    c.stats,
		BatchIdx: c.batchIdx,
	})
}

// UnmarshalJSON restores the checkpoint from its on-disk shape.
func (c *CheckpointRecord) UnmarshalJSON(data []byte) error {
	var parsed checkpointJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	c.doneIDs = parsed.DoneIDs
	if c.doneIDs == nil {
		c.doneIDs = make(map[string]bool)
	}
	c.stats = parsed.Stats
	c.batchIdx = parsed.BatchIdx
	return nil
}
