package entity

import "time"

// RunSummary is the user-visible outcome of one driver run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	TotalRows   int           `json:"total_rows"`
	DoneAtStart int           `json:"done_at_start"`
	Translated  int           `json:"translated"`
	MemoryHits  int           `json:"memory_hits"`
	Escalated   int           `json:"escalated"`
	Failed      int           `json:"failed"`
	BatchesSent int           `json:"batches_sent"`
	Bisections  int           `json:"bisections"`
	Duration    time.Duration `json:"duration"`
}

// Completed reports whether every pending row reached a terminal outcome.
func (s *RunSummary) Completed() bool {
	return s.TotalRows == s.DoneAtStart+s.Translated+s.MemoryHits+s.Failed
}
