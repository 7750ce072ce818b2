package enrichment

import "time"

// BatchCommitted is emitted after a batch's output was flushed and its
// checkpoint committed.
type BatchCommitted struct {
	Pipeline       string    `json:"pipeline"`
	RunID          string    `json:"run_id"`
	Pass           string    `json:"pass"`
	Batch          int       `json:"batch"`
	Offset         int       `json:"offset"`
	LastIndex      int       `json:"last_index"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	CompletedCount int       `json:"completed_count"`
	TotalKeys      int       `json:"total_keys"`
	Duration       float64   `json:"duration_seconds"`
	CommittedAt    time.Time `json:"committed_at"`
}

// Passes of a run.
const (
	PassMain  = "main"
	PassRetry = "retry_failed"
)

// Progress returns the share of the work set with a terminal outcome, in
// percent.
func (e BatchCommitted) Progress() float64 {
	if e.TotalKeys == 0 {
		return 100
	}
	return float64(e.LastIndex+1) * 100 / float64(e.TotalKeys)
}
