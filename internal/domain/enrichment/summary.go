package enrichment

import (
	"time"
)

// Summary reports the outcome of a run. Counters other than Batches, Processed
// and Retries are cumulative over the checkpoint's lifetime.
type Summary struct {
	Pipeline string   `yaml:"pipeline" json:"pipeline"`
	RunID    string   `yaml:"run_id" json:"run_id"`
	State    RunState `yaml:"state" json:"state"`

	Total           int `yaml:"total" json:"total"`
	Succeeded       int `yaml:"succeeded" json:"succeeded"`
	FailedTransient int `yaml:"failed_transient" json:"failed_transient"`
	FailedPermanent int `yaml:"failed_permanent" json:"failed_permanent"`
	// Skipped counts keys that already had a terminal outcome when this run
	// started and were therefore not processed again.
	Skipped   int `yaml:"skipped" json:"skipped"`
	Remaining int `yaml:"remaining" json:"remaining"`

	Batches   int `yaml:"batches" json:"batches"`
	Processed int `yaml:"processed" json:"processed"`
	Retries   int `yaml:"retries" json:"retries"`
	Recovered int `yaml:"recovered" json:"recovered"`

	StartedAt  time.Time     `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time     `yaml:"finished_at" json:"finished_at"`
	Elapsed    time.Duration `yaml:"elapsed" json:"elapsed"`

	TopFailures []FailureCount `yaml:"top_failures,omitempty" json:"top_failures,omitempty"`
	Error       string         `yaml:"error,omitempty" json:"error,omitempty"`
}

// FailureCount aggregates failures by reason.
type FailureCount struct {
	Kind   ErrorKind `yaml:"kind" json:"kind"`
	Reason Reason    `yaml:"reason" json:"reason"`
	Count  int       `yaml:"count" json:"count"`
}

// ApplyCheckpoint copies the cumulative counters from cp.
func (s *Summary) ApplyCheckpoint(cp *Checkpoint) {
	if cp == nil {
		return
	}
	s.RunID = cp.RunID().String()
	s.Total = cp.TotalKeys()
	s.Succeeded = cp.CompletedCount()
	s.FailedTransient = len(cp.TransientFailedKeys())
	s.FailedPermanent = cp.PermanentFailedCount()
	s.Remaining = max(cp.TotalKeys()-cp.ResumeOffset(), 0)
}

// SuccessRate returns the share of the work set that succeeded, in percent.
func (s *Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) * 100 / float64(s.Total)
}
