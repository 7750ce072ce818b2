package runner

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/event-enricher/internal/config"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

// Report is the human-readable run summary written next to the output.
type Report struct {
	enrichment.Summary `yaml:",inline"`

	SuccessRate string  `yaml:"success_rate"`
	Outputs     Outputs `yaml:"outputs"`
	// Next tells the operator how to continue, when there is something to do.
	Next string `yaml:"next,omitempty"`
}

// Outputs lists the files a run produced or depends on.
type Outputs struct {
	Records    string `yaml:"records"`
	Failures   string `yaml:"failures"`
	Snapshot   string `yaml:"snapshot"`
	Checkpoint string `yaml:"checkpoint"`
	Collection string `yaml:"collection,omitempty"`
}

// NewReport builds the report for a run that ended with summary and runErr.
func NewReport(cfg *config.Config, summary enrichment.Summary, runErr error) Report {
	checkpoint := cfg.CheckpointPath
	switch cfg.CheckpointBackend {
	case config.CheckpointPostgres:
		checkpoint = "postgres:" + string(cfg.Pipeline)
	case config.CheckpointMemory:
		checkpoint = "memory"
	}

	return Report{
		Summary:     summary,
		SuccessRate: fmt.Sprintf("%.2f%%", summary.SuccessRate()),
		Outputs: Outputs{
			Records:    cfg.OutputPath,
			Failures:   cfg.FailureLogPath,
			Snapshot:   cfg.SnapshotPath,
			Checkpoint: checkpoint,
			Collection: cfg.MongoSinkCollection,
		},
		Next: nextStep(summary, runErr),
	}
}

func nextStep(summary enrichment.Summary, runErr error) string {
	switch {
	case runErr == nil && summary.FailedTransient > 0:
		return fmt.Sprintf("%d keys failed transiently; rerun with --retry-failed to try them again", summary.FailedTransient)
	case runErr == nil:
		return ""
	case errors.Is(runErr, enrichment.ErrInterrupted):
		return "rerun the same command to resume after the last committed batch"
	case errors.Is(runErr, enrichment.ErrWorkSetChanged):
		return "the work set no longer matches the checkpoint; rerun with --reset to start over"
	case errors.Is(runErr, &enrichment.CheckpointCorruptError{}):
		return "inspect the checkpoint, then rerun with --reset to discard it"
	case errors.Is(runErr, &enrichment.SinkWriteError{}):
		return "fix the output location and rerun; progress after the last commit will be redone"
	case errors.Is(runErr, &enrichment.ExtractionError{}):
		return "check the event source and the snapshot file, then rerun"
	default:
		return "fix the error above and rerun the same command to resume"
	}
}

// WriteReport replaces the file at path with r encoded as YAML.
func WriteReport(path string, r Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode summary report: %w", err)
	}
	return storage.WriteFileAtomic(path, data, 0o644)
}
