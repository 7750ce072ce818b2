// Package file implements the checkpoint store as a JSON file replaced
// atomically on every commit.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

var _ enrichment.CheckpointRepository = (*checkpointStore)(nil)

type checkpointStore struct {
	path   string
	tracer trace.Tracer
}

// NewCheckpointStore creates a file-backed checkpoint store at path.
func NewCheckpointStore(path string, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{path: path, tracer: tracer}
}

func (s *checkpointStore) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("checkpoint.path", s.path)}
}

// Load reads the checkpoint file. A missing file means no prior run. A file
// that cannot be decoded or violates the checkpoint invariants is reported as
// *enrichment.CheckpointCorruptError and left in place for the operator.
func (s *checkpointStore) Load(ctx context.Context) (*enrichment.Checkpoint, error) {
	var cp *enrichment.Checkpoint
	err := storage.ExecuteAndTrace(ctx, s.tracer, "file.load_checkpoint", s.attrs(), func(ctx context.Context) error {
		data, err := os.ReadFile(s.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}

		var loaded enrichment.Checkpoint
		if err := json.Unmarshal(data, &loaded); err != nil {
			return &enrichment.CheckpointCorruptError{Location: s.path, Err: err}
		}
		if err := loaded.Validate(); err != nil {
			return &enrichment.CheckpointCorruptError{Location: s.path, Err: err}
		}
		cp = &loaded
		return nil
	})
	return cp, err
}

// Commit atomically replaces the checkpoint file.
func (s *checkpointStore) Commit(ctx context.Context, cp *enrichment.Checkpoint) error {
	attrs := append(s.attrs(),
		attribute.Int("completed_count", cp.CompletedCount()),
		attribute.Int("last_completed_index", cp.LastCompletedIndex()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "file.commit_checkpoint", attrs, func(ctx context.Context) error {
		data, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		return storage.WriteFileAtomic(s.path, data, 0o644)
	})
}

// Reset deletes the checkpoint file. It is not an error if none exists.
func (s *checkpointStore) Reset(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "file.reset_checkpoint", s.attrs(), func(ctx context.Context) error {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove checkpoint: %w", err)
		}
		return nil
	})
}
