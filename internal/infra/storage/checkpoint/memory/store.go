// Package memory provides a non-durable checkpoint store for dry runs and
// tests. Checkpoints are kept in their serialized form so loads never alias
// the committed value.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

var _ enrichment.CheckpointRepository = (*checkpointStore)(nil)

type checkpointStore struct {
	mu      sync.RWMutex
	data    []byte
	commits int
}

// NewCheckpointStore returns an empty in-memory checkpoint store.
func NewCheckpointStore() *checkpointStore { return new(checkpointStore) }

func (s *checkpointStore) Load(ctx context.Context) (*enrichment.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data == nil {
		return nil, nil
	}

	var cp enrichment.Checkpoint
	if err := json.Unmarshal(s.data, &cp); err != nil {
		return nil, &enrichment.CheckpointCorruptError{Location: "memory", Err: err}
	}
	if err := cp.Validate(); err != nil {
		return nil, &enrichment.CheckpointCorruptError{Location: "memory", Err: err}
	}
	return &cp, nil
}

func (s *checkpointStore) Commit(ctx context.Context, cp *enrichment.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.commits++
	return nil
}

func (s *checkpointStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

// Commits returns the number of commits made.
func (s *checkpointStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}
