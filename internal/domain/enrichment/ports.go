package enrichment

import "context"

// WorkSetSource is the source collaborator. It performs a one-shot bulk read
// of candidate work items; deduplication and ordering happen in the caller.
type WorkSetSource interface {
	Name() string
	FetchItems(ctx context.Context) ([]WorkItem, error)
}

// SnapshotStore persists the materialized work set so every run of one
// checkpoint sees the same ordering and membership.
type SnapshotStore interface {
	// Load returns the snapshot and true, or false when none exists.
	Load(ctx context.Context) ([]WorkItem, bool, error)
	Save(ctx context.Context, items []WorkItem) error
	// Reset removes the snapshot so the next extraction queries the source.
	Reset(ctx context.Context) error
	Location() string
}

// CheckpointRepository is the durable checkpoint store.
type CheckpointRepository interface {
	// Load returns nil, nil when no prior run exists and a
	// *CheckpointCorruptError when the stored state cannot be trusted.
	Load(ctx context.Context) (*Checkpoint, error)
	// Commit atomically replaces the stored checkpoint.
	Commit(ctx context.Context, cp *Checkpoint) error
	// Reset deletes the stored checkpoint. Operator action only.
	Reset(ctx context.Context) error
}

// ResultSink is the append-only output. Both appends are durable before they
// return.
type ResultSink interface {
	AppendAll(ctx context.Context, records []Record) error
	AppendFailures(ctx context.Context, failures []KeyFailure) error
	Close() error
}

// Operation performs the external lookup for one work item.
type Operation func(ctx context.Context, item WorkItem) (Record, error)

// Limiter spaces out units of work.
type Limiter interface {
	Acquire(ctx context.Context) error
}
