// Package postgres implements the checkpoint store on PostgreSQL, one row per
// pipeline.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

var _ enrichment.CheckpointRepository = (*checkpointStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// ErrCheckpointRegression is returned when a commit would move the stored
// checkpoint backwards.
var ErrCheckpointRegression = errors.New("checkpoint commit would move progress backwards")

const (
	selectCheckpoint = `
SELECT run_id, total_keys, completed_count, last_completed_index,
       failed_keys, transient_failed_keys, work_set_digest, started_at, updated_at
FROM enrichment_checkpoints
WHERE pipeline = $1`

	// The WHERE clause on the update arm keeps last_completed_index
	// monotonic; a zero row count means the commit was rejected.
	upsertCheckpoint = `
INSERT INTO enrichment_checkpoints (
    pipeline, run_id, total_keys, completed_count, last_completed_index,
    failed_keys, transient_failed_keys, work_set_digest, started_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (pipeline) DO UPDATE SET
    run_id = EXCLUDED.run_id,
    total_keys = EXCLUDED.total_keys,
    completed_count = EXCLUDED.completed_count,
    last_completed_index = EXCLUDED.last_completed_index,
    failed_keys = EXCLUDED.failed_keys,
    transient_failed_keys = EXCLUDED.transient_failed_keys,
    work_set_digest = EXCLUDED.work_set_digest,
    started_at = EXCLUDED.started_at,
    updated_at = EXCLUDED.updated_at
WHERE enrichment_checkpoints.run_id <> EXCLUDED.run_id
   OR enrichment_checkpoints.last_completed_index <= EXCLUDED.last_completed_index`

	deleteCheckpoint = `DELETE FROM enrichment_checkpoints WHERE pipeline = $1`
)

// checkpointStore persists the checkpoint of a single pipeline.
type checkpointStore struct {
	pool     *pgxpool.Pool
	pipeline string
	tracer   trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint store for the
// named pipeline.
func NewCheckpointStore(pool *pgxpool.Pool, pipeline string, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, pipeline: pipeline, tracer: tracer}
}

func (p *checkpointStore) location() string {
	return "postgres:enrichment_checkpoints/" + p.pipeline
}

// Load returns the pipeline's checkpoint, or nil if none exists.
func (p *checkpointStore) Load(ctx context.Context) (*enrichment.Checkpoint, error) {
	var cp *enrichment.Checkpoint
	dbAttrs := append(defaultDBAttributes, attribute.String("pipeline", p.pipeline))
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		var (
			runID                       uuid.UUID
			total, completed, lastIndex int
			failed, transient           []string
			digest                      string
			startedAt, updatedAt        time.Time
		)
		err := p.pool.QueryRow(ctx, selectCheckpoint, p.pipeline).Scan(
			&runID, &total, &completed, &lastIndex, &failed, &transient, &digest, &startedAt, &updatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}

		loaded := enrichment.ReconstructCheckpoint(
			p.pipeline,
			runID,
			total,
			digest,
			completed,
			lastIndex,
			toKeys(failed),
			toKeys(transient),
			startedAt,
			updatedAt,
		)
		if err := loaded.Validate(); err != nil {
			return &enrichment.CheckpointCorruptError{Location: p.location(), Err: err}
		}
		cp = loaded
		return nil
	})
	return cp, err
}

// Commit upserts the checkpoint row in a single transaction.
func (p *checkpointStore) Commit(ctx context.Context, cp *enrichment.Checkpoint) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("pipeline", p.pipeline),
		attribute.Int("last_completed_index", cp.LastCompletedIndex()),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.commit_checkpoint", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, upsertCheckpoint,
				p.pipeline,
				cp.RunID(),
				cp.TotalKeys(),
				cp.CompletedCount(),
				cp.LastCompletedIndex(),
				fromKeys(cp.FailedKeys()),
				fromKeys(cp.TransientFailedKeys()),
				cp.WorkSetDigest(),
				cp.StartedAt(),
				cp.UpdatedAt(),
			)
			if err != nil {
				return fmt.Errorf("failed to commit checkpoint: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrCheckpointRegression
			}
			return nil
		})
	})
}

// Reset deletes the pipeline's checkpoint row.
func (p *checkpointStore) Reset(ctx context.Context) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("pipeline", p.pipeline))
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.reset_checkpoint", dbAttrs, func(ctx context.Context) error {
		if _, err := p.pool.Exec(ctx, deleteCheckpoint, p.pipeline); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}

func toKeys(in []string) []enrichment.WorkKey {
	out := make([]enrichment.WorkKey, len(in))
	for i, s := range in {
		out[i] = enrichment.WorkKey(s)
	}
	return out
}

func fromKeys(in []enrichment.WorkKey) []string {
	out := make([]string, len(in))
	for i, k := range in {
		out[i] = string(k)
	}
	return out
}
