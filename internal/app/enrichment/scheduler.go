// Package enrichment implements the resumable batch engine shared by the
// enrichment pipelines: work set extraction, bounded retry and the batch
// scheduler that commits progress after every batch.
package enrichment

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/logger"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// SchedulerConfig holds the immutable batch policy of one run.
type SchedulerConfig struct {
	Pipeline  string
	BatchSize int
	// Workers bounds intra-batch parallelism. Values above one are only
	// appropriate for lookups with no external rate constraints.
	Workers int
	// BatchDelay pauses between consecutive batches.
	BatchDelay time.Duration
	// RetryFailed enables a final pass over keys that exhausted their
	// transient retries.
	RetryFailed bool
}

// Observer is notified about committed batches and finished runs. Observer
// errors are logged and never affect the run.
type Observer interface {
	BatchCommitted(ctx context.Context, evt enrichment.BatchCommitted) error
	RunFinished(ctx context.Context, summary enrichment.Summary) error
}

type schedulerMetrics interface {
	IncKeysSucceeded(ctx context.Context, n int)
	IncKeysFailed(ctx context.Context, kind enrichment.ErrorKind, n int)
	IncRecovered(ctx context.Context, n int)
	IncCheckpointCommits(ctx context.Context)
	ObserveBatchDuration(ctx context.Context, d time.Duration)
	SetKeysRemaining(ctx context.Context, n int)
}

// Scheduler drives a work set through the lookup operation in ordered
// batches. After each batch the output is appended to the sink and only then
// the checkpoint is committed, so the checkpoint never runs ahead of output.
type Scheduler struct {
	cfg SchedulerConfig

	workSet *enrichment.WorkSet
	store   enrichment.CheckpointRepository
	sink    enrichment.ResultSink
	limiter enrichment.Limiter
	retry   *RetryManager
	op      enrichment.Operation

	observers    []Observer
	sleep        func(ctx context.Context, d time.Duration) error
	timeProvider timeutil.Provider

	logger  *logger.Logger
	metrics schedulerMetrics
	tracer  trace.Tracer
}

// SchedulerOption configures optional scheduler behavior.
type SchedulerOption func(*Scheduler)

// WithObservers registers run observers.
func WithObservers(obs ...Observer) SchedulerOption {
	return func(s *Scheduler) { s.observers = append(s.observers, obs...) }
}

// WithSchedulerTimeProvider overrides the clock used for timestamps.
func WithSchedulerTimeProvider(tp timeutil.Provider) SchedulerOption {
	return func(s *Scheduler) { s.timeProvider = tp }
}

// NewScheduler creates a scheduler for one run over ws.
func NewScheduler(
	cfg SchedulerConfig,
	ws *enrichment.WorkSet,
	store enrichment.CheckpointRepository,
	sink enrichment.ResultSink,
	limiter enrichment.Limiter,
	retry *RetryManager,
	op enrichment.Operation,
	logger *logger.Logger,
	metrics schedulerMetrics,
	tracer trace.Tracer,
	opts ...SchedulerOption,
) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	s := &Scheduler{
		cfg:          cfg,
		workSet:      ws,
		store:        store,
		sink:         sink,
		limiter:      limiter,
		retry:        retry,
		op:           op,
		sleep:        sleepContext,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "scheduler", "pipeline", cfg.Pipeline),
		metrics:      metrics,
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// run carries the mutable state of one Run call.
type run struct {
	cp       *enrichment.Checkpoint
	state    *enrichment.RunStateMachine
	summary  enrichment.Summary
	failures map[enrichment.Reason]*enrichment.FailureCount
	retries0 int64
}

// Run processes the work set from the last committed checkpoint to the end.
// It returns a summary in every case. The error is nil on completion and
// otherwise one of ErrInterrupted, ErrWorkSetChanged, a
// *CheckpointCorruptError, a *SinkWriteError or a checkpoint commit error.
func (s *Scheduler) Run(ctx context.Context) (enrichment.Summary, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run",
		trace.WithAttributes(
			attribute.String("pipeline", s.cfg.Pipeline),
			attribute.Int("total_keys", s.workSet.Len()),
			attribute.Int("batch_size", s.cfg.BatchSize),
			attribute.Int("workers", s.cfg.Workers),
		))
	defer span.End()

	r := &run{
		state: enrichment.NewRunStateMachine(func(from, to enrichment.RunState) {
			span.AddEvent("state_transition", trace.WithAttributes(
				attribute.String("from", string(from)),
				attribute.String("to", string(to)),
			))
		}),
		summary: enrichment.Summary{
			Pipeline:  s.cfg.Pipeline,
			StartedAt: s.timeProvider.Now(),
		},
		failures: make(map[enrichment.Reason]*enrichment.FailureCount),
		retries0: s.retry.Retries(),
	}

	err := s.execute(ctx, r)
	summary := s.finish(ctx, r, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
	} else {
		span.SetStatus(codes.Ok, "run completed")
	}
	return summary, err
}

func (s *Scheduler) execute(ctx context.Context, r *run) error {
	cp, err := s.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	r.cp = cp
	r.summary.Skipped = cp.ResumeOffset()

	if err := r.state.Transition(enrichment.RunStateRunning); err != nil {
		return err
	}

	if cp.ResumeOffset() > 0 {
		s.logger.Info(ctx, "resuming from checkpoint",
			"run_id", cp.RunID(),
			"resume_offset", cp.ResumeOffset(),
			"completed_count", cp.CompletedCount(),
			"failed", len(cp.FailedKeys()),
			"total_keys", cp.TotalKeys(),
		)
	}

	if err := s.mainPass(ctx, r); err != nil {
		return err
	}

	if s.cfg.RetryFailed {
		if err := s.retryPass(ctx, r); err != nil {
			return err
		}
	}

	return r.state.Transition(enrichment.RunStateCompleted)
}

// loadCheckpoint returns the stored checkpoint, or commits a fresh one when no
// prior run exists.
func (s *Scheduler) loadCheckpoint(ctx context.Context) (*enrichment.Checkpoint, error) {
	cp, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if cp == nil {
		cp = enrichment.NewCheckpoint(
			s.cfg.Pipeline,
			uuid.New(),
			s.workSet.Len(),
			s.workSet.Digest(),
			enrichment.WithCheckpointTimeProvider(s.timeProvider),
		)
		if err := s.store.Commit(ctx, cp); err != nil {
			return nil, fmt.Errorf("failed to commit initial checkpoint: %w", err)
		}
		s.logger.Info(ctx, "starting new run", "run_id", cp.RunID(), "total_keys", cp.TotalKeys())
		return cp, nil
	}

	if cp.Pipeline() != s.cfg.Pipeline {
		return nil, &enrichment.CheckpointCorruptError{
			Location: "checkpoint store",
			Err:      fmt.Errorf("checkpoint belongs to pipeline %q, not %q", cp.Pipeline(), s.cfg.Pipeline),
		}
	}
	if !cp.Matches(s.workSet) {
		return nil, fmt.Errorf("%w: checkpoint has %d keys (digest %.12s), work set has %d (digest %.12s)",
			enrichment.ErrWorkSetChanged, cp.TotalKeys(), cp.WorkSetDigest(), s.workSet.Len(), s.workSet.Digest())
	}
	cp.SetTimeProvider(s.timeProvider)

	return cp, nil
}

func (s *Scheduler) mainPass(ctx context.Context, r *run) error {
	total := s.workSet.Len()
	batches := (total - r.cp.ResumeOffset() + s.cfg.BatchSize - 1) / s.cfg.BatchSize
	s.metrics.SetKeysRemaining(ctx, total-r.cp.ResumeOffset())

	for number := 1; !r.cp.IsComplete(); number++ {
		if number > 1 && s.cfg.BatchDelay > 0 {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				return interrupted(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}

		offset := r.cp.ResumeOffset()
		items := s.workSet.Slice(offset, s.cfg.BatchSize)
		positions := make([]int, len(items))
		for i := range items {
			positions[i] = offset + i
		}

		err := s.runBatch(ctx, r, enrichment.PassMain, number, batches, items, positions,
			func(res *enrichment.BatchResult) error { return r.cp.Advance(res) })
		if err != nil {
			return err
		}
		s.metrics.SetKeysRemaining(ctx, total-r.cp.ResumeOffset())
	}

	return nil
}

// retryPass gives every key that exhausted its transient retries one more
// round. Successes move from the failed set to the completed count.
func (s *Scheduler) retryPass(ctx context.Context, r *run) error {
	keys := r.cp.TransientFailedKeys()
	if len(keys) == 0 {
		return nil
	}

	s.logger.Info(ctx, "retrying failed keys", "count", len(keys))

	items := make([]enrichment.WorkItem, 0, len(keys))
	positions := make([]int, 0, len(keys))
	for _, k := range keys {
		i, ok := s.workSet.Index(k)
		if !ok {
			return &enrichment.CheckpointCorruptError{
				Location: "checkpoint store",
				Err:      fmt.Errorf("failed key %s is not part of the work set", k),
			}
		}
		items = append(items, s.workSet.At(i))
		positions = append(positions, i)
	}

	batches := (len(items) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
	apply := func(res *enrichment.BatchResult) error {
		for _, rec := range res.Succeeded {
			if err := r.cp.Recover(rec.Key()); err != nil {
				return err
			}
		}
		for _, f := range res.Failed {
			if err := r.cp.Refail(f); err != nil {
				return err
			}
		}
		r.summary.Recovered += len(res.Succeeded)
		s.metrics.IncRecovered(ctx, len(res.Succeeded))
		return nil
	}

	for number := 1; number <= batches; number++ {
		if s.cfg.BatchDelay > 0 {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				return interrupted(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}

		lo := (number - 1) * s.cfg.BatchSize
		hi := min(lo+s.cfg.BatchSize, len(items))
		if err := s.runBatch(ctx, r, enrichment.PassRetry, number, batches, items[lo:hi], positions[lo:hi], apply); err != nil {
			return err
		}
	}

	return nil
}

// runBatch processes one batch and commits its contiguous completed prefix.
// The commit always runs with cancellation detached; an interrupt is returned
// only after it.
func (s *Scheduler) runBatch(
	ctx context.Context,
	r *run,
	pass string,
	number, batches int,
	items []enrichment.WorkItem,
	positions []int,
	apply func(*enrichment.BatchResult) error,
) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.batch",
		trace.WithAttributes(
			attribute.String("pass", pass),
			attribute.Int("batch", number),
			attribute.Int("offset", positions[0]),
			attribute.Int("size", len(items)),
		))
	defer span.End()

	start := s.timeProvider.Now()
	if err := r.state.Transition(enrichment.RunStateBatchInFlight); err != nil {
		return err
	}

	res, procErr := s.processBatch(ctx, number, items, positions)
	r.summary.Processed += res.Len()

	if err := r.state.Transition(enrichment.RunStateCheckpointing); err != nil {
		return err
	}

	// Whatever was processed is flushed and committed even when a signal
	// arrives meanwhile; the interrupt is honored once the commit is durable.
	if res.Len() > 0 {
		if err := s.commit(context.WithoutCancel(ctx), r, pass, res, batches, start, apply); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
			return err
		}
	}

	if procErr != nil {
		span.RecordError(procErr)
		span.SetStatus(codes.Error, "batch interrupted")
		s.logger.Warn(ctx, "batch interrupted, completed prefix committed",
			"pass", pass,
			"batch", number,
			"committed", res.Len(),
			"of", len(items),
		)
		return procErr
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "interrupted after commit")
		return interrupted(err)
	}

	span.SetStatus(codes.Ok, "batch committed")
	return r.state.Transition(enrichment.RunStateRunning)
}

type outcome struct {
	done   bool
	record enrichment.Record
	err    error
}

// processBatch runs every item through the limiter and the retry manager with
// at most cfg.Workers in flight. Outcomes are resequenced by position and only
// the contiguous prefix of terminal outcomes is returned; anything completed
// after a gap is discarded and redone on resume.
func (s *Scheduler) processBatch(
	ctx context.Context,
	number int,
	items []enrichment.WorkItem,
	positions []int,
) (*enrichment.BatchResult, error) {
	outcomes := make([]outcome, len(items))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := s.limiter.Acquire(ctx); err != nil {
				outcomes[i] = outcome{done: true, err: err}
				return err
			}
			rec, err := s.retry.Execute(ctx, item, s.op)
			outcomes[i] = outcome{done: true, record: rec, err: err}
			return nil
		})
	}
	// Per-key failures are carried in outcomes; the group only reports
	// limiter errors, which resequencing below picks up again.
	_ = g.Wait()

	res := &enrichment.BatchResult{Number: number, Offset: positions[0]}
	for i, o := range outcomes {
		if !o.done {
			return res, interrupted(ctx.Err())
		}
		if o.err == nil {
			res.Succeeded = append(res.Succeeded, o.record)
			continue
		}

		var kf *enrichment.KeyFailure
		if !errors.As(o.err, &kf) {
			if ctx.Err() != nil {
				return res, interrupted(ctx.Err())
			}
			return res, fmt.Errorf("failed to process key %s: %w", items[i].Key, o.err)
		}
		kf.Index = positions[i]
		res.Failed = append(res.Failed, *kf)
		s.logger.Warn(ctx, "key failed",
			"key", kf.Key,
			"index", kf.Index,
			"kind", kf.Kind,
			"reason", kf.Reason,
			"attempts", kf.Attempts,
			"error", kf.Err,
		)
	}

	return res, nil
}

// commit appends the batch output, then advances and commits the checkpoint.
func (s *Scheduler) commit(
	ctx context.Context,
	r *run,
	pass string,
	res *enrichment.BatchResult,
	batches int,
	start time.Time,
	apply func(*enrichment.BatchResult) error,
) error {
	if len(res.Succeeded) > 0 {
		if err := s.sink.AppendAll(ctx, res.Succeeded); err != nil {
			return asSinkError(err)
		}
	}
	// A key that fails again in the retry pass already has its failure line.
	if len(res.Failed) > 0 && pass == enrichment.PassMain {
		if err := s.sink.AppendFailures(ctx, res.Failed); err != nil {
			return asSinkError(err)
		}
	}

	if err := apply(res); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	if err := s.store.Commit(ctx, r.cp); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	elapsed := s.timeProvider.Now().Sub(start)
	r.summary.Batches++
	s.metrics.IncCheckpointCommits(ctx)
	s.metrics.IncKeysSucceeded(ctx, len(res.Succeeded))
	s.metrics.ObserveBatchDuration(ctx, elapsed)
	for _, f := range res.Failed {
		s.metrics.IncKeysFailed(ctx, f.Kind, 1)
		fc, ok := r.failures[f.Reason]
		if !ok {
			fc = &enrichment.FailureCount{Kind: f.Kind, Reason: f.Reason}
			r.failures[f.Reason] = fc
		}
		fc.Count++
	}

	evt := enrichment.BatchCommitted{
		Pipeline:       s.cfg.Pipeline,
		RunID:          r.cp.RunID().String(),
		Pass:           pass,
		Batch:          res.Number,
		Offset:         res.Offset,
		LastIndex:      r.cp.LastCompletedIndex(),
		Succeeded:      len(res.Succeeded),
		Failed:         len(res.Failed),
		CompletedCount: r.cp.CompletedCount(),
		TotalKeys:      r.cp.TotalKeys(),
		Duration:       elapsed.Seconds(),
		CommittedAt:    r.cp.UpdatedAt(),
	}

	s.logger.Info(ctx, "batch committed",
		"pass", pass,
		"batch", fmt.Sprintf("%d/%d", res.Number, batches),
		"ok", evt.Succeeded,
		"failed", evt.Failed,
		"duration", elapsed.Round(time.Millisecond).String(),
		"progress", fmt.Sprintf("%.1f%%", evt.Progress()),
	)

	for _, obs := range s.observers {
		if err := obs.BatchCommitted(ctx, evt); err != nil {
			s.logger.Warn(ctx, "observer failed on batch committed", "error", err)
		}
	}

	return nil
}

func (s *Scheduler) finish(ctx context.Context, r *run, runErr error) enrichment.Summary {
	ctx = context.WithoutCancel(ctx)

	if runErr != nil && !r.state.State().IsTerminal() {
		// Every non-terminal state may abort.
		_ = r.state.Transition(enrichment.RunStateAborted)
	}

	summary := r.summary
	summary.ApplyCheckpoint(r.cp)
	summary.State = r.state.State()
	summary.FinishedAt = s.timeProvider.Now()
	summary.Elapsed = summary.FinishedAt.Sub(summary.StartedAt)
	summary.Retries = int(s.retry.Retries() - r.retries0)
	summary.TopFailures = topFailures(r.failures, 5)
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	kv := []any{
		"state", summary.State,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed_transient", summary.FailedTransient,
		"failed_permanent", summary.FailedPermanent,
		"batches", summary.Batches,
		"elapsed", summary.Elapsed.Round(time.Millisecond).String(),
	}
	if runErr != nil {
		s.logger.Error(ctx, "run aborted", append(kv, "error", runErr)...)
	} else {
		s.logger.Info(ctx, "run completed", kv...)
	}

	for _, obs := range s.observers {
		if err := obs.RunFinished(ctx, summary); err != nil {
			s.logger.Warn(ctx, "observer failed on run finished", "error", err)
		}
	}

	return summary
}

func interrupted(cause error) error {
	if cause == nil {
		return enrichment.ErrInterrupted
	}
	return fmt.Errorf("%w: %w", enrichment.ErrInterrupted, cause)
}

func asSinkError(err error) error {
	var swe *enrichment.SinkWriteError
	if errors.As(err, &swe) {
		return err
	}
	return &enrichment.SinkWriteError{Sink: "unknown", Err: err}
}

// topFailures returns the n most frequent failure reasons.
func topFailures(counts map[enrichment.Reason]*enrichment.FailureCount, n int) []enrichment.FailureCount {
	out := make([]enrichment.FailureCount, 0, len(counts))
	for _, fc := range counts {
		out = append(out, *fc)
	}
	slices.SortFunc(out, func(a, b enrichment.FailureCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Reason, b.Reason)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
