// Package runner assembles the collaborators of one enrichment run from the
// configuration and drives it to a summary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	enrichapp "github.com/ahrav/event-enricher/internal/app/enrichment"
	"github.com/ahrav/event-enricher/internal/app/enrichment/metrics"
	"github.com/ahrav/event-enricher/internal/config"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/eventbus/kafka"
	"github.com/ahrav/event-enricher/internal/infra/publisher/objectstore"
	"github.com/ahrav/event-enricher/internal/infra/sink"
	"github.com/ahrav/event-enricher/internal/infra/sink/bsonfile"
	mongosink "github.com/ahrav/event-enricher/internal/infra/sink/mongo"
	"github.com/ahrav/event-enricher/internal/infra/storage"
	filestore "github.com/ahrav/event-enricher/internal/infra/storage/checkpoint/file"
	memstore "github.com/ahrav/event-enricher/internal/infra/storage/checkpoint/memory"
	pgstore "github.com/ahrav/event-enricher/internal/infra/storage/checkpoint/postgres"
	"github.com/ahrav/event-enricher/internal/infra/storage/snapshot"
	"github.com/ahrav/event-enricher/pkg/common"
	"github.com/ahrav/event-enricher/pkg/common/logger"
	"github.com/ahrav/event-enricher/pkg/common/otel"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

const (
	connectTimeout  = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// Pipeline describes what is enriched: where the keys come from and how one
// key is looked up.
type Pipeline struct {
	Name config.Pipeline
	// KeyField is the document field holding the work key in keyed output.
	KeyField string
	// Source builds the work set source over the raw event collection.
	Source func(coll *mongod.Collection, cfg *config.Config, tracer trace.Tracer) enrichment.WorkSetSource
	// Operation builds the per-key lookup. The returned cleanup runs once the
	// run is over, whatever its outcome.
	Operation func(ctx context.Context, cfg *config.Config, log *logger.Logger, tracer trace.Tracer) (enrichment.Operation, func() error, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithReset discards the checkpoint and the work set snapshot before the run.
func WithReset(reset bool) Option { return func(r *Runner) { r.reset = reset } }

// WithTimeProvider overrides the clock handed to the scheduler.
func WithTimeProvider(tp timeutil.Provider) Option { return func(r *Runner) { r.timeProvider = tp } }

type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// Runner executes one run of a pipeline.
type Runner struct {
	cfg      *config.Config
	pipeline Pipeline
	reset    bool

	timeProvider timeutil.Provider
	cleanups     []cleanup

	logger *logger.Logger
	tracer trace.Tracer
	meter  metric.MeterProvider
}

// New returns a Runner for p configured by cfg.
func New(cfg *config.Config, p Pipeline, providers otel.Providers, log *logger.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:          cfg,
		pipeline:     p,
		timeProvider: timeutil.Default(),
		logger:       log.With("pipeline", string(p.Name)),
		tracer:       providers.Tracer.Tracer("event-enricher/" + string(p.Name)),
		meter:        providers.Meter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the pipeline and writes the summary report. The returned
// summary is meaningful even when err is not nil.
func (r *Runner) Run(ctx context.Context) (enrichment.Summary, error) {
	startedAt := r.timeProvider.Now()
	defer r.close(ctx)

	summary, err := r.run(ctx)
	if summary.State == "" {
		// The run failed before the scheduler started.
		now := r.timeProvider.Now()
		summary = enrichment.Summary{
			Pipeline:   string(r.pipeline.Name),
			State:      enrichment.RunStateAborted,
			StartedAt:  startedAt,
			FinishedAt: now,
			Elapsed:    now.Sub(startedAt),
		}
		if err != nil {
			summary.Error = err.Error()
		}
	}

	if r.cfg.SummaryPath != "" {
		if werr := WriteReport(r.cfg.SummaryPath, NewReport(r.cfg, summary, err)); werr != nil {
			r.logger.Error(ctx, "failed to write summary report", "path", r.cfg.SummaryPath, "error", werr)
		} else {
			r.logger.Info(ctx, "summary report written", "path", r.cfg.SummaryPath)
		}
	}
	return summary, err
}

func (r *Runner) run(ctx context.Context) (enrichment.Summary, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(r.cfg.SourceURI))
	if err != nil {
		return enrichment.Summary{}, fmt.Errorf("failed to create mongo client: %w", err)
	}
	r.onClose("mongo", func(ctx context.Context) error { return client.Disconnect(ctx) })
	db := client.Database(r.cfg.Database)

	source := r.pipeline.Source(db.Collection(r.cfg.Collection), r.cfg, r.tracer)
	extractor := enrichapp.NewExtractor(source, snapshot.New(r.cfg.SnapshotPath, r.tracer), r.logger, r.tracer)

	store, err := r.checkpointStore(ctx)
	if err != nil {
		return enrichment.Summary{}, err
	}

	if r.reset {
		if err := store.Reset(ctx); err != nil {
			return enrichment.Summary{}, fmt.Errorf("failed to reset checkpoint: %w", err)
		}
		if err := extractor.Reset(ctx); err != nil {
			return enrichment.Summary{}, fmt.Errorf("failed to reset work set snapshot: %w", err)
		}
		r.logger.Warn(ctx, "checkpoint and work set snapshot discarded, starting over")
	}

	ws, err := extractor.Extract(ctx)
	if err != nil {
		return enrichment.Summary{}, err
	}

	out, err := r.resultSink(ctx, client, db)
	if err != nil {
		return enrichment.Summary{}, err
	}

	op, closeOp, err := r.pipeline.Operation(ctx, r.cfg, r.logger, r.tracer)
	if err != nil {
		return enrichment.Summary{}, fmt.Errorf("failed to set up %s lookup: %w", r.pipeline.Name, err)
	}
	if closeOp != nil {
		r.onClose("lookup", func(context.Context) error { return closeOp() })
	}

	m, err := metrics.New(r.meter, string(r.pipeline.Name))
	if err != nil {
		return enrichment.Summary{}, fmt.Errorf("failed to create metrics: %w", err)
	}

	observers, err := r.observers(m)
	if err != nil {
		return enrichment.Summary{}, err
	}

	retry := enrichapp.NewRetryManager(enrichapp.RetryPolicy{
		MaxAttempts:    r.cfg.MaxAttempts,
		BaseBackoff:    r.cfg.BaseBackoff,
		MaxBackoff:     r.cfg.MaxBackoff,
		AttemptTimeout: r.cfg.AttemptTimeout,
	}, r.logger, m, r.tracer)

	scheduler := enrichapp.NewScheduler(
		enrichapp.SchedulerConfig{
			Pipeline:    string(r.pipeline.Name),
			BatchSize:   r.cfg.BatchSize,
			Workers:     r.cfg.Workers,
			BatchDelay:  r.cfg.BatchDelay,
			RetryFailed: r.cfg.RetryFailed,
		},
		ws, store, out, r.limiter(), retry, op,
		r.logger, m, r.tracer,
		enrichapp.WithObservers(observers...),
		enrichapp.WithSchedulerTimeProvider(r.timeProvider),
	)
	return scheduler.Run(ctx)
}

func (r *Runner) checkpointStore(ctx context.Context) (enrichment.CheckpointRepository, error) {
	switch r.cfg.CheckpointBackend {
	case config.CheckpointPostgres:
	case config.CheckpointMemory:
		r.logger.Warn(ctx, "checkpoints are kept in memory; an interrupted run starts over")
		return memstore.NewCheckpointStore(), nil
	default:
		return filestore.NewCheckpointStore(r.cfg.CheckpointPath, r.tracer), nil
	}

	poolCfg, err := pgxpool.ParseConfig(r.cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	r.onClose("postgres", func(context.Context) error { pool.Close(); return nil })

	if err := common.ConnectWithRetry(ctx, "postgres", r.logger, connectTimeout, pool.Ping); err != nil {
		return nil, err
	}
	if err := storage.Migrate(pool, r.cfg.MigrationsPath); err != nil {
		return nil, err
	}
	r.logger.Info(ctx, "postgres checkpoint store ready")

	return pgstore.NewCheckpointStore(pool, string(r.pipeline.Name), r.tracer), nil
}

func (r *Runner) resultSink(ctx context.Context, client *mongod.Client, db *mongod.Database) (enrichment.ResultSink, error) {
	files, err := bsonfile.Open(r.cfg.OutputPath, r.cfg.FailureLogPath, r.logger, r.tracer)
	if err != nil {
		return nil, err
	}
	out := sink.NewTee(files)
	r.onClose("result sink", func(context.Context) error { return out.Close() })

	if r.cfg.MongoSinkCollection == "" {
		return out, nil
	}

	ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
	if err := common.ConnectWithRetry(ctx, "mongodb", r.logger, connectTimeout, ping); err != nil {
		return nil, err
	}

	keyed := mongosink.New(db, r.cfg.MongoSinkCollection, r.pipeline.KeyField, r.tracer)
	if err := keyed.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	// The file sink stays first so the local output is never behind the
	// keyed collection.
	out = append(out, keyed)
	return out, nil
}

func (r *Runner) observers(m *metrics.Engine) ([]enrichapp.Observer, error) {
	var observers []enrichapp.Observer

	if len(r.cfg.KafkaBrokers) > 0 {
		producer, err := kafka.ConnectProducer(&kafka.ClientConfig{
			Brokers:  r.cfg.KafkaBrokers,
			ClientID: "event-enricher-" + string(r.pipeline.Name),
			Topic:    r.cfg.KafkaTopic,
		}, r.logger)
		if err != nil {
			return nil, err
		}
		notifier := kafka.NewNotifier(producer, r.cfg.KafkaTopic, r.logger, m, r.tracer)
		r.onClose("kafka notifier", func(context.Context) error { return notifier.Close() })
		observers = append(observers, notifier)
	}

	if r.cfg.ObjectStoreEndpoint != "" {
		publisher, err := objectstore.New(objectstore.Config{
			Endpoint:  r.cfg.ObjectStoreEndpoint,
			AccessKey: r.cfg.ObjectStoreAccessKey,
			SecretKey: r.cfg.ObjectStoreSecretKey,
			Bucket:    r.cfg.ObjectStoreBucket,
			UseSSL:    r.cfg.ObjectStoreUseSSL,
			Prefix:    r.cfg.ObjectStorePrefix,
		}, []string{r.cfg.OutputPath, r.cfg.FailureLogPath, r.cfg.SnapshotPath}, r.logger, r.tracer)
		if err != nil {
			return nil, err
		}
		observers = append(observers, publisher)
	}

	return observers, nil
}

func (r *Runner) limiter() enrichment.Limiter {
	if r.cfg.RateLimitInterval <= 0 && r.cfg.RateLimitJitter <= 0 {
		return common.NoopLimiter{}
	}
	return common.NewRateLimiter(r.cfg.RateLimitInterval, r.cfg.RateLimitJitter)
}

func (r *Runner) onClose(name string, fn func(ctx context.Context) error) {
	r.cleanups = append(r.cleanups, cleanup{name: name, fn: fn})
}

// close releases collaborators in reverse order of acquisition. It runs after
// an interrupt too, so it does not inherit cancellation.
func (r *Runner) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	for i := len(r.cleanups) - 1; i >= 0; i-- {
		c := r.cleanups[i]
		if err := c.fn(ctx); err != nil {
			r.logger.Warn(ctx, "failed to release collaborator", "name", c.name, "error", err)
		}
	}
	r.cleanups = nil
}

// ExitCode maps the outcome of Run to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, enrichment.ErrInterrupted), errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
