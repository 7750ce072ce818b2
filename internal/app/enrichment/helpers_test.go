package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/event-enricher/internal/app/enrichment/metrics"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

var tracer = noop.NewTracerProvider().Tracer("test")

func newMetrics(t *testing.T) *metrics.Engine {
	t.Helper()
	m, err := metrics.New(metricnoop.NewMeterProvider(), "test")
	require.NoError(t, err)
	return m
}

func newWorkSet(t *testing.T, n int) *enrichment.WorkSet {
	t.Helper()
	items := make([]enrichment.WorkItem, n)
	for i := range items {
		items[i] = enrichment.WorkItem{Key: enrichment.WorkKey(fmt.Sprintf("key-%02d", i))}
	}
	ws, err := enrichment.NewWorkSet(items)
	require.NoError(t, err)
	return ws
}

func newRetry(t *testing.T, policy RetryPolicy) *RetryManager {
	t.Helper()
	r := NewRetryManager(policy, logger.Noop(), newMetrics(t), tracer)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return r
}

// memStore persists checkpoints as JSON so every Load returns an independent
// copy, like a real store would.
type memStore struct {
	mu      sync.Mutex
	data    []byte
	commits int

	// failOnCommit makes the n-th commit (1-based) fail.
	failOnCommit int
	loadErr      error
}

func (s *memStore) Load(context.Context) (*enrichment.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.data == nil {
		return nil, nil
	}
	var cp enrichment.Checkpoint
	if err := json.Unmarshal(s.data, &cp); err != nil {
		return nil, &enrichment.CheckpointCorruptError{Location: "memory", Err: err}
	}
	return &cp, nil
}

func (s *memStore) Commit(_ context.Context, cp *enrichment.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if s.failOnCommit > 0 && s.commits == s.failOnCommit {
		return errors.New("disk on fire")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

func (s *memStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func (s *memStore) checkpoint(t *testing.T) *enrichment.Checkpoint {
	t.Helper()
	cp, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cp)
	return cp
}

type memSink struct {
	mu       sync.Mutex
	records  []enrichment.WorkKey
	failures []enrichment.KeyFailure
	appendErr error
}

func (s *memSink) AppendAll(_ context.Context, records []enrichment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	for _, r := range records {
		s.records = append(s.records, r.Key())
	}
	return nil
}

func (s *memSink) AppendFailures(_ context.Context, failures []enrichment.KeyFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failures...)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) keySet() map[enrichment.WorkKey]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[enrichment.WorkKey]int, len(s.records))
	for _, k := range s.records {
		out[k]++
	}
	return out
}

// eventRecorder is an Observer that can run a hook on each committed batch.
type eventRecorder struct {
	mu       sync.Mutex
	batches  []enrichment.BatchCommitted
	finished []enrichment.Summary
	onBatch  func(enrichment.BatchCommitted)
}

func (r *eventRecorder) BatchCommitted(_ context.Context, evt enrichment.BatchCommitted) error {
	r.mu.Lock()
	r.batches = append(r.batches, evt)
	hook := r.onBatch
	r.mu.Unlock()
	if hook != nil {
		hook(evt)
	}
	return nil
}

func (r *eventRecorder) RunFinished(_ context.Context, s enrichment.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s)
	return nil
}

type testRecord struct{ key enrichment.WorkKey }

func (r *testRecord) Key() enrichment.WorkKey { return r.key }

// opFor returns an operation that fails permanently for the keys in perm and
// succeeds for everything else.
func opFor(perm ...enrichment.WorkKey) enrichment.Operation {
	set := make(map[enrichment.WorkKey]bool, len(perm))
	for _, k := range perm {
		set[k] = true
	}
	return func(_ context.Context, item enrichment.WorkItem) (enrichment.Record, error) {
		if set[item.Key] {
			return nil, enrichment.NewPermanentError(enrichment.ReasonNotFound, errors.New("no such thing"))
		}
		return &testRecord{key: item.Key}, nil
	}
}

type schedulerHarness struct {
	ws       *enrichment.WorkSet
	store    *memStore
	sink     *memSink
	events   *eventRecorder
	cfg      SchedulerConfig
	retry    RetryPolicy
	limiter  enrichment.Limiter
	sleepLog []time.Duration
}

func newHarness(t *testing.T, keys, batchSize int) *schedulerHarness {
	t.Helper()
	return &schedulerHarness{
		ws:      newWorkSet(t, keys),
		store:   &memStore{},
		sink:    &memSink{},
		events:  &eventRecorder{},
		cfg:     SchedulerConfig{Pipeline: "test", BatchSize: batchSize, Workers: 1},
		retry:   RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
		limiter: common.NoopLimiter{},
	}
}

func (h *schedulerHarness) scheduler(t *testing.T, op enrichment.Operation) *Scheduler {
	t.Helper()
	s := NewScheduler(
		h.cfg,
		h.ws,
		h.store,
		h.sink,
		h.limiter,
		newRetry(t, h.retry),
		op,
		logger.Noop(),
		newMetrics(t),
		tracer,
		WithObservers(h.events),
	)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleepLog = append(h.sleepLog, d)
		return ctx.Err()
	}
	return s
}
