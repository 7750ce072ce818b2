package enrichment

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

var errEmptyWorkSet = errors.New("source returned no usable work keys")

// Extractor materializes the work set once and reuses the snapshot on every
// later run so offsets keep pointing at the same keys.
type Extractor struct {
	source   enrichment.WorkSetSource
	snapshot enrichment.SnapshotStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewExtractor creates an Extractor reading from source and persisting to
// snapshot.
func NewExtractor(
	source enrichment.WorkSetSource,
	snapshot enrichment.SnapshotStore,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Extractor {
	return &Extractor{
		source:   source,
		snapshot: snapshot,
		logger:   logger.With("component", "extractor"),
		tracer:   tracer,
	}
}

// Extract returns the work set. All failures are *enrichment.ExtractionError.
func (e *Extractor) Extract(ctx context.Context) (*enrichment.WorkSet, error) {
	ctx, span := e.tracer.Start(ctx, "extractor.extract",
		trace.WithAttributes(
			attribute.String("source", e.source.Name()),
			attribute.String("snapshot", e.snapshot.Location()),
		))
	defer span.End()

	fail := func(source string, err error) (*enrichment.WorkSet, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return nil, &enrichment.ExtractionError{Source: source, Err: err}
	}

	items, ok, err := e.snapshot.Load(ctx)
	if err != nil {
		return fail(e.snapshot.Location(), err)
	}

	if ok {
		span.AddEvent("snapshot_loaded", trace.WithAttributes(attribute.Int("keys", len(items))))
		e.logger.Info(ctx, "loaded work set snapshot", "path", e.snapshot.Location(), "keys", len(items))
	} else {
		raw, err := e.source.FetchItems(ctx)
		if err != nil {
			return fail(e.source.Name(), err)
		}
		items = enrichment.NormalizeItems(raw)
		e.logger.Info(ctx, "extracted work set from source",
			"source", e.source.Name(),
			"raw", len(raw),
			"unique", len(items),
		)
		if len(items) == 0 {
			return fail(e.source.Name(), errEmptyWorkSet)
		}

		if err := e.snapshot.Save(ctx, items); err != nil {
			return fail(e.snapshot.Location(), err)
		}
		span.AddEvent("snapshot_saved", trace.WithAttributes(attribute.Int("keys", len(items))))
	}

	if len(items) == 0 {
		return fail(e.snapshot.Location(), errEmptyWorkSet)
	}

	ws, err := enrichment.NewWorkSet(items)
	if err != nil {
		return fail(e.snapshot.Location(), err)
	}

	span.SetAttributes(attribute.Int("keys", ws.Len()))
	span.SetStatus(codes.Ok, "work set ready")
	return ws, nil
}

// Reset drops the snapshot so the next Extract queries the source again.
func (e *Extractor) Reset(ctx context.Context) error {
	return e.snapshot.Reset(ctx)
}
