// Package mongo implements a result sink that upserts enriched records into a
// MongoDB collection keyed on the work key.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

var _ enrichment.ResultSink = (*Sink)(nil)

// Sink writes records with unordered bulk upserts. Replaying a batch after a
// crash overwrites the same documents, so the collection never holds
// duplicates for a key.
type Sink struct {
	records  *mongod.Collection
	failures *mongod.Collection
	keyField string
	tracer   trace.Tracer
}

// New returns a sink writing to coll and to "<coll>_failures" in db. keyField
// is the document field holding the work key.
func New(db *mongod.Database, coll, keyField string, tracer trace.Tracer) *Sink {
	return &Sink{
		records:  db.Collection(coll),
		failures: db.Collection(coll + "_failures"),
		keyField: keyField,
		tracer:   tracer,
	}
}

// EnsureIndexes creates the unique key index on the record collection and the
// lookup indexes on the failure collection.
func (s *Sink) EnsureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateOne(ctx, mongod.IndexModel{
		Keys:    bson.D{{Key: s.keyField, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create %s index: %w", s.keyField, err)
	}

	_, err = s.failures.Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "reason", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create failure indexes: %w", err)
	}
	return nil
}

// AppendAll upserts every record on its key field.
func (s *Sink) AppendAll(ctx context.Context, records []enrichment.Record) error {
	if len(records) == 0 {
		return nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", s.records.Name()),
		attribute.Int("records", len(records)),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "mongo_sink.append_all", attrs, func(ctx context.Context) error {
		models := make([]mongod.WriteModel, 0, len(records))
		for _, r := range records {
			models = append(models, mongod.NewReplaceOneModel().
				SetFilter(bson.D{{Key: s.keyField, Value: r.Key().String()}}).
				SetReplacement(r).
				SetUpsert(true))
		}
		return s.bulkWrite(ctx, s.records, models)
	})
}

type failureDoc struct {
	Key      string    `bson:"key"`
	Index    int       `bson:"index"`
	Kind     string    `bson:"kind"`
	Reason   string    `bson:"reason"`
	Attempts int       `bson:"attempts"`
	Error    string    `bson:"error"`
	FailedAt time.Time `bson:"failed_at"`
}

// AppendFailures upserts one document per failed key. A later failure for the
// same key replaces the earlier one.
func (s *Sink) AppendFailures(ctx context.Context, failures []enrichment.KeyFailure) error {
	if len(failures) == 0 {
		return nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", s.failures.Name()),
		attribute.Int("failures", len(failures)),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "mongo_sink.append_failures", attrs, func(ctx context.Context) error {
		models := make([]mongod.WriteModel, 0, len(failures))
		for _, f := range failures {
			doc := failureDoc{
				Key:      f.Key.String(),
				Index:    f.Index,
				Kind:     f.Kind.String(),
				Reason:   string(f.Reason),
				Attempts: f.Attempts,
				FailedAt: f.FailedAt.UTC(),
			}
			if f.Err != nil {
				doc.Error = f.Err.Error()
			}
			models = append(models, mongod.NewReplaceOneModel().
				SetFilter(bson.D{{Key: "key", Value: doc.Key}}).
				SetReplacement(doc).
				SetUpsert(true))
		}
		return s.bulkWrite(ctx, s.failures, models)
	})
}

func (s *Sink) bulkWrite(ctx context.Context, coll *mongod.Collection, models []mongod.WriteModel) error {
	_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		return nil
	}

	var bwe mongod.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		err = fmt.Errorf("%d of %d writes failed, first: %w", len(bwe.WriteErrors), len(models), bwe.WriteErrors[0])
	}
	return &enrichment.SinkWriteError{Sink: coll.Database().Name() + "." + coll.Name(), Err: err}
}

// Close is a no-op; the client is owned by the caller.
func (s *Sink) Close() error { return nil }
