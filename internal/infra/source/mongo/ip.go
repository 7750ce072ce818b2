// Package mongo extracts work sets from the raw event collection in MongoDB.
package mongo

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

// DefaultIPField is the event field carrying the client address.
const DefaultIPField = "ip"

var _ enrichment.WorkSetSource = (*IPSource)(nil)

// IPSource yields the distinct client IP addresses of the event collection.
type IPSource struct {
	coll    *mongod.Collection
	ipField string
	tracer  trace.Tracer
}

// NewIPSource returns a source over coll grouping on ipField. An empty
// ipField means DefaultIPField.
func NewIPSource(coll *mongod.Collection, ipField string, tracer trace.Tracer) *IPSource {
	if ipField == "" {
		ipField = DefaultIPField
	}
	return &IPSource{coll: coll, ipField: ipField, tracer: tracer}
}

func (s *IPSource) Name() string {
	return fmt.Sprintf("mongo:%s.%s", s.coll.Database().Name(), s.coll.Name())
}

// FetchItems runs the distinct-ip aggregation. The group stage can exceed the
// in-memory limit on large collections, so disk use is allowed.
func (s *IPSource) FetchItems(ctx context.Context) ([]enrichment.WorkItem, error) {
	var items []enrichment.WorkItem
	attrs := []attribute.KeyValue{
		attribute.String("collection", s.coll.Name()),
		attribute.String("field", s.ipField),
	}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "mongo_source.fetch_ips", attrs, func(ctx context.Context) error {
		pipeline := mongod.Pipeline{
			{{Key: "$match", Value: bson.D{{Key: s.ipField, Value: bson.D{
				{Key: "$exists", Value: true},
				{Key: "$nin", Value: bson.A{nil, ""}},
			}}}}},
			{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$" + s.ipField}}}},
			{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		}

		cursor, err := s.coll.Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
		if err != nil {
			return fmt.Errorf("failed to aggregate distinct ips: %w", err)
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc struct {
				IP any `bson:"_id"`
			}
			if err := cursor.Decode(&doc); err != nil {
				return fmt.Errorf("failed to decode ip group: %w", err)
			}
			ip, ok := doc.IP.(string)
			if !ok {
				continue
			}
			if ip = strings.TrimSpace(ip); ip != "" {
				items = append(items, enrichment.WorkItem{Key: enrichment.WorkKey(ip)})
			}
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
