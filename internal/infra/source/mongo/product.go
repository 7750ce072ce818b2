package mongo

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

// Event types that reference a product page.
const (
	EventViewProductDetail          = "view_product_detail"
	EventSelectProductOption        = "select_product_option"
	EventSelectProductOptionQuality = "select_product_option_quality"
	EventAddToCart                  = "add_to_cart_action"
	EventRecommendationVisible      = "product_detail_recommendation_visible"
	EventRecommendationNoticed      = "product_detail_recommendation_noticed"
	EventViewAllRecommendClicked    = "product_view_all_recommend_clicked"
)

// ProductEventTypes lists every event type scanned for product ids, in scan
// order.
var ProductEventTypes = []string{
	EventViewProductDetail,
	EventSelectProductOption,
	EventSelectProductOptionQuality,
	EventAddToCart,
	EventRecommendationVisible,
	EventRecommendationNoticed,
	EventViewAllRecommendClicked,
}

const catalogPathMarker = "/catalog/product/view/id/"

var _ enrichment.WorkSetSource = (*ProductSource)(nil)

// ProductSource yields one work item per distinct product id, carrying the
// best known page URL and its domain as attributes.
type ProductSource struct {
	coll   *mongod.Collection
	tracer trace.Tracer
}

// NewProductSource returns a product source over the event collection.
func NewProductSource(coll *mongod.Collection, tracer trace.Tracer) *ProductSource {
	return &ProductSource{coll: coll, tracer: tracer}
}

func (s *ProductSource) Name() string {
	return fmt.Sprintf("mongo:%s.%s", s.coll.Database().Name(), s.coll.Name())
}

type productEvent struct {
	ProductID        any    `bson:"product_id"`
	ViewingProductID any    `bson:"viewing_product_id"`
	CurrentURL       string `bson:"current_url"`
	ReferrerURL      string `bson:"referrer_url"`
}

// FetchItems scans each product event type and groups the page URLs seen for
// every product id.
func (s *ProductSource) FetchItems(ctx context.Context) ([]enrichment.WorkItem, error) {
	urls := newURLSet()
	attrs := []attribute.KeyValue{attribute.String("collection", s.coll.Name())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "mongo_source.fetch_products", attrs, func(ctx context.Context) error {
		for _, eventType := range ProductEventTypes {
			if err := s.scanEventType(ctx, eventType, urls); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return urls.items(), nil
}

func (s *ProductSource) scanEventType(ctx context.Context, eventType string, urls *urlSet) error {
	projection := bson.D{
		{Key: "product_id", Value: 1},
		{Key: "viewing_product_id", Value: 1},
		{Key: "current_url", Value: 1},
	}
	if eventType == EventViewAllRecommendClicked {
		projection = bson.D{
			{Key: "viewing_product_id", Value: 1},
			{Key: "referrer_url", Value: 1},
		}
	}

	cursor, err := s.coll.Find(ctx,
		bson.D{{Key: "collection", Value: eventType}},
		options.Find().SetProjection(projection),
	)
	if err != nil {
		return fmt.Errorf("failed to query %s events: %w", eventType, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var evt productEvent
		if err := cursor.Decode(&evt); err != nil {
			return fmt.Errorf("failed to decode %s event: %w", eventType, err)
		}

		if eventType == EventViewAllRecommendClicked {
			urls.add(idString(evt.ViewingProductID), evt.ReferrerURL)
			continue
		}
		id := idString(evt.ProductID)
		if id == "" {
			id = idString(evt.ViewingProductID)
		}
		urls.add(id, evt.CurrentURL)
	}
	return cursor.Err()
}

// idString normalizes product ids, which appear both as strings and numbers
// in the raw events.
func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case int32, int64:
		return fmt.Sprintf("%d", id)
	case float64:
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id))
		}
		return fmt.Sprintf("%g", id)
	default:
		return strings.TrimSpace(fmt.Sprint(id))
	}
}

// urlSet collects the distinct URLs per product id in first-seen order.
type urlSet struct {
	order []string
	urls  map[string][]string
	seen  map[string]map[string]struct{}
}

func newURLSet() *urlSet {
	return &urlSet{
		urls: make(map[string][]string),
		seen: make(map[string]map[string]struct{}),
	}
}

func (u *urlSet) add(id, pageURL string) {
	if id == "" {
		return
	}
	if _, ok := u.seen[id]; !ok {
		u.seen[id] = make(map[string]struct{})
		u.order = append(u.order, id)
	}
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return
	}
	if _, dup := u.seen[id][pageURL]; dup {
		return
	}
	u.seen[id][pageURL] = struct{}{}
	u.urls[id] = append(u.urls[id], pageURL)
}

func (u *urlSet) items() []enrichment.WorkItem {
	items := make([]enrichment.WorkItem, 0, len(u.order))
	for _, id := range u.order {
		item := enrichment.WorkItem{Key: enrichment.WorkKey(id)}
		if best := PreferredURL(u.urls[id]); best != "" {
			item.Attrs = map[string]string{
				enrichment.AttrURL:    best,
				enrichment.AttrDomain: DomainOf(best),
			}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}

// PreferredURL picks the first SEO-friendly URL, falling back to the first
// catalog URL. It returns "" for no candidates.
func PreferredURL(urls []string) string {
	for _, u := range urls {
		if !strings.Contains(u, catalogPathMarker) {
			return u
		}
	}
	if len(urls) > 0 {
		return urls[0]
	}
	return ""
}

// DomainOf returns the host of rawURL without a leading "www.".
func DomainOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}
