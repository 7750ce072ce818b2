package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

func TestPreferredURL(t *testing.T) {
	tests := []struct {
		name string
		urls []string
		want string
	}{
		{name: "none", want: ""},
		{
			name: "seo url wins over catalog url",
			urls: []string{
				"https://www.glamira.de/catalog/product/view/id/110474",
				"https://www.glamira.de/glamira-ring-zanessa.html",
			},
			want: "https://www.glamira.de/glamira-ring-zanessa.html",
		},
		{
			name: "catalog url as last resort",
			urls: []string{"https://www.glamira.fr/catalog/product/view/id/1"},
			want: "https://www.glamira.fr/catalog/product/view/id/1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreferredURL(tt.urls))
		})
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "glamira.de", DomainOf("https://www.glamira.de/ring.html"))
	assert.Equal(t, "shop.glamira.com", DomainOf("https://shop.glamira.com:8443/x"))
	assert.Equal(t, "", DomainOf("::not a url"))
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "", idString(nil))
	assert.Equal(t, "42", idString(" 42 "))
	assert.Equal(t, "42", idString(int32(42)))
	assert.Equal(t, "110474", idString(float64(110474)))
}

func TestURLSetGroupsAndSorts(t *testing.T) {
	u := newURLSet()
	u.add("200", "https://www.glamira.com/catalog/product/view/id/200")
	u.add("100", "")
	u.add("200", "https://www.glamira.com/pendant.html")
	u.add("200", "https://www.glamira.com/pendant.html")
	u.add("", "https://ignored.example")

	items := u.items()
	require.Len(t, items, 2)
	assert.Equal(t, enrichment.WorkKey("100"), items[0].Key)
	assert.Empty(t, items[0].Attr(enrichment.AttrURL))

	assert.Equal(t, enrichment.WorkKey("200"), items[1].Key)
	assert.Equal(t, "https://www.glamira.com/pendant.html", items[1].Attr(enrichment.AttrURL))
	assert.Equal(t, "glamira.com", items[1].Attr(enrichment.AttrDomain))
}

func setupEvents(t *testing.T) *mongod.Collection {
	t.Helper()
	uri, cleanup := storage.SetupMongoContainer(t)
	t.Cleanup(cleanup)

	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	return client.Database("glamira").Collection("summary")
}

func TestIPSourceFetchesDistinctAddresses(t *testing.T) {
	coll := setupEvents(t)
	ctx := context.Background()

	_, err := coll.InsertMany(ctx, []any{
		bson.D{{Key: "ip", Value: "8.8.8.8"}},
		bson.D{{Key: "ip", Value: "1.1.1.1"}},
		bson.D{{Key: "ip", Value: "8.8.8.8"}},
		bson.D{{Key: "ip", Value: ""}},
		bson.D{{Key: "ip", Value: nil}},
		bson.D{{Key: "other", Value: 1}},
	})
	require.NoError(t, err)

	items, err := NewIPSource(coll, "", storage.NoOpTracer()).FetchItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, enrichment.WorkKey("1.1.1.1"), items[0].Key)
	assert.Equal(t, enrichment.WorkKey("8.8.8.8"), items[1].Key)
}

func TestProductSourceFetchesProductsWithURLs(t *testing.T) {
	coll := setupEvents(t)
	ctx := context.Background()

	_, err := coll.InsertMany(ctx, []any{
		bson.D{
			{Key: "collection", Value: EventViewProductDetail},
			{Key: "product_id", Value: "110474"},
			{Key: "current_url", Value: "https://www.glamira.de/catalog/product/view/id/110474"},
		},
		bson.D{
			{Key: "collection", Value: EventAddToCart},
			{Key: "product_id", Value: "110474"},
			{Key: "current_url", Value: "https://www.glamira.de/glamira-ring-zanessa.html"},
		},
		bson.D{
			{Key: "collection", Value: EventSelectProductOption},
			{Key: "viewing_product_id", Value: int32(93)},
			{Key: "current_url", Value: "https://www.glamira.fr/bague.html"},
		},
		bson.D{
			{Key: "collection", Value: EventViewAllRecommendClicked},
			{Key: "viewing_product_id", Value: "500"},
			{Key: "referrer_url", Value: "https://www.glamira.com/pendant.html"},
			{Key: "current_url", Value: "https://www.glamira.com/recommendations"},
		},
		bson.D{
			{Key: "collection", Value: "checkout_success"},
			{Key: "product_id", Value: "999"},
		},
	})
	require.NoError(t, err)

	items, err := NewProductSource(coll, storage.NoOpTracer()).FetchItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)

	byKey := make(map[enrichment.WorkKey]enrichment.WorkItem)
	for _, it := range items {
		byKey[it.Key] = it
	}

	assert.Equal(t, "https://www.glamira.de/glamira-ring-zanessa.html", byKey["110474"].Attr(enrichment.AttrURL))
	assert.Equal(t, "glamira.de", byKey["110474"].Attr(enrichment.AttrDomain))
	assert.Equal(t, "glamira.fr", byKey["93"].Attr(enrichment.AttrDomain))
	assert.Equal(t, "https://www.glamira.com/pendant.html", byKey["500"].Attr(enrichment.AttrURL))
}
