package enrichment

import "time"

// Record is an enriched output record for one work key.
type Record interface {
	Key() WorkKey
}

// Location is the geo enrichment of one IP address. Fields the geo database
// has no value for are nil.
type Location struct {
	IPAddress   string    `bson:"ip_address" json:"ip_address"`
	CountryCode *string   `bson:"country_code" json:"country_code"`
	CountryName *string   `bson:"country_name" json:"country_name"`
	RegionName  *string   `bson:"region_name" json:"region_name"`
	CityName    *string   `bson:"city_name" json:"city_name"`
	Matched     bool      `bson:"matched" json:"matched"`
	ProcessedAt time.Time `bson:"processed_at" json:"processed_at"`
}

// Key implements Record.
func (l *Location) Key() WorkKey { return WorkKey(l.IPAddress) }

// Product is the metadata scraped from one product page.
type Product struct {
	ProductID    string    `bson:"product_id" json:"product_id"`
	URL          string    `bson:"url" json:"url"`
	Domain       string    `bson:"domain" json:"domain"`
	ProductName  *string   `bson:"product_name" json:"product_name"`
	PriceRaw     *string   `bson:"price_raw" json:"price_raw"`
	Price        *float64  `bson:"price" json:"price"`
	Currency     *string   `bson:"currency" json:"currency"`
	Category     *string   `bson:"category" json:"category"`
	CategoryPath *string   `bson:"category_path" json:"category_path"`
	ImageURL     *string   `bson:"image_url" json:"image_url"`
	Description  *string   `bson:"description" json:"description"`
	RatingRaw    *string   `bson:"rating_raw" json:"rating_raw"`
	Rating       *float64  `bson:"rating" json:"rating"`
	CrawledAt    time.Time `bson:"crawled_at" json:"crawled_at"`
}

// Key implements Record.
func (p *Product) Key() WorkKey { return WorkKey(p.ProductID) }

// KeyField returns the document field that carries the work key for records
// of the same type as r. Sinks use it for keyed upserts.
func KeyField(r Record) string {
	switch r.(type) {
	case *Location:
		return "ip_address"
	case *Product:
		return "product_id"
	default:
		return "key"
	}
}
