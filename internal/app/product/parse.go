package product

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

const maxDescriptionLen = 500

var (
	whitespaceRe = regexp.MustCompile(`[\s\p{Zs}]+`)
	nameSuffixRe = regexp.MustCompile(`(?i)\s*[|\-]\s*(glamira|buy|shop|kaufen).*$`)
	priceCharsRe = regexp.MustCompile(`[^\d,.]`)
	ratingRe     = regexp.MustCompile(`(\d+\.?\d*)`)
)

// imageSelectors are tried in order; the first match wins.
var imageSelectors = []string{
	"img.main-image",
	`img[itemprop="image"]`,
	`meta[property="og:image"]`,
	".product-image img",
}

// Parse extracts product metadata from an HTML page. Fields the page does
// not carry are nil. URL and CrawledAt are left for the caller.
func Parse(body []byte, productID, domain string) (*enrichment.Product, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	p := &enrichment.Product{
		ProductID: productID,
		Domain:    domain,
	}

	p.ProductName = cleanName(doc.Find("h1").First().Text())
	if p.ProductName == nil {
		if content, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
			p.ProductName = cleanName(content)
		}
	}

	if sel := doc.Find("span.price").First(); sel.Length() > 0 {
		p.PriceRaw = cleanText(sel.Text())
		if p.PriceRaw != nil {
			p.Price = ParsePrice(*p.PriceRaw)
		}
	}

	if content, ok := doc.Find(`meta[property="product:price:currency"]`).First().Attr("content"); ok {
		p.Currency = cleanText(content)
	}

	var crumbs []string
	doc.Find("div.breadcrumbs a").Each(func(_ int, s *goquery.Selection) {
		if c := cleanText(s.Text()); c != nil {
			crumbs = append(crumbs, *c)
		}
	})
	if len(crumbs) > 0 {
		p.Category = &crumbs[len(crumbs)-1]
		path := strings.Join(crumbs, " > ")
		p.CategoryPath = &path
	}

	p.ImageURL = imageURL(doc)

	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		if d := cleanText(content); d != nil {
			if r := []rune(*d); len(r) > maxDescriptionLen {
				s := string(r[:maxDescriptionLen])
				d = &s
			}
			p.Description = d
		}
	}

	if sel := doc.Find(`div[class*="amstars-rating-container"]`).First(); sel.Length() > 0 {
		title, _ := sel.Attr("title")
		p.RatingRaw = cleanText(title)
		if p.RatingRaw != nil {
			p.Rating = ParseRating(*p.RatingRaw)
		}
	}

	return p, nil
}

func imageURL(doc *goquery.Document) *string {
	for _, selector := range imageSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		for _, attr := range []string{"src", "content", "data-src"} {
			if v, ok := sel.Attr(attr); ok {
				if v = strings.TrimSpace(v); v != "" {
					return &v
				}
			}
		}
		return nil
	}
	return nil
}

func cleanText(s string) *string {
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	if s == "" {
		return nil
	}
	return &s
}

// cleanName strips shop suffixes such as " | GLAMIRA.de" or " - Buy online".
func cleanName(s string) *string {
	c := cleanText(s)
	if c == nil {
		return nil
	}
	name := strings.TrimSpace(nameSuffixRe.ReplaceAllString(*c, ""))
	if len([]rune(name)) <= 2 {
		return nil
	}
	return &name
}

// ParsePrice reads a price in either European (1.234,56) or US (1,234.56)
// notation. A lone comma is read as a decimal separator.
func ParsePrice(raw string) *float64 {
	s := priceCharsRe.ReplaceAllString(raw, "")
	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case comma >= 0 && dot >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		s = strings.ReplaceAll(s, ",", ".")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseRating returns the first number in raw, e.g. 4.85 for "4.85 stars".
func ParseRating(raw string) *float64 {
	m := ratingRe.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}
