// Package extract turns fetched listing pages into crawler.Records using
// goquery CSS selectors configured per target class.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/hash/sha256"
)

// Selectors locate listing fields in a document. A selector may end in
// "@attr" to read an attribute instead of text, e.g. "meta[itemprop=price]@content".
type Selectors struct {
	ListingID  string            `mapstructure:"listing_id"`
	Title      string            `mapstructure:"title"`
	Price      string            `mapstructure:"price"`
	Currency   string            `mapstructure:"currency"`
	Attributes map[string]string `mapstructure:"attributes"`
}

// DefaultSelectors matches common schema.org product markup.
var DefaultSelectors = Selectors{
	ListingID: "[itemprop=sku]@content",
	Title:     "h1",
	Price:     "[itemprop=price]@content",
	Currency:  "[itemprop=priceCurrency]@content",
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	defaults Selectors
	byClass  map[string]Selectors
	clock    crawler.Clock
}

// New builds an Extractor. Class-specific selectors fall back to defaults
// field by field.
func New(defaults Selectors, byClass map[string]Selectors, clock crawler.Clock) *Extractor {
	if defaults.Title == "" && defaults.Price == "" {
		defaults = DefaultSelectors
	}
	return &Extractor{defaults: defaults, byClass: byClass, clock: clock}
}

// Extract parses resp.Body and returns the listing record.
func (e *Extractor) Extract(_ context.Context, target crawler.Target, resp crawler.FetchResponse) (crawler.Record, error) {
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return crawler.Record{}, &crawler.ExtractionError{Reason: "empty body", Parse: true}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Record{}, &crawler.ExtractionError{Reason: err.Error(), Parse: true}
	}
	sel := e.selectorsFor(target.Class)

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = target.URL
	}
	record := crawler.Record{
		URL:       pageURL,
		FetchedAt: e.clock.Now(),
	}

	record.Title = lookup(doc, sel.Title)
	if record.Title == "" {
		return crawler.Record{}, &crawler.ExtractionError{Field: "title", Reason: "not found"}
	}

	rawPrice := lookup(doc, sel.Price)
	if rawPrice == "" {
		return crawler.Record{}, &crawler.ExtractionError{Field: "price", Reason: "not found"}
	}
	price, err := ParsePrice(rawPrice)
	if err != nil {
		return crawler.Record{}, &crawler.ExtractionError{Field: "price", Reason: err.Error(), Parse: true}
	}
	if price < 0 {
		return crawler.Record{}, &crawler.ExtractionError{Field: "price", Reason: "negative price"}
	}
	record.Price = price
	record.Currency = strings.ToUpper(lookup(doc, sel.Currency))

	record.ListingID = lookup(doc, sel.ListingID)
	if record.ListingID == "" {
		record.ListingID = sha256.Key(target.URL, 16)
	}

	if len(sel.Attributes) > 0 {
		record.Attributes = make(map[string]string, len(sel.Attributes))
		for name, s := range sel.Attributes {
			if v := lookup(doc, s); v != "" {
				record.Attributes[name] = v
			}
		}
	}
	return record, nil
}

func (e *Extractor) selectorsFor(class string) Selectors {
	sel := e.defaults
	override, ok := e.byClass[class]
	if !ok {
		return sel
	}
	if override.ListingID != "" {
		sel.ListingID = override.ListingID
	}
	if override.Title != "" {
		sel.Title = override.Title
	}
	if override.Price != "" {
		sel.Price = override.Price
	}
	if override.Currency != "" {
		sel.Currency = override.Currency
	}
	if len(override.Attributes) > 0 {
		sel.Attributes = override.Attributes
	}
	return sel
}

func lookup(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	query, attr, hasAttr := strings.Cut(selector, "@")
	node := doc.Find(strings.TrimSpace(query)).First()
	if node.Length() == 0 {
		return ""
	}
	if hasAttr {
		v, _ := node.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(node.Text()), " ")
}

var priceChars = regexp.MustCompile(`[^0-9.,\-]`)

// ParsePrice reads a human formatted price such as "$1,299.00" or "1.299,00 €".
func ParsePrice(raw string) (float64, error) {
	cleaned := priceChars.ReplaceAllString(raw, "")
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in %q", raw)
	}
	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastComma > lastDot:
		// Comma is the decimal separator when it is followed by 1-2 digits.
		if len(cleaned)-lastComma-1 <= 2 {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	default:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return price, nil
}
