package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

const productPage = `<html><body>
<h1>  Oak   Dining Table </h1>
<meta itemprop="sku" content="SKU-42">
<span itemprop="price" content="1,299.00">$1,299.00</span>
<meta itemprop="priceCurrency" content="usd">
<div class="color">Natural</div>
</body></html>`

func TestExtractDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ex := New(Selectors{}, nil, fixedClock{now: now})
	rec, err := ex.Extract(context.Background(),
		crawler.Target{URL: "https://shop.example.com/p/42"},
		crawler.FetchResponse{URL: "https://shop.example.com/p/42?ref=x", Body: []byte(productPage)})
	require.NoError(t, err)

	assert.Equal(t, "SKU-42", rec.ListingID)
	assert.Equal(t, "Oak Dining Table", rec.Title)
	assert.InDelta(t, 1299.0, rec.Price, 0.0001)
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, "https://shop.example.com/p/42?ref=x", rec.URL)
	assert.Equal(t, now, rec.FetchedAt)
}

func TestExtractClassOverridesAndAttributes(t *testing.T) {
	t.Parallel()

	ex := New(DefaultSelectors, map[string]Selectors{
		"furniture": {
			Price:      "span[itemprop=price]",
			Attributes: map[string]string{"color": ".color", "missing": ".nope"},
		},
	}, fixedClock{})
	rec, err := ex.Extract(context.Background(),
		crawler.Target{URL: "https://shop.example.com/p/42", Class: "furniture"},
		crawler.FetchResponse{Body: []byte(productPage)})
	require.NoError(t, err)
	assert.InDelta(t, 1299.0, rec.Price, 0.0001)
	assert.Equal(t, map[string]string{"color": "Natural"}, rec.Attributes)
	assert.Equal(t, "https://shop.example.com/p/42", rec.URL)
}

func TestExtractListingIDFallsBackToURLKey(t *testing.T) {
	t.Parallel()

	ex := New(Selectors{Title: "h1", Price: ".p"}, nil, fixedClock{})
	body := `<html><h1>Lamp</h1><span class="p">19.99</span></html>`
	target := crawler.Target{URL: "https://shop.example.com/lamp"}

	first, err := ex.Extract(context.Background(), target, crawler.FetchResponse{Body: []byte(body)})
	require.NoError(t, err)
	second, err := ex.Extract(context.Background(), target, crawler.FetchResponse{Body: []byte(body)})
	require.NoError(t, err)
	assert.Len(t, first.ListingID, 16)
	assert.Equal(t, first.ListingID, second.ListingID)
}

func TestExtractErrorsCarryKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  string
		field string
		kind  crawler.FailureKind
	}{
		{name: "empty body", body: "  ", kind: crawler.FailureParse},
		{name: "missing title", body: `<span itemprop="price" content="1"></span>`, field: "title", kind: crawler.FailureValidation},
		{name: "missing price", body: `<h1>Chair</h1>`, field: "price", kind: crawler.FailureValidation},
		{name: "garbled price", body: `<h1>Chair</h1><b itemprop="price" content="call us"></b>`, field: "price", kind: crawler.FailureParse},
		{name: "negative price", body: `<h1>Chair</h1><b itemprop="price" content="-5"></b>`, field: "price", kind: crawler.FailureValidation},
	}
	ex := New(Selectors{}, nil, fixedClock{})
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ex.Extract(context.Background(), crawler.Target{URL: "https://x.test"},
				crawler.FetchResponse{Body: []byte(tt.body)})
			var extractErr *crawler.ExtractionError
			require.True(t, errors.As(err, &extractErr), "got %v", err)
			assert.Equal(t, tt.field, extractErr.Field)
			assert.Equal(t, tt.kind, extractErr.Kind())
		})
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{raw: "$1,299.00", want: 1299},
		{raw: "1.299,50 €", want: 1299.5},
		{raw: "1,299", want: 1299},
		{raw: "12,5", want: 12.5},
		{raw: "42", want: 42},
		{raw: "free", wantErr: true},
		{raw: "10-20", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePrice(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}
