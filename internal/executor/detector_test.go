package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

type staticDetector struct{ blocked bool }

func (d staticDetector) Detect(crawler.FetchResponse) (bool, string) {
	return d.blocked, "static"
}

func TestHeuristicDetector(t *testing.T) {
	t.Parallel()

	d := NewHeuristicDetector([]string{"Are You A Robot"}, []string{"#challenge-form"}, []string{".listing"})

	tests := []struct {
		name    string
		body    string
		blocked bool
	}{
		{name: "clean listing", body: `<div class="listing">house</div>`},
		{name: "marker", body: `<div class="listing">are you a robot?</div>`, blocked: true},
		{name: "challenge form", body: `<div class="listing"></div><form id="challenge-form"></form>`, blocked: true},
		{name: "missing listing", body: `<div class="home">welcome</div>`, blocked: true},
		{name: "empty body", body: ``},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			blocked, _ := d.Detect(crawler.FetchResponse{StatusCode: 200, Body: []byte(tt.body)})
			require.Equal(t, tt.blocked, blocked)
		})
	}
}

func TestRegistryMatchesHostAndSubdomains(t *testing.T) {
	t.Parallel()

	fallback := staticDetector{}
	site := staticDetector{blocked: true}
	r := NewRegistry(fallback)
	r.Register("Listings.test", site)

	require.Len(t, r.For("listings.test"), 2)
	require.Len(t, r.For("www.listings.test"), 2)
	require.Len(t, r.For("other.test"), 1)
	require.Len(t, r.For("notlistings.test"), 1)
}
