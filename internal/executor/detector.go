package executor

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// DefaultMarkers are lowercase body fragments typical of anti-bot interstitials.
var DefaultMarkers = []string{
	"captcha",
	"are you a robot",
	"verify you are human",
	"unusual traffic",
	"access denied",
	"cf-challenge",
	"px-captcha",
}

// DefaultChallengeSelectors match challenge widgets in the DOM.
var DefaultChallengeSelectors = []string{
	"#captcha",
	".g-recaptcha",
	".h-captcha",
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"#challenge-form",
	"#px-captcha",
}

// HeuristicDetector flags pages that carry challenge markers or lack the
// elements a genuine page of the site always has.
type HeuristicDetector struct {
	markers   [][]byte
	challenge []string
	required  []string
}

// NewHeuristicDetector builds a detector. Markers are matched case-insensitively;
// challenge selectors flag the page when present, required selectors when absent.
func NewHeuristicDetector(markers, challengeSelectors, requiredSelectors []string) *HeuristicDetector {
	lower := make([][]byte, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		lower = append(lower, bytes.ToLower([]byte(m)))
	}
	return &HeuristicDetector{
		markers:   lower,
		challenge: compact(challengeSelectors),
		required:  compact(requiredSelectors),
	}
}

// Detect implements crawler.BlockDetector.
func (d *HeuristicDetector) Detect(resp crawler.FetchResponse) (bool, string) {
	if d == nil || len(resp.Body) == 0 {
		return false, ""
	}
	if marker, ok := d.containsMarker(resp.Body); ok {
		return true, fmt.Sprintf("body contains %q", marker)
	}
	if len(d.challenge) == 0 && len(d.required) == 0 {
		return false, ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false, ""
	}
	for _, sel := range d.challenge {
		if doc.Find(sel).Length() > 0 {
			return true, fmt.Sprintf("challenge element %q present", sel)
		}
	}
	for _, sel := range d.required {
		if doc.Find(sel).Length() == 0 {
			return true, fmt.Sprintf("required element %q missing", sel)
		}
	}
	return false, ""
}

func (d *HeuristicDetector) containsMarker(body []byte) (string, bool) {
	if len(d.markers) == 0 {
		return "", false
	}
	lowerBody := bytes.ToLower(body)
	for _, m := range d.markers {
		if bytes.Contains(lowerBody, m) {
			return string(m), true
		}
	}
	return "", false
}

// Registry maps target hosts to the detectors that apply to them. Detectors
// registered for a host also apply to its subdomains; fallback detectors
// apply everywhere.
type Registry struct {
	mu       sync.RWMutex
	fallback []crawler.BlockDetector
	byHost   map[string][]crawler.BlockDetector
}

// NewRegistry creates a registry with fallback detectors.
func NewRegistry(fallback ...crawler.BlockDetector) *Registry {
	return &Registry{
		fallback: fallback,
		byHost:   make(map[string][]crawler.BlockDetector),
	}
}

// Register adds a site-specific detector.
func (r *Registry) Register(host string, d crawler.BlockDetector) {
	if d == nil {
		return
	}
	host = strings.ToLower(strings.TrimSpace(host))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHost[host] = append(r.byHost[host], d)
}

// For returns site-specific detectors for host followed by the fallbacks.
func (r *Registry) For(host string) []crawler.BlockDetector {
	if r == nil {
		return nil
	}
	host = strings.ToLower(host)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []crawler.BlockDetector
	for h, detectors := range r.byHost {
		if host == h || strings.HasSuffix(host, "."+h) {
			out = append(out, detectors...)
		}
	}
	return append(out, r.fallback...)
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
