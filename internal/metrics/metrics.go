// Package metrics exposes Prometheus collectors for the acquisition service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_fetch_attempts_total",
			Help: "Fetch attempts, labeled by site and outcome (success, canceled or failure kind).",
		},
		[]string{"site", "outcome"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_fetch_bytes_total",
			Help: "Bytes fetched on successful attempts, labeled by site.",
		},
		[]string{"site"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_jobs_total",
			Help: "Jobs reaching a lifecycle status, labeled by status.",
		},
		[]string{"status"},
	)

	retriesScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_retries_scheduled_total",
			Help: "Retries scheduled, labeled by failure kind.",
		},
		[]string{"kind"},
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_dead_letters_total",
			Help: "Jobs dead-lettered, labeled by failure kind.",
		},
		[]string{"kind"},
	)

	inFlightJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acquisition_in_flight_jobs",
			Help: "Jobs currently holding a dispatch slot.",
		},
	)

	identitiesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acquisition_identities",
			Help: "Identities in the pool, labeled by state.",
		},
		[]string{"state"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_alerts_total",
			Help: "Alerts emitted, labeled by severity and source.",
		},
		[]string{"severity", "source"},
	)

	hubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Connected broadcast subscribers.",
		},
	)

	hubEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_events_dropped_total",
			Help: "Events evicted from subscriber queues on overflow.",
		},
	)

	hubEventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_events_published_total",
			Help: "Events published to the hub, labeled by topic.",
		},
		[]string{"topic"},
	)

	politenessDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acquisition_politeness_delay_seconds",
			Help:    "Histogram of per-domain politeness waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one classified fetch attempt.
func ObserveFetch(site, outcome string, bytesFetched int) {
	sanitized := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveRetry records a scheduled retry.
func ObserveRetry(kind string) {
	retriesScheduledTotal.WithLabelValues(kind).Inc()
}

// ObserveDeadLetter records a dead-lettered job.
func ObserveDeadLetter(kind string) {
	deadLettersTotal.WithLabelValues(kind).Inc()
}

// IncInFlight increments the in-flight gauge.
func IncInFlight() {
	inFlightJobs.Inc()
}

// DecInFlight decrements the in-flight gauge.
func DecInFlight() {
	inFlightJobs.Dec()
}

// SetIdentityStates publishes the current pool composition.
func SetIdentityStates(healthy, degraded, banned int) {
	identitiesByState.WithLabelValues("healthy").Set(float64(healthy))
	identitiesByState.WithLabelValues("degraded").Set(float64(degraded))
	identitiesByState.WithLabelValues("banned").Set(float64(banned))
}

// ObserveAlert records an emitted alert.
func ObserveAlert(severity, source string) {
	alertsTotal.WithLabelValues(severity, source).Inc()
}

// IncSubscribers increments the subscriber gauge.
func IncSubscribers() {
	hubSubscribers.Inc()
}

// DecSubscribers decrements the subscriber gauge.
func DecSubscribers() {
	hubSubscribers.Dec()
}

// ObserveEventDropped counts an evicted subscriber event.
func ObserveEventDropped() {
	hubEventsDroppedTotal.Inc()
}

// ObservePublished counts a hub publish.
func ObservePublished(topic string) {
	hubEventsPublishedTotal.WithLabelValues(topic).Inc()
}

// ObservePolitenessDelay records the duration of a politeness wait.
func ObservePolitenessDelay(domain string, duration time.Duration) {
	politenessDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
