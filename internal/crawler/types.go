package crawler

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IdentityState is the health state of a network identity.
type IdentityState string

// Identity states tracked by the identity pool.
const (
	IdentityHealthy  IdentityState = "healthy"
	IdentityDegraded IdentityState = "degraded"
	IdentityBanned   IdentityState = "banned"
)

// ClientSignature is the request fingerprint presented by an identity.
type ClientSignature struct {
	UserAgent string            `json:"user_agent"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Header renders the signature headers as an http.Header.
func (s ClientSignature) Header() http.Header {
	h := make(http.Header, len(s.Headers)+1)
	for k, v := range s.Headers {
		h.Set(k, v)
	}
	if s.UserAgent != "" {
		h.Set("User-Agent", s.UserAgent)
	}
	return h
}

// Identity pairs a proxy endpoint with a client signature plus its health stats.
type Identity struct {
	ID                  string          `json:"id"`
	ProxyEndpoint       string          `json:"proxy_endpoint"`
	Signature           ClientSignature `json:"client_signature"`
	Class               string          `json:"class,omitempty"`
	State               IdentityState   `json:"state"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	SuccessCount        int64           `json:"success_count"`
	FailureCount        int64           `json:"failure_count"`
	CooldownUntil       time.Time       `json:"cooldown_until"`
	LastUsedAt          time.Time       `json:"last_used_at"`
	InUse               int             `json:"in_use"`
}

// Eligible reports whether the identity may be selected at now.
func (i Identity) Eligible(now time.Time) bool {
	return i.State != IdentityBanned && !now.Before(i.CooldownUntil)
}

// Target is a site endpoint the scheduler fetches.
type Target struct {
	Name       string        `json:"name"`
	URL        string        `json:"url"`
	Class      string        `json:"class,omitempty"`
	Interval   time.Duration `json:"interval,omitempty"`
	Headless   bool          `json:"headless,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
}

// Domain returns the lowercase host of the target URL or "unknown".
func (t Target) Domain() string {
	u, err := url.Parse(t.URL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Trigger describes why a job was created.
type Trigger string

// Supported triggers.
const (
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
)

// FailureKind classifies a failed attempt.
type FailureKind string

// Failure kinds. Network and blocked failures are transient.
const (
	FailureNetwork    FailureKind = "network"
	FailureBlocked    FailureKind = "blocked"
	FailureValidation FailureKind = "validation"
	FailureParse      FailureKind = "parse"
	FailureFatal      FailureKind = "fatal"
)

// Retryable reports whether another attempt may succeed.
func (k FailureKind) Retryable() bool {
	return k == FailureNetwork || k == FailureBlocked
}

// Valid reports whether k is a known failure kind.
func (k FailureKind) Valid() bool {
	switch k {
	case FailureNetwork, FailureBlocked, FailureValidation, FailureParse, FailureFatal:
		return true
	default:
		return false
	}
}

// FetchRequest is handed to a Fetcher for a single attempt.
type FetchRequest struct {
	URL       string
	ProxyURL  string
	UserAgent string
	Headers   http.Header
	Timeout   time.Duration
}

// FetchResponse is the raw result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Outcome is the classified result of one fetch attempt.
type Outcome struct {
	Success    bool
	Canceled   bool
	Kind       FailureKind
	Reason     string
	StatusCode int
	Response   FetchResponse
	IdentityID string
	Err        error
}

// Succeeded builds a success outcome carrying resp.
func Succeeded(resp FetchResponse) Outcome {
	return Outcome{Success: true, StatusCode: resp.StatusCode, Response: resp}
}

// Failed builds a failure outcome.
func Failed(kind FailureKind, reason string, err error) Outcome {
	return Outcome{Kind: kind, Reason: reason, Err: err}
}

// CanceledOutcome marks an attempt interrupted by cancellation.
func CanceledOutcome(err error) Outcome {
	return Outcome{Canceled: true, Reason: "canceled", Err: err}
}

// Record is the typed listing produced by extraction.
type Record struct {
	ListingID  string            `json:"listing_id"`
	URL        string            `json:"url"`
	Title      string            `json:"title"`
	Price      float64           `json:"price"`
	Currency   string            `json:"currency,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// Resolution is the operator disposition of a dead-letter entry.
type Resolution string

// Resolutions move forward only: open, acknowledged, resolved.
const (
	ResolutionOpen         Resolution = "open"
	ResolutionAcknowledged Resolution = "acknowledged"
	ResolutionResolved     Resolution = "resolved"
)

func (r Resolution) rank() int {
	switch r {
	case ResolutionOpen:
		return 0
	case ResolutionAcknowledged:
		return 1
	case ResolutionResolved:
		return 2
	default:
		return -1
	}
}

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r.rank() >= 0
}

// CanMoveTo reports whether a resolution may change from r to next.
func (r Resolution) CanMoveTo(next Resolution) bool {
	return next.Valid() && r.Valid() && next.rank() > r.rank()
}

// DeadLetterEntry records a job that exhausted retries or failed terminally.
type DeadLetterEntry struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	TargetURL  string            `json:"target_url"`
	Kind       FailureKind       `json:"failure_kind"`
	Attempts   int               `json:"attempts"`
	RawContext map[string]string `json:"raw_context"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Resolution Resolution        `json:"resolution"`
}

// DeadLetterFilter narrows dead-letter listings. Zero fields match everything.
type DeadLetterFilter struct {
	Kind       FailureKind
	Resolution Resolution
	JobID      string
	Since      time.Time
	Limit      int
	Offset     int
}

// Matches reports whether e satisfies the filter (ignoring paging).
func (f DeadLetterFilter) Matches(e DeadLetterEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Resolution != "" && e.Resolution != f.Resolution {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// DeadLetterStats aggregates dead-letter volume.
type DeadLetterStats struct {
	Total         int                 `json:"total"`
	ByKind        map[FailureKind]int `json:"by_kind"`
	Window        time.Duration       `json:"window"`
	InWindow      int                 `json:"in_window"`
	RatePerMinute float64             `json:"rate_per_minute"`
}

// AlertSeverity ranks alert urgency.
type AlertSeverity string

// Alert severities.
const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertEvent is a typed alert emitted by the alerting engine.
type AlertEvent struct {
	ID           string        `json:"id"`
	Severity     AlertSeverity `json:"severity"`
	Source       string        `json:"source"`
	Message      string        `json:"message"`
	CreatedAt    time.Time     `json:"created_at"`
	Acknowledged bool          `json:"acknowledged"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Severity     AlertSeverity
	Acknowledged *bool
	Limit        int
}

// JobFilter narrows job registry listings.
type JobFilter struct {
	Status JobStatus
	Target string
	Limit  int
}

// JobCompletedEvent is published on the job_completed topic.
type JobCompletedEvent struct {
	JobID       string    `json:"job_id"`
	Target      string    `json:"target"`
	URL         string    `json:"url"`
	ListingID   string    `json:"listing_id"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`
}

// PriceChangedEvent is published on the price_changed topic.
type PriceChangedEvent struct {
	ListingID string    `json:"listing_id"`
	URL       string    `json:"url"`
	OldPrice  float64   `json:"old_price"`
	NewPrice  float64   `json:"new_price"`
	Currency  string    `json:"currency,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Broadcast topics.
const (
	TopicJobCompleted = "job_completed"
	TopicPriceChanged = "price_changed"
	TopicHealth       = "health"
)

// RatePerMinute converts a count observed over window into a per-minute rate.
func RatePerMinute(count int, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(count) / window.Minutes()
}
