package crawler

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Fetcher performs the raw request for a single attempt.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlockDetector inspects a 200 response for anti-bot interstitials.
type BlockDetector interface {
	Detect(resp FetchResponse) (blocked bool, reason string)
}

// Extractor turns a fetched body into a Record or returns *ExtractionError.
type Extractor interface {
	Extract(ctx context.Context, target Target, resp FetchResponse) (Record, error)
}

// RecordStore persists extracted listings. It returns the previously stored
// record when one existed so callers can detect changes.
type RecordStore interface {
	UpsertRecord(ctx context.Context, record Record) (previous Record, existed bool, err error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobStore keeps the job registry.
type JobStore interface {
	CreateJob(ctx context.Context, job FetchJob) error
	UpdateJob(ctx context.Context, job FetchJob) error
	GetJob(ctx context.Context, jobID string) (FetchJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]FetchJob, error)
}

// DeadLetterStore is the append-only record of unrecoverable jobs.
type DeadLetterStore interface {
	Record(ctx context.Context, entry DeadLetterEntry) error
	Get(ctx context.Context, id string) (DeadLetterEntry, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)
	Resolve(ctx context.Context, id string, resolution Resolution, now time.Time) (DeadLetterEntry, error)
	Stats(ctx context.Context, window time.Duration, now time.Time) (DeadLetterStats, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// AlertStore keeps emitted alerts for the operational query surface.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert AlertEvent) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]AlertEvent, error)
	AckAlert(ctx context.Context, id string) (AlertEvent, error)
}
