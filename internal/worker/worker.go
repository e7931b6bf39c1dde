// Package worker runs the per-attempt pipeline: fetch through a leased
// identity, archive the body, extract the listing, persist it and publish
// completion events.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listings-crawler/internal/identity"
)

// Attempter performs one classified fetch attempt and releases the lease.
type Attempter interface {
	Execute(ctx context.Context, job crawler.FetchJob, lease *identity.Lease) crawler.Outcome
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
}

// Result is what one processed attempt produced.
type Result struct {
	Outcome      crawler.Outcome
	Record       crawler.Record
	BlobURI      string
	PriceChanged bool
}

// Worker executes the attempt pipeline. Blob store and publisher are optional.
type Worker struct {
	attempter Attempter
	blobStore crawler.BlobStore
	extractor crawler.Extractor
	records   crawler.RecordStore
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	attempter Attempter,
	blobStore crawler.BlobStore,
	extractor crawler.Extractor,
	records crawler.RecordStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if attempter == nil || extractor == nil || records == nil || clock == nil {
		return nil, fmt.Errorf("worker requires attempter, extractor, record store and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		attempter: attempter,
		blobStore: blobStore,
		extractor: extractor,
		records:   records,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Process runs one attempt of job. The lease is released by the attempter
// before extraction starts.
func (w *Worker) Process(ctx context.Context, job crawler.FetchJob, lease *identity.Lease) Result {
	outcome := w.attempter.Execute(ctx, job, lease)
	result := Result{Outcome: outcome}
	if !outcome.Success {
		return result
	}
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("target", job.Target.Name))

	result.BlobURI = w.archive(ctx, job, outcome.Response, logger)

	record, err := w.extractor.Extract(ctx, job.Target, outcome.Response)
	if err != nil {
		result.Outcome = extractionFailure(outcome, err)
		logger.Info("extraction failed",
			zap.String("kind", string(result.Outcome.Kind)), zap.Error(err))
		return result
	}
	result.Record = record

	previous, existed, err := w.records.UpsertRecord(ctx, record)
	if err != nil {
		if ctx.Err() != nil {
			result.Outcome = crawler.CanceledOutcome(err)
			result.Outcome.IdentityID = outcome.IdentityID
			return result
		}
		failed := crawler.Failed(crawler.FailureNetwork, "record persistence failed", err)
		failed.IdentityID = outcome.IdentityID
		failed.StatusCode = outcome.StatusCode
		result.Outcome = failed
		logger.Warn("persist record failed", zap.Error(err))
		return result
	}
	result.PriceChanged = existed && previous.Price != record.Price

	w.publishCompleted(ctx, job, record, result.BlobURI, logger)
	if result.PriceChanged {
		w.publishPriceChanged(ctx, previous, record, logger)
	}
	return result
}

// extractionFailure converts a successful fetch into a validation or parse
// failure. The identity already recorded the fetch as healthy.
func extractionFailure(outcome crawler.Outcome, err error) crawler.Outcome {
	kind := crawler.FailureValidation
	var extractErr *crawler.ExtractionError
	if errors.As(err, &extractErr) {
		kind = extractErr.Kind()
	}
	failed := crawler.Failed(kind, err.Error(), err)
	failed.IdentityID = outcome.IdentityID
	failed.StatusCode = outcome.StatusCode
	failed.Response = outcome.Response
	return failed
}

func (w *Worker) archive(ctx context.Context, job crawler.FetchJob, resp crawler.FetchResponse, logger *zap.Logger) string {
	if w.blobStore == nil {
		return ""
	}
	path := w.buildBlobPath(job.ID, sha256.Hex(resp.Body))
	uri, err := w.blobStore.PutObject(ctx, path, w.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		logger.Warn("archive body failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) publishCompleted(ctx context.Context, job crawler.FetchJob, record crawler.Record, uri string, logger *zap.Logger) {
	if w.publisher == nil {
		return
	}
	event := crawler.JobCompletedEvent{
		JobID:       job.ID,
		Target:      job.Target.Name,
		URL:         job.Target.URL,
		ListingID:   record.ListingID,
		BlobURI:     uri,
		Attempts:    job.AttemptCount,
		CompletedAt: w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, crawler.TopicJobCompleted, event); err != nil {
		logger.Warn("publish job_completed failed", zap.Error(err))
	}
}

func (w *Worker) publishPriceChanged(ctx context.Context, previous, record crawler.Record, logger *zap.Logger) {
	if w.publisher == nil {
		return
	}
	event := crawler.PriceChangedEvent{
		ListingID: record.ListingID,
		URL:       record.URL,
		OldPrice:  previous.Price,
		NewPrice:  record.Price,
		Currency:  record.Currency,
		ChangedAt: w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, crawler.TopicPriceChanged, event); err != nil {
		logger.Warn("publish price_changed failed", zap.Error(err))
		return
	}
	logger.Info("price changed",
		zap.String("listing_id", record.ListingID),
		zap.Float64("old_price", previous.Price),
		zap.Float64("new_price", record.Price),
	)
}
