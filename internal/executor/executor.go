// Package executor performs a single fetch attempt through a leased identity
// and classifies the result. It never retries; the outcome is reported to the
// identity pool and handed back to the caller.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/identity"
	"github.com/JakeFAU/listings-crawler/internal/metrics"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMinBodyBytes = 512
)

// Config controls attempt behavior.
type Config struct {
	Timeout      time.Duration
	MinBodyBytes int
}

// Executor runs fetch attempts.
type Executor struct {
	cfg       Config
	http      crawler.Fetcher
	headless  crawler.Fetcher
	detectors *Registry
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New builds an Executor. headlessFetcher may be nil when no target renders.
func New(cfg Config, httpFetcher, headlessFetcher crawler.Fetcher, detectors *Registry, logger *zap.Logger) (*Executor, error) {
	if httpFetcher == nil {
		return nil, fmt.Errorf("http fetcher is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MinBodyBytes < 0 {
		cfg.MinBodyBytes = 0
	} else if cfg.MinBodyBytes == 0 {
		cfg.MinBodyBytes = defaultMinBodyBytes
	}
	if detectors == nil {
		detectors = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		http:      httpFetcher,
		headless:  headlessFetcher,
		detectors: detectors,
		logger:    logger,
		tracer:    otel.Tracer("github.com/JakeFAU/listings-crawler/internal/executor"),
	}, nil
}

// Execute performs one attempt for job using lease. The lease is always
// released with the classified outcome before Execute returns.
func (e *Executor) Execute(ctx context.Context, job crawler.FetchJob, lease *identity.Lease) (outcome crawler.Outcome) {
	ctx, span := e.tracer.Start(ctx, "fetch.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("target.url", job.Target.URL),
		attribute.Int("job.attempt", job.AttemptCount),
	))
	defer func() {
		if lease != nil {
			outcome.IdentityID = lease.Identity.ID
			lease.Release(outcome)
		}
		label := OutcomeLabel(outcome)
		metrics.ObserveFetch(job.Target.URL, label, len(outcome.Response.Body))
		span.SetAttributes(attribute.String("fetch.outcome", label))
		if !outcome.Success && !outcome.Canceled {
			span.SetStatus(codes.Error, outcome.Reason)
		}
		span.End()
	}()

	if lease == nil {
		return crawler.Failed(crawler.FailureFatal, "no identity lease", errors.New("identity lease is required"))
	}
	if err := validateTarget(job.Target.URL); err != nil {
		return crawler.Failed(crawler.FailureFatal, "malformed target", err)
	}
	if err := validateProxy(lease.Identity.ProxyEndpoint); err != nil {
		return crawler.Failed(crawler.FailureFatal, "identity misconfigured", err)
	}
	fetcher := e.http
	if job.Target.Headless {
		if e.headless == nil {
			return crawler.Failed(crawler.FailureFatal, "headless fetcher not configured",
				fmt.Errorf("target %s requires headless rendering", job.Target.Name))
		}
		fetcher = e.headless
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := crawler.FetchRequest{
		URL:       job.Target.URL,
		ProxyURL:  lease.Identity.ProxyEndpoint,
		UserAgent: lease.Identity.Signature.UserAgent,
		Headers:   lease.Identity.Signature.Header(),
		Timeout:   e.cfg.Timeout,
	}
	resp, err := fetcher.Fetch(attemptCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.CanceledOutcome(err)
		}
		kind, reason := classifyError(err)
		e.logger.Debug("fetch failed",
			zap.String("job_id", job.ID),
			zap.String("identity_id", lease.Identity.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		out := crawler.Failed(kind, reason, err)
		out.Response = resp
		out.StatusCode = resp.StatusCode
		return out
	}
	return e.classifyResponse(job.Target, resp)
}

func (e *Executor) classifyResponse(target crawler.Target, resp crawler.FetchResponse) crawler.Outcome {
	if kind, reason, ok := classifyStatus(resp.StatusCode); !ok {
		out := crawler.Failed(kind, reason, fmt.Errorf("unexpected status %d", resp.StatusCode))
		out.StatusCode = resp.StatusCode
		out.Response = resp
		return out
	}
	if len(bytes.TrimSpace(resp.Body)) < e.cfg.MinBodyBytes {
		out := crawler.Failed(crawler.FailureBlocked, "empty or truncated body",
			fmt.Errorf("body %d bytes below minimum %d", len(resp.Body), e.cfg.MinBodyBytes))
		out.StatusCode = resp.StatusCode
		out.Response = resp
		return out
	}
	for _, d := range e.detectors.For(target.Domain()) {
		if blocked, reason := d.Detect(resp); blocked {
			out := crawler.Failed(crawler.FailureBlocked, reason, errors.New("blocked page detected"))
			out.StatusCode = resp.StatusCode
			out.Response = resp
			return out
		}
	}
	return crawler.Succeeded(resp)
}

// OutcomeLabel renders an outcome for metrics and logs.
func OutcomeLabel(o crawler.Outcome) string {
	switch {
	case o.Success:
		return "success"
	case o.Canceled:
		return "canceled"
	default:
		return string(o.Kind)
	}
}
