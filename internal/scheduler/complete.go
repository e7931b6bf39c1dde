package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/metrics"
	"github.com/JakeFAU/listings-crawler/internal/retry"
)

// complete applies the outcome of a finished attempt to job.
func (s *Scheduler) complete(ctx context.Context, job *crawler.FetchJob, outcome crawler.Outcome) {
	now := s.deps.Clock.Now()
	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("target", job.Target.Name),
		zap.Int("attempt", job.AttemptCount),
	)

	if outcome.Canceled {
		// Cancellation is not a failure: the job keeps its status and count
		// and is reported as unfinished when the drain ends.
		s.persist(ctx, *job)
		metrics.ObserveJob("canceled")
		logger.Info("attempt canceled; job left in flight", zap.String("reason", outcome.Reason))
		return
	}

	if !outcome.Success {
		job.LastIdentityID = outcome.IdentityID
	}
	decision, err := s.deps.Controller.OnOutcome(job, outcome, now)
	if err != nil {
		logger.Error("apply outcome failed", zap.Error(err))
		return
	}
	s.persist(ctx, *job)

	switch decision.Action {
	case retry.ActionSucceed:
		s.forget(job.ID)
		metrics.ObserveJob(string(crawler.JobSucceeded))
		logger.Info("job succeeded")
	case retry.ActionRetry:
		metrics.ObserveRetry(string(decision.Kind))
		s.delays.add(job.ID, job.NextAttemptAt)
		logger.Info("retry scheduled",
			zap.String("kind", string(decision.Kind)),
			zap.String("reason", outcome.Reason),
			zap.Duration("delay", decision.Delay),
		)
	case retry.ActionDeadLetter:
		s.forget(job.ID)
		s.deadLetter(ctx, job, outcome, decision.Kind, now, logger)
	case retry.ActionNone:
	}
}

func (s *Scheduler) deadLetter(
	ctx context.Context,
	job *crawler.FetchJob,
	outcome crawler.Outcome,
	kind crawler.FailureKind,
	now time.Time,
	logger *zap.Logger,
) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		logger.Error("dead letter id generation failed", zap.Error(err))
		id = "dl-" + job.ID
	}
	entry := crawler.NewDeadLetterEntry(id, *job, kind, s.rawContext(*job, outcome), now)
	if err := s.deps.DeadLetters.Record(ctx, entry); err != nil {
		if errors.Is(err, crawler.ErrAlreadyDeadLettered) {
			logger.Error("job dead-lettered twice", zap.Error(err))
			return
		}
		logger.Error("record dead letter failed", zap.Error(err))
		return
	}
	metrics.ObserveDeadLetter(string(kind))
	metrics.ObserveJob(string(crawler.JobDeadLettered))
	logger.Warn("job dead-lettered",
		zap.String("kind", string(kind)),
		zap.String("reason", outcome.Reason),
		zap.String("dead_letter_id", id),
	)

	if kind == crawler.FailureFatal && s.deps.Alerter != nil {
		s.deps.Alerter.Raise(ctx, crawler.SeverityWarning, AlertSource,
			fmt.Sprintf("fatal failure for job %s (%s): %s", job.ID, job.Target.Name, outcome.Reason))
	}
}

func (s *Scheduler) rawContext(job crawler.FetchJob, outcome crawler.Outcome) map[string]string {
	raw := map[string]string{
		"target":  job.Target.Name,
		"url":     job.Target.URL,
		"trigger": string(job.Trigger),
		"reason":  outcome.Reason,
	}
	if outcome.StatusCode != 0 {
		raw["status"] = strconv.Itoa(outcome.StatusCode)
	}
	if outcome.IdentityID != "" {
		raw["identity_id"] = outcome.IdentityID
	}
	if outcome.Err != nil {
		raw["error"] = outcome.Err.Error()
	}
	if body := outcome.Response.Body; len(body) > 0 {
		if len(body) > s.cfg.SnippetBytes {
			body = body[:s.cfg.SnippetBytes]
		}
		raw["body_snippet"] = strings.ToValidUTF8(string(body), "")
	}
	return raw
}

// promote moves a job whose retry delay elapsed back to the ready queue.
func (s *Scheduler) promote(id string) {
	job, ok := s.job(id)
	if !ok {
		return
	}
	if err := job.Transition(crawler.JobPending, s.deps.Clock.Now()); err != nil {
		s.logger.Error("promote delayed job", zap.String("job_id", id), zap.Error(err))
		return
	}
	s.persist(context.Background(), *job)
	s.requeue(id)
}

// Stats is a point-in-time view of the scheduler's queues.
type Stats struct {
	Active       int  `json:"active_jobs"`
	Ready        int  `json:"ready"`
	Delayed      int  `json:"delayed"`
	DomainParked int  `json:"domain_parked"`
	ClassParked  int  `json:"class_parked"`
	Draining     bool `json:"draining"`
}

// Stats reports queue depths.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{Active: len(s.jobs), Draining: s.draining}
	for _, ids := range s.domainParked {
		st.DomainParked += len(ids)
	}
	for _, ids := range s.classParked {
		st.ClassParked += len(ids)
	}
	s.mu.Unlock()
	st.Ready = s.ready.Len()
	st.Delayed = s.delays.len()
	return st
}
