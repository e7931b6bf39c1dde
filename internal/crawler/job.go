package crawler

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a fetch job.
type JobStatus string

// Job statuses. Succeeded and dead-lettered are terminal.
const (
	JobPending        JobStatus = "pending"
	JobInFlight       JobStatus = "in_flight"
	JobSucceeded      JobStatus = "succeeded"
	JobRetryScheduled JobStatus = "retry_scheduled"
	JobDeadLettered   JobStatus = "dead_lettered"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobDeadLettered
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:        {JobInFlight},
	JobInFlight:       {JobSucceeded, JobRetryScheduled, JobDeadLettered},
	JobRetryScheduled: {JobPending},
}

// FetchJob is a unit of acquisition work for one target.
type FetchJob struct {
	ID             string      `json:"id"`
	Target         Target      `json:"target"`
	Trigger        Trigger     `json:"trigger"`
	AttemptCount   int         `json:"attempt_count"`
	MaxRetries     int         `json:"max_retries"`
	Status         JobStatus   `json:"status"`
	NextAttemptAt  time.Time   `json:"next_attempt_at"`
	LastErrorKind  FailureKind `json:"last_error_kind,omitempty"`
	LastIdentityID string      `json:"last_identity_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewFetchJob builds a pending job for target.
func NewFetchJob(id string, target Target, trigger Trigger, maxRetries int, now time.Time) FetchJob {
	if target.MaxRetries > 0 {
		maxRetries = target.MaxRetries
	}
	return FetchJob{
		ID:            id,
		Target:        target,
		Trigger:       trigger,
		MaxRetries:    maxRetries,
		Status:        JobPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the job to next, rejecting moves the lifecycle forbids.
func (j *FetchJob) Transition(next JobStatus, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, ErrTerminalJob)
	}
	for _, allowed := range jobTransitions[j.Status] {
		if allowed == next {
			j.Status = next
			j.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("job %s %s -> %s: %w", j.ID, j.Status, next, ErrInvalidTransition)
}

// NewDeadLetterEntry captures job state for the dead-letter store.
func NewDeadLetterEntry(id string, job FetchJob, kind FailureKind, rawContext map[string]string, now time.Time) DeadLetterEntry {
	ctx := make(map[string]string, len(rawContext))
	for k, v := range rawContext {
		ctx[k] = v
	}
	return DeadLetterEntry{
		ID:         id,
		JobID:      job.ID,
		TargetURL:  job.Target.URL,
		Kind:       kind,
		Attempts:   job.AttemptCount,
		RawContext: ctx,
		CreatedAt:  now,
		UpdatedAt:  now,
		Resolution: ResolutionOpen,
	}
}
