// Package retry decides what happens to a job after each attempt: succeed,
// retry after an exponential backoff with jitter, or dead-letter.
package retry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

const (
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 60 * time.Second
	defaultMaxRetries = 3
	maxShift          = 30
)

// Action is the controller's decision for a job.
type Action string

// Actions returned by OnOutcome.
const (
	ActionSucceed    Action = "succeed"
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
	ActionNone       Action = "none"
)

// Decision carries the action plus its parameters.
type Decision struct {
	Action Action
	Delay  time.Duration
	Kind   crawler.FailureKind
}

// Config holds backoff parameters.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Controller applies the retry policy to job outcomes.
type Controller struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// New builds a Controller. Zero delays take defaults; a negative MaxRetries
// takes the default budget.
func New(cfg Config) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Controller{cfg: cfg, jitter: randomJitter}
}

// MaxRetries is the default retry budget for new jobs.
func (c *Controller) MaxRetries() int {
	return c.cfg.MaxRetries
}

// OnOutcome transitions job according to outcome and returns the decision.
// A success reported for a job that already succeeded is a no-op. Canceled
// outcomes are not the controller's concern and return ActionNone untouched.
func (c *Controller) OnOutcome(job *crawler.FetchJob, outcome crawler.Outcome, now time.Time) (Decision, error) {
	if job == nil {
		return Decision{Action: ActionNone}, fmt.Errorf("job is required")
	}
	if outcome.Canceled {
		return Decision{Action: ActionNone}, nil
	}
	if job.Status.Terminal() {
		if outcome.Success && job.Status == crawler.JobSucceeded {
			return Decision{Action: ActionNone}, nil
		}
		return Decision{Action: ActionNone}, fmt.Errorf("outcome for job %s: %w", job.ID, crawler.ErrTerminalJob)
	}

	if outcome.Success {
		if err := job.Transition(crawler.JobSucceeded, now); err != nil {
			return Decision{Action: ActionNone}, err
		}
		return Decision{Action: ActionSucceed}, nil
	}

	kind := outcome.Kind
	if !kind.Valid() {
		kind = crawler.FailureFatal
	}
	job.LastErrorKind = kind

	if !kind.Retryable() || job.AttemptCount > job.MaxRetries {
		if err := job.Transition(crawler.JobDeadLettered, now); err != nil {
			return Decision{Action: ActionNone}, err
		}
		return Decision{Action: ActionDeadLetter, Kind: kind}, nil
	}

	delay := c.Backoff(job.AttemptCount)
	if err := job.Transition(crawler.JobRetryScheduled, now); err != nil {
		return Decision{Action: ActionNone}, err
	}
	job.NextAttemptAt = now.Add(delay)
	return Decision{Action: ActionRetry, Delay: delay, Kind: kind}, nil
}

// Backoff returns min(maxDelay, base*2^(attempt-1)) plus jitter in [0, base).
func (c *Controller) Backoff(attempt int) time.Duration {
	n := attempt - 1
	if n < 0 {
		n = 0
	}
	if n > maxShift {
		n = maxShift
	}
	delay := c.cfg.BaseDelay << uint(n)
	if delay <= 0 || delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay + c.jitter(c.cfg.BaseDelay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
