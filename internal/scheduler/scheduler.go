// Package scheduler coordinates fetch jobs: it creates them from periodic
// and manual triggers, dispatches them to workers under global and
// per-domain concurrency limits, applies retry decisions and records
// unrecoverable jobs in the dead-letter store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/identity"
	"github.com/JakeFAU/listings-crawler/internal/queue/memory"
	"github.com/JakeFAU/listings-crawler/internal/retry"
	"github.com/JakeFAU/listings-crawler/internal/worker"
)

const (
	defaultGlobalConcurrency    = 50
	defaultPerDomainConcurrency = 2
	maxPerDomainConcurrency     = 4
	defaultDrainGrace           = 30 * time.Second
	defaultIdentityRecheck      = time.Second
	defaultSnippetBytes         = 512

	// AlertSource tags alerts raised by the scheduler.
	AlertSource = "scheduler"
)

// Config controls dispatch limits and shutdown.
type Config struct {
	GlobalConcurrency    int
	PerDomainConcurrency int
	DomainConcurrency    map[string]int
	DrainGrace           time.Duration
	// IdentityRecheck bounds how long a paused class waits before polling
	// the pool again when no cooldown expiry is known.
	IdentityRecheck time.Duration
	// SnippetBytes caps the body excerpt stored with dead letters.
	SnippetBytes int
}

func (c Config) withDefaults() Config {
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = defaultGlobalConcurrency
	}
	c.PerDomainConcurrency = clampDomain(c.PerDomainConcurrency)
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.IdentityRecheck <= 0 {
		c.IdentityRecheck = defaultIdentityRecheck
	}
	if c.SnippetBytes <= 0 {
		c.SnippetBytes = defaultSnippetBytes
	}
	return c
}

func clampDomain(n int) int {
	switch {
	case n <= 0:
		return defaultPerDomainConcurrency
	case n > maxPerDomainConcurrency:
		return maxPerDomainConcurrency
	default:
		return n
	}
}

// IdentitySource leases identities and signals when one may become free.
type IdentitySource interface {
	Acquire(class string, exclude ...string) (*identity.Lease, error)
	HasAvailable(class string) bool
	NextEligibleAt(class string) (time.Time, bool)
	Changed() <-chan struct{}
}

// Processor runs one attempt of a job.
type Processor interface {
	Process(ctx context.Context, job crawler.FetchJob, lease *identity.Lease) worker.Result
}

// Politeness spaces requests to the same domain.
type Politeness interface {
	Wait(ctx context.Context, rawURL string) error
}

// Alerter raises operational alerts.
type Alerter interface {
	Raise(ctx context.Context, severity crawler.AlertSeverity, source, message string) (crawler.AlertEvent, bool)
}

// Deps are the scheduler's collaborators. Politeness and Alerter are optional.
type Deps struct {
	Pool        IdentitySource
	Processor   Processor
	Controller  *retry.Controller
	Jobs        crawler.JobStore
	DeadLetters crawler.DeadLetterStore
	Politeness  Politeness
	Alerter     Alerter
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
}

func (d Deps) validate() error {
	var missing []string
	if d.Pool == nil {
		missing = append(missing, "pool")
	}
	if d.Processor == nil {
		missing = append(missing, "processor")
	}
	if d.Controller == nil {
		missing = append(missing, "controller")
	}
	if d.Jobs == nil {
		missing = append(missing, "job store")
	}
	if d.DeadLetters == nil {
		missing = append(missing, "dead letter store")
	}
	if d.IDs == nil {
		missing = append(missing, "id generator")
	}
	if d.Clock == nil {
		missing = append(missing, "clock")
	}
	if len(missing) > 0 {
		return fmt.Errorf("scheduler missing collaborators: %v", missing)
	}
	return nil
}

// Scheduler owns every non-terminal job. A job ID lives in exactly one of:
// the ready queue, the delay heap, a parking list, or a running attempt.
type Scheduler struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	targets []crawler.Target

	ready  *memory.Queue
	global *semaphore.Weighted
	delays *delayQueue

	mu            sync.Mutex
	jobs          map[string]*crawler.FetchJob
	domainActive  map[string]int
	domainParked  map[string][]string
	classParked   map[string][]string
	classWatching map[string]bool
	draining      bool
	running       bool
	// settled is signaled whenever a job leaves the scheduler.
	settled chan struct{}

	inFlight sync.WaitGroup
	watchers sync.WaitGroup
}

// New builds a Scheduler for the given periodic targets.
func New(cfg Config, deps Deps, targets []crawler.Target, logger *zap.Logger) (*Scheduler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:           cfg,
		deps:          deps,
		logger:        logger,
		targets:       append([]crawler.Target(nil), targets...),
		ready:         memory.NewQueue(),
		global:        semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		delays:        newDelayQueue(deps.Clock.Now),
		settled:       make(chan struct{}, 1),
		jobs:          make(map[string]*crawler.FetchJob),
		domainActive:  make(map[string]int),
		domainParked:  make(map[string][]string),
		classParked:   make(map[string][]string),
		classWatching: make(map[string]bool),
	}, nil
}

// Targets returns the configured targets.
func (s *Scheduler) Targets() []crawler.Target {
	return append([]crawler.Target(nil), s.targets...)
}

// Target looks up a configured target by name.
func (s *Scheduler) Target(name string) (crawler.Target, bool) {
	for _, t := range s.targets {
		if t.Name == name {
			return t, true
		}
	}
	return crawler.Target{}, false
}

// Schedule creates a pending job for target and queues it for dispatch.
func (s *Scheduler) Schedule(ctx context.Context, target crawler.Target, trigger crawler.Trigger) (crawler.FetchJob, error) {
	if target.URL == "" {
		return crawler.FetchJob{}, fmt.Errorf("target url is required")
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.FetchJob{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.NewFetchJob(id, target, trigger, s.deps.Controller.MaxRetries(), s.deps.Clock.Now())

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return crawler.FetchJob{}, crawler.ErrDraining
	}
	s.jobs[id] = &job
	s.mu.Unlock()

	if err := s.deps.Jobs.CreateJob(ctx, job); err != nil {
		s.forget(id)
		return crawler.FetchJob{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.ready.Enqueue(ctx, id); err != nil {
		s.forget(id)
		if errors.Is(err, memory.ErrClosed) {
			return crawler.FetchJob{}, crawler.ErrDraining
		}
		return crawler.FetchJob{}, fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Debug("job scheduled",
		zap.String("job_id", id),
		zap.String("target", target.Name),
		zap.String("trigger", string(trigger)),
	)
	return job, nil
}

// Draining reports whether the scheduler has stopped accepting work.
func (s *Scheduler) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Run dispatches jobs until ctx is done, then drains: new work is refused
// while jobs already known keep dispatching, including their retries, for up
// to DrainGrace. Attempts still running after that are canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	// Dispatch and attempts outlive ctx so existing jobs can finish during
	// the grace period.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		s.delays.run(dispatchCtx, s.promote)
	}()
	go func() {
		defer loops.Done()
		s.runPeriodic(ctx)
	}()
	go func() {
		defer loops.Done()
		s.dispatchLoop(dispatchCtx, workCtx)
	}()

	s.logger.Info("scheduler started",
		zap.Int("global_concurrency", s.cfg.GlobalConcurrency),
		zap.Int("per_domain_concurrency", s.cfg.PerDomainConcurrency),
		zap.Int("targets", len(s.targets)),
	)
	<-ctx.Done()

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.awaitSettled()

	stopDispatch()
	cancelWork()
	loops.Wait()
	s.inFlight.Wait()
	s.ready.Close()
	s.watchers.Wait()
	s.reportUnfinished()
	return nil
}

// awaitSettled blocks until no job is left or the drain grace elapses.
func (s *Scheduler) awaitSettled() {
	s.logger.Info("scheduler draining",
		zap.Duration("grace", s.cfg.DrainGrace),
		zap.Int("open_jobs", s.openJobs()),
	)
	timer := time.NewTimer(s.cfg.DrainGrace)
	defer timer.Stop()
	for s.openJobs() > 0 {
		select {
		case <-s.settled:
		case <-timer.C:
			s.logger.Warn("drain grace elapsed; canceling in-flight attempts")
			return
		}
	}
}

func (s *Scheduler) reportUnfinished() {
	s.mu.Lock()
	unfinished := make([]crawler.FetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		unfinished = append(unfinished, *job)
	}
	s.mu.Unlock()
	for _, job := range unfinished {
		s.logger.Info("job unfinished at shutdown",
			zap.String("job_id", job.ID),
			zap.String("target", job.Target.Name),
			zap.String("status", string(job.Status)),
			zap.Int("attempt", job.AttemptCount),
		)
	}
	s.logger.Info("scheduler stopped", zap.Int("unfinished_jobs", len(unfinished)))
}

func (s *Scheduler) openJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) runPeriodic(ctx context.Context) {
	var wg sync.WaitGroup
	for _, target := range s.targets {
		if target.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(t crawler.Target) {
			defer wg.Done()
			s.periodic(ctx, t)
		}(target)
	}
	wg.Wait()
}

func (s *Scheduler) periodic(ctx context.Context, target crawler.Target) {
	ticker := time.NewTicker(target.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Schedule(ctx, target, crawler.TriggerPeriodic); err != nil {
			if errors.Is(err, crawler.ErrDraining) || ctx.Err() != nil {
				return
			}
			s.logger.Error("periodic schedule failed", zap.String("target", target.Name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) job(id string) (*crawler.FetchJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	select {
	case s.settled <- struct{}{}:
	default:
	}
}

func (s *Scheduler) persist(ctx context.Context, job crawler.FetchJob) {
	if err := s.deps.Jobs.UpdateJob(ctx, job); err != nil {
		s.logger.Warn("update job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
