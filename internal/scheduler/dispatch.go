package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/identity"
	"github.com/JakeFAU/listings-crawler/internal/metrics"
	"github.com/JakeFAU/listings-crawler/internal/queue/memory"
)

// dispatchLoop pulls ready jobs and starts attempts. Acquiring the global
// slot blocks, which is the backpressure point for the whole pipeline.
func (s *Scheduler) dispatchLoop(ctx, workCtx context.Context) {
	for {
		id, err := s.ready.Dequeue(ctx)
		if err != nil {
			return
		}
		job, ok := s.job(id)
		if !ok {
			continue
		}
		if err := s.global.Acquire(ctx, 1); err != nil {
			return
		}
		domain := job.Target.Domain()
		if !s.tryDomain(domain, id) {
			s.global.Release(1)
			continue
		}
		s.inFlight.Add(1)
		go s.runJob(ctx, workCtx, job, domain)
	}
}

func (s *Scheduler) domainLimit(domain string) int {
	if n, ok := s.cfg.DomainConcurrency[domain]; ok {
		return clampDomain(n)
	}
	return s.cfg.PerDomainConcurrency
}

// tryDomain takes a domain slot or parks id until one frees up.
func (s *Scheduler) tryDomain(domain, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domainActive[domain] >= s.domainLimit(domain) {
		s.domainParked[domain] = append(s.domainParked[domain], id)
		return false
	}
	s.domainActive[domain]++
	return true
}

func (s *Scheduler) releaseDomain(domain string) {
	s.mu.Lock()
	s.domainActive[domain]--
	if s.domainActive[domain] <= 0 {
		delete(s.domainActive, domain)
	}
	var next string
	if parked := s.domainParked[domain]; len(parked) > 0 {
		next = parked[0]
		if len(parked) == 1 {
			delete(s.domainParked, domain)
		} else {
			s.domainParked[domain] = parked[1:]
		}
	}
	s.mu.Unlock()
	if next != "" {
		s.requeue(next)
	}
}

func (s *Scheduler) requeue(id string) {
	if err := s.ready.Enqueue(context.Background(), id); err != nil {
		if errors.Is(err, memory.ErrClosed) {
			s.logger.Debug("scheduler closed; job left pending", zap.String("job_id", id))
			return
		}
		s.logger.Error("requeue job failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (s *Scheduler) runJob(ctx, workCtx context.Context, job *crawler.FetchJob, domain string) {
	defer s.inFlight.Done()
	defer s.global.Release(1)
	defer s.releaseDomain(domain)

	lease, err := s.acquire(job)
	if err != nil {
		s.parkClass(ctx, job, err)
		return
	}
	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("target", job.Target.Name),
		zap.String("identity_id", lease.Identity.ID),
	)

	if s.deps.Politeness != nil {
		if err := s.deps.Politeness.Wait(workCtx, job.Target.URL); err != nil {
			lease.Release(crawler.CanceledOutcome(err))
			logger.Info("politeness wait interrupted; job left pending", zap.Error(err))
			return
		}
	}

	storeCtx := context.WithoutCancel(workCtx)
	if err := job.Transition(crawler.JobInFlight, s.deps.Clock.Now()); err != nil {
		lease.Release(crawler.CanceledOutcome(err))
		logger.Error("cannot start attempt", zap.Error(err))
		return
	}
	job.AttemptCount++
	s.persist(storeCtx, *job)

	metrics.IncInFlight()
	result := s.deps.Processor.Process(workCtx, *job, lease)
	metrics.DecInFlight()
	lease.Release(result.Outcome)

	s.complete(storeCtx, job, result.Outcome)
}

// acquire leases an identity, steering away from the one that was just
// blocked when another is eligible.
func (s *Scheduler) acquire(job *crawler.FetchJob) (*identity.Lease, error) {
	var exclude []string
	if job.LastErrorKind == crawler.FailureBlocked && job.LastIdentityID != "" {
		exclude = []string{job.LastIdentityID}
	}
	lease, err := s.deps.Pool.Acquire(job.Target.Class, exclude...)
	if err != nil {
		return nil, fmt.Errorf("acquire identity for class %q: %w", job.Target.Class, err)
	}
	return lease, nil
}

// parkClass holds job until an identity serving its class may be free.
// The first job to park a class starts its watcher; a pause caused by no
// healthy identity raises a critical alert.
func (s *Scheduler) parkClass(ctx context.Context, job *crawler.FetchJob, cause error) {
	class := job.Target.Class
	s.mu.Lock()
	s.classParked[class] = append(s.classParked[class], job.ID)
	start := !s.classWatching[class]
	if start {
		s.classWatching[class] = true
		s.watchers.Add(1)
	}
	s.mu.Unlock()
	if !start {
		return
	}

	if errors.Is(cause, crawler.ErrNoHealthyIdentity) {
		s.logger.Warn("dispatch paused: no healthy identity", zap.String("class", class))
		if s.deps.Alerter != nil {
			s.deps.Alerter.Raise(ctx, crawler.SeverityCritical, AlertSource,
				fmt.Sprintf("dispatch paused for class %q: no healthy identity", class))
		}
	} else {
		s.logger.Debug("dispatch waiting for identity release", zap.String("class", class))
	}
	go s.watchClass(ctx, class)
}

func (s *Scheduler) watchClass(ctx context.Context, class string) {
	defer s.watchers.Done()
	for {
		changed := s.deps.Pool.Changed()
		if s.deps.Pool.HasAvailable(class) {
			break
		}
		wait := s.cfg.IdentityRecheck
		if at, ok := s.deps.Pool.NextEligibleAt(class); ok {
			if until := at.Sub(s.deps.Clock.Now()); until < wait {
				wait = max(until, 0)
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			delete(s.classWatching, class)
			s.mu.Unlock()
			return
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}

	s.mu.Lock()
	parked := s.classParked[class]
	delete(s.classParked, class)
	delete(s.classWatching, class)
	s.mu.Unlock()

	s.logger.Info("dispatch resumed", zap.String("class", class), zap.Int("jobs", len(parked)))
	for _, id := range parked {
		s.requeue(id)
	}
}
