// Package identity manages the rotating pool of network identities (proxy
// endpoint plus client signature) and tracks their health.
package identity

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/metrics"
)

const (
	defaultDegradeThreshold  = 3
	defaultBanThreshold      = 15
	defaultCooldown          = 300 * time.Second
	defaultMaxCooldown       = time.Hour
	defaultMaxConcurrentUses = 1
)

// Config controls health transitions.
//   - DegradeThreshold: consecutive failures before an identity is degraded.
//   - BanThreshold: failures since the last success before it is banned.
//   - Cooldown: first cooldown after degradation; doubles on each repeat.
//   - MaxCooldown: cap for the doubled cooldown.
//   - MaxConcurrentUses: leases one identity may hold at once.
type Config struct {
	DegradeThreshold  int
	BanThreshold      int
	Cooldown          time.Duration
	MaxCooldown       time.Duration
	MaxConcurrentUses int
}

func (c Config) withDefaults() Config {
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = defaultDegradeThreshold
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = defaultBanThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = defaultMaxCooldown
	}
	if c.MaxConcurrentUses <= 0 {
		c.MaxConcurrentUses = defaultMaxConcurrentUses
	}
	return c
}

// Health summarizes pool composition.
type Health struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Banned   int `json:"banned"`
	Eligible int `json:"eligible"`
	InUse    int `json:"in_use"`
}

// HealthyFraction is Healthy/Total, or 0 for an empty pool.
func (h Health) HealthyFraction() float64 {
	if h.Total == 0 {
		return 0
	}
	return float64(h.Healthy) / float64(h.Total)
}

type entry struct {
	identity             crawler.Identity
	inUse                atomic.Int32
	failuresSinceSuccess int
	degradations         int
}

// Option customizes a Pool.
type Option func(*Pool)

// WithRandom overrides the uniform [0,1) source used for weighted selection.
func WithRandom(fn func() float64) Option {
	return func(p *Pool) {
		p.random = fn
	}
}

// Pool hands out identities and updates their health from reported outcomes.
// It is safe for concurrent use.
type Pool struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
	random func() float64

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	changed chan struct{}
}

// New builds a Pool seeded with identities.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger, identities []crawler.Identity, opts ...Option) (*Pool, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		logger:  logger,
		random:  rand.Float64,
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, ident := range identities {
		if err := p.Add(ident); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers a new healthy identity.
func (p *Pool) Add(ident crawler.Identity) error {
	if ident.ID == "" {
		return fmt.Errorf("identity id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[ident.ID]; ok {
		return fmt.Errorf("add identity %s: %w", ident.ID, crawler.ErrDuplicateIdentity)
	}
	ident.State = crawler.IdentityHealthy
	ident.ConsecutiveFailures = 0
	ident.InUse = 0
	p.entries[ident.ID] = &entry{identity: ident}
	p.order = append(p.order, ident.ID)
	p.publishStatesLocked()
	p.notifyLocked()
	return nil
}

// Acquire leases an eligible identity for class. Identities whose class is
// empty serve every class. IDs in exclude are skipped when any other
// candidate is available. ErrNoHealthyIdentity means nothing is eligible;
// ErrIdentityBusy means eligible identities exist but all are leased.
func (p *Pool) Acquire(class string, exclude ...string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	eligible := p.eligibleLocked(class, now)
	if len(eligible) == 0 {
		return nil, crawler.ErrNoHealthyIdentity
	}
	available := p.availableLocked(eligible, exclude)
	if len(available) == 0 {
		return nil, crawler.ErrIdentityBusy
	}

	for len(available) > 0 {
		idx := p.pickLocked(available)
		e := available[idx]
		if e.tryReserve(p.cfg.MaxConcurrentUses) {
			e.identity.LastUsedAt = now
			snapshot := e.snapshot()
			return &Lease{Identity: snapshot, pool: p, entry: e}, nil
		}
		available = append(available[:idx], available[idx+1:]...)
	}
	return nil, crawler.ErrIdentityBusy
}

func (p *Pool) eligibleLocked(class string, now time.Time) []*entry {
	out := make([]*entry, 0, len(p.order))
	for _, id := range p.order {
		e := p.entries[id]
		if !servesClass(e.identity, class) || !e.identity.Eligible(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (p *Pool) availableLocked(eligible []*entry, exclude []string) []*entry {
	free := make([]*entry, 0, len(eligible))
	for _, e := range eligible {
		if int(e.inUse.Load()) < p.cfg.MaxConcurrentUses {
			free = append(free, e)
		}
	}
	if len(exclude) > 0 {
		kept := make([]*entry, 0, len(free))
		for _, e := range free {
			if !contains(exclude, e.identity.ID) {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			free = kept
		}
	}
	// Least recently used first so equal weights favor rotation.
	sort.SliceStable(free, func(i, j int) bool {
		return free[i].identity.LastUsedAt.Before(free[j].identity.LastUsedAt)
	})
	return free
}

func (p *Pool) pickLocked(candidates []*entry) int {
	total := 0.0
	for _, e := range candidates {
		total += weight(e.identity)
	}
	r := p.random() * total
	for i, e := range candidates {
		r -= weight(e.identity)
		if r < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// weight is the Laplace-smoothed success ratio (s+1)/(s+f+2).
func weight(ident crawler.Identity) float64 {
	s := float64(ident.SuccessCount)
	f := float64(ident.FailureCount)
	return (s + 1) / (s + f + 2)
}

// Release returns a lease and applies the outcome to the identity's health.
func (p *Pool) Release(lease *Lease, outcome crawler.Outcome) {
	if lease == nil || lease.entry == nil {
		return
	}
	if !lease.released.CompareAndSwap(false, true) {
		return
	}
	e := lease.entry
	p.mu.Lock()
	defer p.mu.Unlock()
	e.release()

	now := p.clock.Now()
	switch verdictFor(outcome) {
	case verdictSuccess:
		p.recordSuccessLocked(e)
	case verdictFailure:
		p.recordFailureLocked(e, now)
	case verdictNeutral:
	}
	p.publishStatesLocked()
	p.notifyLocked()
}

func (p *Pool) recordSuccessLocked(e *entry) {
	ident := &e.identity
	ident.SuccessCount++
	ident.ConsecutiveFailures = 0
	e.failuresSinceSuccess = 0
	if ident.State == crawler.IdentityDegraded {
		ident.State = crawler.IdentityHealthy
		ident.CooldownUntil = time.Time{}
		e.degradations = 0
		p.logger.Info("identity recovered", zap.String("identity_id", ident.ID))
	}
}

func (p *Pool) recordFailureLocked(e *entry, now time.Time) {
	ident := &e.identity
	ident.FailureCount++
	ident.ConsecutiveFailures++
	e.failuresSinceSuccess++
	if ident.State == crawler.IdentityBanned {
		return
	}
	if e.failuresSinceSuccess >= p.cfg.BanThreshold {
		ident.State = crawler.IdentityBanned
		p.logger.Warn("identity banned",
			zap.String("identity_id", ident.ID),
			zap.Int("failures_since_success", e.failuresSinceSuccess),
		)
		return
	}
	if ident.ConsecutiveFailures >= p.cfg.DegradeThreshold {
		e.degradations++
		cooldown := p.cooldownFor(e.degradations)
		ident.State = crawler.IdentityDegraded
		ident.CooldownUntil = now.Add(cooldown)
		p.logger.Warn("identity degraded",
			zap.String("identity_id", ident.ID),
			zap.Int("consecutive_failures", ident.ConsecutiveFailures),
			zap.Duration("cooldown", cooldown),
		)
	}
}

func (p *Pool) cooldownFor(degradations int) time.Duration {
	cooldown := p.cfg.Cooldown
	for i := 1; i < degradations; i++ {
		cooldown *= 2
		if cooldown >= p.cfg.MaxCooldown {
			return p.cfg.MaxCooldown
		}
	}
	if cooldown > p.cfg.MaxCooldown {
		return p.cfg.MaxCooldown
	}
	return cooldown
}

// Ban marks an identity banned until Reset.
func (p *Pool) Ban(id string) (crawler.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return crawler.Identity{}, fmt.Errorf("identity %s: %w", id, crawler.ErrNotFound)
	}
	e.identity.State = crawler.IdentityBanned
	p.logger.Warn("identity banned manually", zap.String("identity_id", id))
	p.publishStatesLocked()
	return e.snapshot(), nil
}

// Reset returns an identity to healthy and clears its failure streaks.
func (p *Pool) Reset(id string) (crawler.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return crawler.Identity{}, fmt.Errorf("identity %s: %w", id, crawler.ErrNotFound)
	}
	e.identity.State = crawler.IdentityHealthy
	e.identity.ConsecutiveFailures = 0
	e.identity.CooldownUntil = time.Time{}
	e.failuresSinceSuccess = 0
	e.degradations = 0
	p.logger.Info("identity reset", zap.String("identity_id", id))
	p.publishStatesLocked()
	p.notifyLocked()
	return e.snapshot(), nil
}

// Get returns a snapshot of one identity.
func (p *Pool) Get(id string) (crawler.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return crawler.Identity{}, fmt.Errorf("identity %s: %w", id, crawler.ErrNotFound)
	}
	return e.snapshot(), nil
}

// Snapshot returns copies of all identities in registration order.
func (p *Pool) Snapshot() []crawler.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]crawler.Identity, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id].snapshot())
	}
	return out
}

// Health reports counts by state.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthLocked(p.clock.Now())
}

func (p *Pool) healthLocked(now time.Time) Health {
	h := Health{Total: len(p.order)}
	for _, id := range p.order {
		e := p.entries[id]
		switch e.identity.State {
		case crawler.IdentityHealthy:
			h.Healthy++
		case crawler.IdentityDegraded:
			h.Degraded++
		case crawler.IdentityBanned:
			h.Banned++
		}
		if e.identity.Eligible(now) {
			h.Eligible++
		}
		h.InUse += int(e.inUse.Load())
	}
	return h
}

// HasAvailable reports whether Acquire(class) would currently succeed.
func (p *Pool) HasAvailable(class string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	eligible := p.eligibleLocked(class, p.clock.Now())
	return len(p.availableLocked(eligible, nil)) > 0
}

// NextEligibleAt returns the earliest cooldown expiry among non-banned
// identities serving class that are still cooling down.
func (p *Pool) NextEligibleAt(class string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var next time.Time
	for _, id := range p.order {
		ident := p.entries[id].identity
		if !servesClass(ident, class) || ident.State == crawler.IdentityBanned {
			continue
		}
		if !ident.CooldownUntil.After(now) {
			continue
		}
		if next.IsZero() || ident.CooldownUntil.Before(next) {
			next = ident.CooldownUntil
		}
	}
	return next, !next.IsZero()
}

// Changed returns a channel closed on the next state change that could make
// an identity acquirable (release, reset, add).
func (p *Pool) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) publishStatesLocked() {
	h := p.healthLocked(p.clock.Now())
	metrics.SetIdentityStates(h.Healthy, h.Degraded, h.Banned)
}

func (e *entry) tryReserve(limit int) bool {
	for {
		cur := e.inUse.Load()
		if int(cur) >= limit {
			return false
		}
		if e.inUse.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (e *entry) release() {
	for {
		cur := e.inUse.Load()
		if cur <= 0 {
			return
		}
		if e.inUse.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (e *entry) snapshot() crawler.Identity {
	ident := e.identity
	ident.InUse = int(e.inUse.Load())
	if ident.Signature.Headers != nil {
		headers := make(map[string]string, len(ident.Signature.Headers))
		for k, v := range ident.Signature.Headers {
			headers[k] = v
		}
		ident.Signature.Headers = headers
	}
	return ident
}

func servesClass(ident crawler.Identity, class string) bool {
	return class == "" || ident.Class == "" || ident.Class == class
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
