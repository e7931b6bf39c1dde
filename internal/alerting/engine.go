// Package alerting evaluates operational health on a fixed tick and emits
// typed AlertEvents to the alert store and any configured notifiers.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/identity"
	"github.com/JakeFAU/listings-crawler/internal/metrics"
)

// Alert sources raised by the engine's own rules.
const (
	SourceIdentityPool = "identity_pool"
	SourceDeadLetters  = "dead_letters"
)

// Config holds rule thresholds.
type Config struct {
	Tick                  time.Duration
	HealthyWarnFraction   float64
	DLQWindow             time.Duration
	DLQWarnThreshold      int
	DLQCriticalMultiplier int
	Cooldown              time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.HealthyWarnFraction <= 0 {
		c.HealthyWarnFraction = 0.3
	}
	if c.DLQWindow <= 0 {
		c.DLQWindow = 5 * time.Minute
	}
	if c.DLQWarnThreshold <= 0 {
		c.DLQWarnThreshold = 10
	}
	if c.DLQCriticalMultiplier <= 0 {
		c.DLQCriticalMultiplier = 3
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	} else if c.Cooldown == 0 {
		c.Cooldown = 5 * time.Minute
	}
	return c
}

// IdentityHealth reports pool composition.
type IdentityHealth interface {
	Health() identity.Health
}

// DeadLetterCounter counts recent dead letters.
type DeadLetterCounter interface {
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// Notifier delivers an alert somewhere outside the process.
type Notifier interface {
	Notify(ctx context.Context, alert crawler.AlertEvent) error
}

type cooldownKey struct {
	source   string
	severity crawler.AlertSeverity
}

// Engine evaluates rules and raises alerts.
type Engine struct {
	cfg       Config
	pool      IdentityHealth
	dlq       DeadLetterCounter
	store     crawler.AlertStore
	notifiers []Notifier
	ids       crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger

	mu        sync.Mutex
	lastFired map[cooldownKey]time.Time
	levels    map[string]crawler.AlertSeverity
}

// New builds an Engine. pool and dlq may be nil to disable their rule.
func New(
	cfg Config,
	pool IdentityHealth,
	dlq DeadLetterCounter,
	store crawler.AlertStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	notifiers ...Notifier,
) (*Engine, error) {
	if store == nil || ids == nil || clock == nil {
		return nil, fmt.Errorf("alerting engine requires store, id generator and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		pool:      pool,
		dlq:       dlq,
		store:     store,
		notifiers: notifiers,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		lastFired: make(map[cooldownKey]time.Time),
		levels:    make(map[string]crawler.AlertSeverity),
	}, nil
}

// Run evaluates every tick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	e.logger.Info("alerting engine started", zap.Duration("tick", e.cfg.Tick))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Evaluate runs every rule once and returns the alerts actually emitted.
func (e *Engine) Evaluate(ctx context.Context) []crawler.AlertEvent {
	var fired []crawler.AlertEvent
	if e.pool != nil {
		if alert, ok := e.evaluateIdentities(ctx); ok {
			fired = append(fired, alert)
		}
	}
	if e.dlq != nil {
		if alert, ok := e.evaluateDeadLetters(ctx); ok {
			fired = append(fired, alert)
		}
	}
	return fired
}

func (e *Engine) evaluateIdentities(ctx context.Context) (crawler.AlertEvent, bool) {
	h := e.pool.Health()
	fraction := h.HealthyFraction()
	switch {
	case h.Healthy == 0:
		return e.transition(ctx, SourceIdentityPool, crawler.SeverityCritical, fmt.Sprintf(
			"no healthy identities (total=%d degraded=%d banned=%d)", h.Total, h.Degraded, h.Banned))
	case fraction < e.cfg.HealthyWarnFraction:
		return e.transition(ctx, SourceIdentityPool, crawler.SeverityWarning, fmt.Sprintf(
			"healthy identity fraction %.2f below %.2f (healthy=%d total=%d)",
			fraction, e.cfg.HealthyWarnFraction, h.Healthy, h.Total))
	default:
		return e.transition(ctx, SourceIdentityPool, "", fmt.Sprintf(
			"identity pool recovered (healthy=%d total=%d)", h.Healthy, h.Total))
	}
}

func (e *Engine) evaluateDeadLetters(ctx context.Context) (crawler.AlertEvent, bool) {
	now := e.clock.Now()
	count, err := e.dlq.CountSince(ctx, now.Add(-e.cfg.DLQWindow))
	if err != nil {
		e.logger.Warn("dead letter count failed", zap.Error(err))
		return crawler.AlertEvent{}, false
	}
	critical := e.cfg.DLQWarnThreshold * e.cfg.DLQCriticalMultiplier
	switch {
	case count > critical:
		return e.transition(ctx, SourceDeadLetters, crawler.SeverityCritical, fmt.Sprintf(
			"%d dead letters in %s exceeds %d", count, e.cfg.DLQWindow, critical))
	case count > e.cfg.DLQWarnThreshold:
		return e.transition(ctx, SourceDeadLetters, crawler.SeverityWarning, fmt.Sprintf(
			"%d dead letters in %s exceeds %d", count, e.cfg.DLQWindow, e.cfg.DLQWarnThreshold))
	default:
		return e.transition(ctx, SourceDeadLetters, "", fmt.Sprintf(
			"dead letter rate back to normal (%d in %s)", count, e.cfg.DLQWindow))
	}
}

// transition raises severity for source, or an info recovery alert when a
// previously firing source clears (empty severity).
func (e *Engine) transition(ctx context.Context, source string, severity crawler.AlertSeverity, message string) (crawler.AlertEvent, bool) {
	e.mu.Lock()
	previous := e.levels[source]
	if severity == "" {
		delete(e.levels, source)
	} else {
		e.levels[source] = severity
	}
	e.mu.Unlock()

	if severity == "" {
		if previous == "" {
			return crawler.AlertEvent{}, false
		}
		return e.Raise(ctx, crawler.SeverityInfo, source, message)
	}
	return e.Raise(ctx, severity, source, message)
}

// Raise emits an alert unless the same (source, severity) fired within the
// cooldown. It reports whether the alert was emitted.
func (e *Engine) Raise(ctx context.Context, severity crawler.AlertSeverity, source, message string) (crawler.AlertEvent, bool) {
	now := e.clock.Now()
	key := cooldownKey{source: source, severity: severity}

	e.mu.Lock()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.cfg.Cooldown {
		e.mu.Unlock()
		e.logger.Debug("alert suppressed by cooldown",
			zap.String("source", source), zap.String("severity", string(severity)))
		return crawler.AlertEvent{}, false
	}
	e.lastFired[key] = now
	e.mu.Unlock()

	id, err := e.ids.NewID()
	if err != nil {
		e.logger.Error("alert id generation failed", zap.Error(err))
		return crawler.AlertEvent{}, false
	}
	alert := crawler.AlertEvent{
		ID:        id,
		Severity:  severity,
		Source:    source,
		Message:   message,
		CreatedAt: now,
	}
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		e.logger.Error("alert save failed", zap.String("alert_id", id), zap.Error(err))
	}
	metrics.ObserveAlert(string(severity), source)
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			e.logger.Warn("alert notifier failed", zap.String("alert_id", id), zap.Error(err))
		}
	}
	return alert, true
}
