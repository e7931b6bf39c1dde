// Package ratelimit spaces consecutive requests to the same domain using a
// per-domain token bucket plus a randomized jitter.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listings-crawler/internal/metrics"
)

const defaultDelay = time.Second

// Config holds politeness settings.
type Config struct {
	// Delay is the minimum spacing between requests to one domain.
	Delay time.Duration
	// JitterFactor adds up to Delay*JitterFactor of random extra wait.
	JitterFactor float64
	// DomainDelays overrides Delay per host.
	DomainDelays map[string]time.Duration
}

// Limiter manages per-domain politeness.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	random   func() float64
}

// New creates a new Limiter. A zero Delay falls back to one second; a negative
// Delay disables spacing entirely.
func New(cfg Config) *Limiter {
	if cfg.Delay == 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	return &Limiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		random:   rand.Float64,
	}
}

// Wait blocks until the domain of rawURL may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)
	limiter, delay := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	if jitter := l.jitter(delay); jitter > 0 {
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("politeness wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(domain, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) (*rate.Limiter, time.Duration) {
	delay := l.cfg.Delay
	if d, ok := l.cfg.DomainDelays[domain]; ok {
		delay = d
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limit := rate.Inf
		if delay > 0 {
			limit = rate.Every(delay)
		}
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[domain] = limiter
	}
	return limiter, delay
}

func (l *Limiter) jitter(delay time.Duration) time.Duration {
	if delay <= 0 || l.cfg.JitterFactor == 0 {
		return 0
	}
	l.mu.Lock()
	r := l.random()
	l.mu.Unlock()
	return time.Duration(float64(delay) * l.cfg.JitterFactor * r)
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
