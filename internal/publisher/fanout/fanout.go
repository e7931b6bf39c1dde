// Package fanout publishes each event to several publishers.
package fanout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// Publisher delivers to every target. A failing target does not stop delivery
// to the others.
type Publisher struct {
	targets []crawler.Publisher
	logger  *zap.Logger
}

// New builds a fan-out over targets, skipping nils.
func New(logger *zap.Logger, targets ...crawler.Publisher) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{logger: logger}
	for _, t := range targets {
		if t != nil {
			p.targets = append(p.targets, t)
		}
	}
	return p
}

// Publish returns the first non-empty message ID and the joined errors.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	var (
		firstID string
		errs    []error
	)
	for _, t := range p.targets {
		id, err := t.Publish(ctx, topic, payload)
		if err != nil {
			p.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, errors.Join(errs...)
}
