// Package pubsub consumes fetch requests from a Google Cloud Pub/Sub
// subscription and hands them to the scheduler as manual jobs.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// Scheduler is the slice of the job scheduler the intake needs.
type Scheduler interface {
	Schedule(ctx context.Context, target crawler.Target, trigger crawler.Trigger) (crawler.FetchJob, error)
	Target(name string) (crawler.Target, bool)
}

// Request is the JSON body of an intake message. Either Target names a
// configured target or URL describes an ad hoc one.
type Request struct {
	Target     string `json:"target"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Class      string `json:"class"`
	Headless   bool   `json:"headless"`
	MaxRetries int    `json:"max_retries"`
}

// errRejected marks messages that can never be scheduled; they are acked
// so Pub/Sub stops redelivering them.
var errRejected = errors.New("request rejected")

// Intake receives messages from one subscription.
type Intake struct {
	subscriber *pubsub.Subscriber
	scheduler  Scheduler
	logger     *zap.Logger
}

// NewIntake binds subscription (an ID or a full resource name) on client.
func NewIntake(client *pubsub.Client, subscription string, scheduler Scheduler, logger *zap.Logger) (*Intake, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is not configured")
	}
	if subscription == "" {
		return nil, fmt.Errorf("subscription is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		subscriber: client.Subscriber(subscription),
		scheduler:  scheduler,
		logger:     logger,
	}, nil
}

// Run blocks receiving messages until ctx is canceled.
func (i *Intake) Run(ctx context.Context) error {
	i.logger.Info("job intake started")
	err := i.subscriber.Receive(ctx, i.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive intake messages: %w", err)
	}
	return nil
}

func (i *Intake) handle(ctx context.Context, msg *pubsub.Message) {
	if msg.Attributes != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &attributeCarrier{attrs: msg.Attributes})
	}
	job, err := i.schedule(ctx, msg.Data)
	switch {
	case err == nil:
		i.logger.Info("intake job scheduled",
			zap.String("message_id", msg.ID),
			zap.String("job_id", job.ID),
			zap.String("target", job.Target.Name),
		)
		msg.Ack()
	case errors.Is(err, errRejected):
		i.logger.Warn("intake message rejected", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
	default:
		// Draining or transient store failures: let another instance take it.
		i.logger.Warn("intake message not scheduled", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Nack()
	}
}

func (i *Intake) schedule(ctx context.Context, data []byte) (crawler.FetchJob, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return crawler.FetchJob{}, fmt.Errorf("%w: decode: %v", errRejected, err)
	}
	target, err := i.resolve(req)
	if err != nil {
		return crawler.FetchJob{}, err
	}
	return i.scheduler.Schedule(ctx, target, crawler.TriggerManual)
}

func (i *Intake) resolve(req Request) (crawler.Target, error) {
	if req.Target != "" {
		target, ok := i.scheduler.Target(req.Target)
		if !ok {
			return crawler.Target{}, fmt.Errorf("%w: unknown target %q", errRejected, req.Target)
		}
		return target, nil
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return crawler.Target{}, fmt.Errorf("%w: url must be absolute http(s)", errRejected)
	}
	if req.MaxRetries < 0 {
		return crawler.Target{}, fmt.Errorf("%w: max_retries must be >= 0", errRejected)
	}
	name := req.Name
	if name == "" {
		name = u.Hostname()
	}
	return crawler.Target{
		Name:       name,
		URL:        req.URL,
		Class:      req.Class,
		Headless:   req.Headless,
		MaxRetries: req.MaxRetries,
	}, nil
}

type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string { return c.attrs[key] }

func (c *attributeCarrier) Set(key, value string) { c.attrs[key] = value }

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
