package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wraps logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs at a level matching the severity.
func (n *LogNotifier) Notify(_ context.Context, alert crawler.AlertEvent) error {
	level := zapcore.InfoLevel
	switch alert.Severity {
	case crawler.SeverityWarning:
		level = zapcore.WarnLevel
	case crawler.SeverityCritical:
		level = zapcore.ErrorLevel
	}
	n.logger.Log(level, "alert",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("source", alert.Source),
		zap.String("message", alert.Message),
	)
	return nil
}

// PublisherNotifier forwards alerts to the health topic.
type PublisherNotifier struct {
	publisher crawler.Publisher
}

// NewPublisherNotifier wraps publisher.
func NewPublisherNotifier(publisher crawler.Publisher) *PublisherNotifier {
	return &PublisherNotifier{publisher: publisher}
}

// Notify publishes the alert on crawler.TopicHealth.
func (n *PublisherNotifier) Notify(ctx context.Context, alert crawler.AlertEvent) error {
	if _, err := n.publisher.Publish(ctx, crawler.TopicHealth, alert); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// WebhookNotifier POSTs alerts as JSON with retry and exponential backoff.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *WebhookNotifier) { w.maxRetries = n }
}

// WithWebhookBackoff sets the first retry delay. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *WebhookNotifier) { w.baseDelay = d }
}

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

// NewWebhookNotifier targets url.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type webhookEnvelope struct {
	Type  string             `json:"type"`
	Alert crawler.AlertEvent `json:"alert"`
}

// Notify delivers the alert, retrying on transport errors and non-2xx codes.
func (w *WebhookNotifier) Notify(ctx context.Context, alert crawler.AlertEvent) error {
	body, err := json.Marshal(webhookEnvelope{Type: "alert", Alert: alert})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.baseDelay << (attempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("webhook: %w", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return fmt.Errorf("webhook: all retries exhausted: %w", lastErr)
}
