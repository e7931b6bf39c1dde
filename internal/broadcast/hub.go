package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/metrics"
)

// Config controls queueing and health checking.
//   - QueueSize: per-subscriber event queue capacity (default 256).
//   - PingInterval: spacing between pings to a subscriber (default 30s).
//   - PongTimeout: how long a ping may go unanswered (default 10s).
//   - MaxMissedPings: consecutive misses before the subscriber is closed (default 3).
//   - WriteTimeout: per-frame write deadline (default 10s).
type Config struct {
	QueueSize      int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPings int
	WriteTimeout   time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
	// IDs names connections; nil falls back to a process-local counter.
	IDs crawler.IDGenerator
}

const (
	defaultQueueSize      = 256
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMissedPings = 3
	defaultWriteTimeout   = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub owns every subscriber. It is safe for concurrent connect, disconnect
// and publish.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber

	nextID      atomic.Uint64
	published   atomic.Uint64
	dropped     atomic.Int64
	dropLimiter rateLimiter
	closed      atomic.Bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewHub applies defaults and starts the health loop.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.MaxMissedPings <= 0 {
		cfg.MaxMissedPings = defaultMaxMissedPings
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		logger:      logger,
		subs:        make(map[string]*subscriber),
		dropLimiter: rateLimiter{interval: dropLogInterval},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go h.healthLoop()
	return h
}

// Register adds a connection in the connecting state and starts its writer.
// The subscriber becomes active on its first subscribe message.
func (h *Hub) Register(conn Conn) (string, error) {
	if h.closed.Load() {
		return "", ErrHubClosed
	}
	id, err := h.newID()
	if err != nil {
		return "", err
	}
	sub := newSubscriber(id, conn, h.cfg.QueueSize, h.cfg.Now())

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	metrics.IncSubscribers()
	h.logger.Debug("subscriber connected", zap.String("subscriber_id", id))

	go h.writeLoop(sub)
	return id, nil
}

// HandleMessage applies an inbound protocol frame from subscriber id.
func (h *Hub) HandleMessage(id string, msg Message) error {
	sub := h.get(id)
	if sub == nil {
		return fmt.Errorf("%s: %w", id, ErrUnknownSubscriber)
	}
	switch msg.Type {
	case TypeSubscribe:
		topics := sub.subscribe(msg.Topics, h.cfg.Now())
		sub.enqueueControl(Message{Type: TypeSubscribed, Topics: topics})
	case TypeUnsubscribe:
		topics := sub.unsubscribe(msg.Topics)
		sub.enqueueControl(Message{Type: TypeSubscribed, Topics: topics})
	case TypePong:
		sub.pong(h.cfg.Now())
	default:
		sub.enqueueControl(Message{Type: TypeError, Data: fmt.Sprintf("unknown message type %q", msg.Type)})
		return fmt.Errorf("%q: %w", msg.Type, ErrUnknownMessage)
	}
	return nil
}

// Publish fans payload out to every subscriber of topic. It never blocks on
// a subscriber; full queues drop their oldest event.
func (h *Hub) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	if h.closed.Load() {
		return "", ErrHubClosed
	}
	seq := h.published.Add(1)
	msg := Message{
		Type:      TypeEvent,
		Topic:     topic,
		Data:      payload,
		Timestamp: h.cfg.Now().UnixMilli(),
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if _, dropped := sub.enqueue(msg); dropped {
			h.noteDrop(sub.id)
		}
	}
	metrics.ObservePublished(topic)
	return fmt.Sprintf("%s-%d", topic, seq), nil
}

// Unregister closes a subscriber; unknown IDs are ignored.
func (h *Hub) Unregister(id, reason string) {
	sub := h.remove(id)
	if sub == nil {
		return
	}
	h.closeSubscriber(sub, reason)
}

// Stats returns a snapshot of every subscriber.
func (h *Hub) Stats() []SubscriberStats {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.stats())
	}
	return out
}

// Subscriber returns the stats for one subscriber.
func (h *Hub) Subscriber(id string) (SubscriberStats, bool) {
	sub := h.get(id)
	if sub == nil {
		return SubscriberStats{}, false
	}
	return sub.stats(), true
}

// Close stops the health loop and closes every subscriber.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("broadcast hub close wait: %w", ctx.Err())
	}
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		h.closeSubscriber(sub, "server shutting down")
	}
	return nil
}

func (h *Hub) newID() (string, error) {
	if h.cfg.IDs != nil {
		id, err := h.cfg.IDs.NewID()
		if err != nil {
			return "", fmt.Errorf("subscriber id: %w", err)
		}
		return id, nil
	}
	return fmt.Sprintf("sub-%d", h.nextID.Add(1)), nil
}

func (h *Hub) get(id string) *subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subs[id]
}

func (h *Hub) remove(id string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return nil
	}
	delete(h.subs, id)
	return sub
}

func (h *Hub) closeSubscriber(sub *subscriber, reason string) {
	if !sub.markClosed() {
		return
	}
	metrics.DecSubscribers()
	if err := sub.conn.Close(reason); err != nil {
		h.logger.Debug("subscriber close failed", zap.String("subscriber_id", sub.id), zap.Error(err))
	}
	h.logger.Info("subscriber closed", zap.String("subscriber_id", sub.id), zap.String("reason", reason))
}

func (h *Hub) noteDrop(id string) {
	metrics.ObserveEventDropped()
	h.dropped.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.dropped.Swap(0)
		h.logger.Warn("broadcast events dropped due to slow subscriber",
			zap.String("subscriber_id", id), zap.Int64("dropped", count))
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			msg, ok := sub.next()
			if !ok {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			err := sub.conn.Write(ctx, msg)
			cancel()
			if err != nil {
				h.logger.Debug("subscriber write failed", zap.String("subscriber_id", sub.id), zap.Error(err))
				if removed := h.remove(sub.id); removed != nil {
					h.closeSubscriber(removed, "write failed")
				}
				return
			}
		}
	}
}

func (h *Hub) healthLoop() {
	defer close(h.doneCh)
	interval := min(h.cfg.PingInterval, h.cfg.PongTimeout) / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth(h.cfg.Now())
		}
	}
}

// checkHealth advances every subscriber's ping state to now.
func (h *Hub) checkHealth(now time.Time) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if reason := h.checkSubscriber(sub, now); reason != "" {
			if removed := h.remove(sub.id); removed != nil {
				h.closeSubscriber(removed, reason)
			}
		}
	}
}

// checkSubscriber returns a non-empty reason when sub must be closed.
func (h *Hub) checkSubscriber(sub *subscriber, now time.Time) string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	switch sub.state {
	case StateConnecting:
		if now.Sub(sub.connectedAt) >= h.cfg.PingInterval+h.cfg.PongTimeout {
			return "no subscription before handshake timeout"
		}
		return ""
	case StateActive, StateDegraded:
	default:
		return ""
	}

	if sub.awaitingPong && !now.Before(sub.lastPingAt.Add(h.cfg.PongTimeout)) {
		sub.awaitingPong = false
		sub.missed++
		if sub.missed >= h.cfg.MaxMissedPings {
			return fmt.Sprintf("missed %d pongs", sub.missed)
		}
		if sub.state == StateActive {
			sub.state = StateDegraded
			h.logger.Info("subscriber degraded", zap.String("subscriber_id", sub.id), zap.Int("missed_pings", sub.missed))
		}
	}
	if !sub.awaitingPong && !now.Before(sub.lastPingAt.Add(h.cfg.PingInterval)) {
		sub.awaitingPong = true
		sub.lastPingAt = now
		sub.control = append(sub.control, Message{Type: TypePing, Timestamp: now.UnixMilli()})
		sub.signal()
	}
	return ""
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
