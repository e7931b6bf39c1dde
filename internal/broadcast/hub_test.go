package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu       sync.Mutex
	msgs     []Message
	closed   bool
	reason   string
	gate     chan struct{}
	writeErr error
}

func (c *fakeConn) Write(ctx context.Context, msg Message) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) messages(kind string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if kind == "" || m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestHub(t *testing.T, clock *fakeClock) *Hub {
	t.Helper()
	hub := NewHub(Config{
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
		Logger:       zap.NewNop(),
		Now:          clock.Now,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Close(ctx)
	})
	return hub
}

func subscribe(t *testing.T, hub *Hub, conn *fakeConn, topics ...string) string {
	t.Helper()
	id, err := hub.Register(conn)
	require.NoError(t, err)
	require.NoError(t, hub.HandleMessage(id, Message{Type: TypeSubscribe, Topics: topics}))
	return id
}

func TestSubscribeAckAndTopicRouting(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	hub := newTestHub(t, clock)
	prices, all, idle := &fakeConn{}, &fakeConn{}, &fakeConn{}

	priceID := subscribe(t, hub, prices, "price_changed")
	subscribe(t, hub, all, WildcardTopic)
	idleID, err := hub.Register(idle)
	require.NoError(t, err)

	stats, ok := hub.Subscriber(idleID)
	require.True(t, ok)
	assert.Equal(t, StateConnecting, stats.State)
	stats, _ = hub.Subscriber(priceID)
	assert.Equal(t, StateActive, stats.State)

	ctx := context.Background()
	_, err = hub.Publish(ctx, "price_changed", map[string]float64{"new_price": 10})
	require.NoError(t, err)
	_, err = hub.Publish(ctx, "job_completed", "done")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(prices.messages(TypeEvent)) == 1 && len(all.messages(TypeEvent)) == 2
	}, time.Second, 5*time.Millisecond)

	acks := prices.messages(TypeSubscribed)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{"price_changed"}, acks[0].Topics)

	ev := prices.messages(TypeEvent)[0]
	assert.Equal(t, "price_changed", ev.Topic)
	assert.Equal(t, clock.Now().UnixMilli(), ev.Timestamp)
	assert.Empty(t, idle.messages(TypeEvent))
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, &fakeClock{now: time.Unix(1700000000, 0)})
	conn := &fakeConn{}
	id := subscribe(t, hub, conn, "job_completed", "price_changed")
	require.NoError(t, hub.HandleMessage(id, Message{Type: TypeUnsubscribe, Topics: []string{"job_completed"}}))

	_, err := hub.Publish(context.Background(), "job_completed", 1)
	require.NoError(t, err)
	_, err = hub.Publish(context.Background(), "price_changed", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.messages(TypeEvent)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "price_changed", conn.messages(TypeEvent)[0].Topic)
	acks := conn.messages(TypeSubscribed)
	require.Len(t, acks, 2)
	assert.Equal(t, []string{"price_changed"}, acks[1].Topics)
}

func TestOverflowDropsOldestWithoutBlocking(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, &fakeClock{now: time.Unix(1700000000, 0)})
	// The writer stalls on the subscribe ack, so queued events stay put.
	conn := &fakeConn{gate: make(chan struct{})}
	id := subscribe(t, hub, conn, "price_changed")

	start := time.Now()
	for i := 0; i < 300; i++ {
		_, err := hub.Publish(context.Background(), "price_changed", i)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second, "publisher blocked")

	stats, ok := hub.Subscriber(id)
	require.True(t, ok)
	assert.Equal(t, int64(44), stats.EventsDropped)
	assert.Equal(t, 256, stats.Queued)

	close(conn.gate)
	require.Eventually(t, func() bool { return len(conn.messages(TypeEvent)) == 256 }, 2*time.Second, 5*time.Millisecond)
	events := conn.messages(TypeEvent)
	for i, ev := range events {
		require.Equal(t, 44+i, ev.Data)
	}
}

func TestPongAfterMissRestoresActive(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0)
	clock := &fakeClock{now: t0}
	hub := newTestHub(t, clock)
	conn := &fakeConn{}
	id := subscribe(t, hub, conn, "health")

	hub.checkHealth(t0.Add(30 * time.Second))
	require.Eventually(t, func() bool { return len(conn.messages(TypePing)) == 1 }, time.Second, 5*time.Millisecond)

	hub.checkHealth(t0.Add(40 * time.Second))
	stats, _ := hub.Subscriber(id)
	assert.Equal(t, StateDegraded, stats.State)
	assert.Equal(t, 1, stats.MissedPings)

	clock.Set(t0.Add(45 * time.Second))
	require.NoError(t, hub.HandleMessage(id, Message{Type: TypePong}))
	stats, _ = hub.Subscriber(id)
	assert.Equal(t, StateActive, stats.State)
	assert.Zero(t, stats.MissedPings)
	assert.Equal(t, t0.Add(45*time.Second), stats.LastPongAt)
}

func TestThreeMissedPongsClose(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0)
	hub := newTestHub(t, &fakeClock{now: t0})
	conn := &fakeConn{}
	id := subscribe(t, hub, conn, "health")

	for cycle := 0; cycle < 3; cycle++ {
		base := t0.Add(time.Duration(cycle) * 30 * time.Second)
		hub.checkHealth(base.Add(30 * time.Second))
		hub.checkHealth(base.Add(40 * time.Second))
		if cycle < 2 {
			stats, ok := hub.Subscriber(id)
			require.True(t, ok)
			assert.Equal(t, StateDegraded, stats.State)
			assert.Equal(t, cycle+1, stats.MissedPings)
		}
	}

	_, ok := hub.Subscriber(id)
	assert.False(t, ok)
	assert.True(t, conn.isClosed())
	require.ErrorIs(t, hub.HandleMessage(id, Message{Type: TypePong}), ErrUnknownSubscriber)
}

func TestConnectingSubscriberTimesOut(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0)
	hub := newTestHub(t, &fakeClock{now: t0})
	conn := &fakeConn{}
	id, err := hub.Register(conn)
	require.NoError(t, err)

	hub.checkHealth(t0.Add(39 * time.Second))
	_, ok := hub.Subscriber(id)
	require.True(t, ok)
	assert.Empty(t, conn.messages(TypePing), "connecting subscribers are not pinged")

	hub.checkHealth(t0.Add(40 * time.Second))
	_, ok = hub.Subscriber(id)
	assert.False(t, ok)
	assert.True(t, conn.isClosed())
}

func TestUnknownMessageType(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, &fakeClock{now: time.Unix(1700000000, 0)})
	conn := &fakeConn{}
	id, err := hub.Register(conn)
	require.NoError(t, err)

	err = hub.HandleMessage(id, Message{Type: "bogus"})
	require.ErrorIs(t, err, ErrUnknownMessage)
	require.Eventually(t, func() bool { return len(conn.messages(TypeError)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriteFailureRemovesSubscriber(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, &fakeClock{now: time.Unix(1700000000, 0)})
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	id := subscribe(t, hub, conn, WildcardTopic)

	require.Eventually(t, func() bool {
		_, ok := hub.Subscriber(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, conn.isClosed())
}

func TestCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{Logger: zap.NewNop()})
	conn := &fakeConn{}
	subscribe(t, hub, conn, "health")

	require.NoError(t, hub.Close(context.Background()))
	assert.True(t, conn.isClosed())
	assert.Empty(t, hub.Stats())

	_, err := hub.Register(&fakeConn{})
	require.ErrorIs(t, err, ErrHubClosed)
	_, err = hub.Publish(context.Background(), "health", "x")
	require.ErrorIs(t, err, ErrHubClosed)
	require.NoError(t, hub.Close(context.Background()))
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, &fakeClock{now: time.Unix(1700000000, 0)})
	_, err := hub.Publish(context.Background(), "", "x")
	require.Error(t, err)
}
