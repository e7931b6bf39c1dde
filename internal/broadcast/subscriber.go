package broadcast

import (
	"sort"
	"sync"
	"time"
)

// SubscriberStats is a point-in-time view of one subscriber.
type SubscriberStats struct {
	ID            string    `json:"id"`
	State         State     `json:"state"`
	Topics        []string  `json:"topics"`
	Queued        int       `json:"queued"`
	EventsDropped int64     `json:"events_dropped"`
	MissedPings   int       `json:"missed_pings"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastPongAt    time.Time `json:"last_pong_at,omitempty"`
}

type subscriber struct {
	id   string
	conn Conn

	mu           sync.Mutex
	state        State
	topics       map[string]struct{}
	queue        ring
	control      []Message
	dropped      int64
	awaitingPong bool
	missed       int
	connectedAt  time.Time
	lastPingAt   time.Time
	lastPongAt   time.Time

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id string, conn Conn, queueSize int, now time.Time) *subscriber {
	return &subscriber{
		id:          id,
		conn:        conn,
		state:       StateConnecting,
		topics:      make(map[string]struct{}),
		queue:       newRing(queueSize),
		connectedAt: now,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// wants must be called with s.mu held.
func (s *subscriber) wants(topic string) bool {
	if s.state != StateActive && s.state != StateDegraded {
		return false
	}
	if _, ok := s.topics[WildcardTopic]; ok {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// enqueue adds an event and reports whether an older one was dropped.
func (s *subscriber) enqueue(msg Message) (delivered, dropped bool) {
	s.mu.Lock()
	if !s.wants(msg.Topic) {
		s.mu.Unlock()
		return false, false
	}
	dropped = s.queue.push(msg)
	if dropped {
		s.dropped++
	}
	s.mu.Unlock()
	s.signal()
	return true, dropped
}

// enqueueControl queues a protocol frame ahead of pending events.
func (s *subscriber) enqueueControl(msg Message) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.control = append(s.control, msg)
	s.mu.Unlock()
	s.signal()
}

// next pops the next frame to write; control frames go first.
func (s *subscriber) next() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Message{}, false
	}
	if len(s.control) > 0 {
		msg := s.control[0]
		s.control = s.control[1:]
		return msg, true
	}
	return s.queue.pop()
}

func (s *subscriber) subscribe(topics []string, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if t != "" {
			s.topics[t] = struct{}{}
		}
	}
	if s.state == StateConnecting && len(s.topics) > 0 {
		s.state = StateActive
		s.lastPingAt = now
		s.lastPongAt = now
	}
	return s.topicList()
}

func (s *subscriber) unsubscribe(topics []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
	return s.topicList()
}

func (s *subscriber) pong(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPongAt = now
	s.awaitingPong = false
	s.missed = 0
	if s.state == StateDegraded {
		s.state = StateActive
	}
}

// markClosed flips the state and reports whether this call did it.
func (s *subscriber) markClosed() bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.control = nil
		s.mu.Unlock()
		close(s.done)
		closed = true
	})
	return closed
}

func (s *subscriber) stats() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriberStats{
		ID:            s.id,
		State:         s.state,
		Topics:        s.topicList(),
		Queued:        s.queue.len(),
		EventsDropped: s.dropped,
		MissedPings:   s.missed,
		ConnectedAt:   s.connectedAt,
		LastPongAt:    s.lastPongAt,
	}
}

// topicList must be called with s.mu held.
func (s *subscriber) topicList() []string {
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
