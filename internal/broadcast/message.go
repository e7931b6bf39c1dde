// Package broadcast fans domain events out to live stream subscribers. Each
// subscriber has a bounded FIFO queue drained by its own writer goroutine, so
// publishers never block on a slow connection, and a health loop pings
// subscribers and closes the ones that stop answering.
package broadcast

import (
	"context"
	"errors"
)

// Message types on the stream protocol.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypeEvent       = "event"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// WildcardTopic subscribes to every topic.
const WildcardTopic = "*"

// ErrUnknownMessage is returned for inbound messages with an unrecognized type.
var ErrUnknownMessage = errors.New("unknown message type")

// ErrUnknownSubscriber is returned when a connection ID is not registered.
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// ErrHubClosed is returned once Close has been called.
var ErrHubClosed = errors.New("broadcast hub closed")

// Message is one frame of the stream protocol in either direction.
type Message struct {
	Type      string   `json:"type"`
	Topic     string   `json:"topic,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Data      any      `json:"data,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// Conn is the transport side of a subscriber.
type Conn interface {
	Write(ctx context.Context, msg Message) error
	Close(reason string) error
}

// State is the lifecycle state of a subscriber.
type State string

// Subscriber states.
const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)
