// Package pubsub is the session-keyed message bus that signaling and chat
// travel over. Messages are broadcast to every subscriber of a topic; there
// is no ordering or delivery guarantee beyond what the backing store gives.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/CzarSimon/httputil/logger"
)

var log = logger.GetDefaultLogger("interview-room/pubsub")

// ErrClosed returned when publishing or subscribing on a closed transport.
var ErrClosed = errors.New("pubsub: transport closed")

// Transport broadcast primitive keyed by topic.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription stream of payloads published on a topic.
// Messages is closed once the subscription is closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// SignalTopic topic carrying signaling envelopes of a session.
func SignalTopic(sessionID string) string {
	return fmt.Sprintf("session:%s:signal", sessionID)
}

// ChatTopic topic carrying chat messages of a session.
func ChatTopic(sessionID string) string {
	return fmt.Sprintf("session:%s:chat", sessionID)
}
