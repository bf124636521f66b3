package pubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const memoryBufferSize = 256

// MemoryTransport in-process Transport for single node deployments.
type MemoryTransport struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryTransport creates an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		topics: make(map[string]map[*memorySubscription]struct{}),
	}
}

// Publish delivers payload to every current subscriber of topic.
// Subscribers with a full buffer miss the message.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}

	for sub := range t.topics[topic] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case sub.ch <- data:
		default:
			log.Warn("subscriber buffer full, dropping message", zap.String("topic", topic))
		}
	}

	return nil
}

// Subscribe registers a new subscription on topic.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		transport: t,
		topic:     topic,
		ch:        make(chan []byte, memoryBufferSize),
	}
	subs, ok := t.topics[topic]
	if !ok {
		subs = make(map[*memorySubscription]struct{})
		t.topics[topic] = subs
	}
	subs[sub] = struct{}{}

	return sub, nil
}

// Close closes every open subscription. Idempotent.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	for _, subs := range t.topics {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	t.topics = nil
	return nil
}

func (t *MemoryTransport) remove(sub *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(t.topics, sub.topic)
	}
	sub.closeLocked()
}

type memorySubscription struct {
	transport *MemoryTransport
	topic     string
	ch        chan []byte
	closed    bool
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.transport.remove(s)
	return nil
}

// closeLocked must be called with the transport lock held.
func (s *memorySubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
