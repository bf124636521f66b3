package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// RedisTransport Transport backed by Redis PUBLISH / SUBSCRIBE, shared by every
// instance of the service.
type RedisTransport struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisTransport creates a RedisTransport on top of an existing client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{
		client: client,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish publishes payload on topic.
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}

	err := t.client.Publish(ctx, topic, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Subscribe subscribes to topic and waits for Redis to confirm the subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	ps := t.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		transport: t,
		ps:        ps,
		ch:        make(chan []byte, memoryBufferSize),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.forward(ps.Channel())
	return sub, nil
}

// Close closes every open subscription. The Redis client is owned by the
// caller and left open. Idempotent.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var err error
	for sub := range subs {
		err = multierr.Append(err, sub.close())
	}
	return err
}

func (t *RedisTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *RedisTransport) remove(sub *redisSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub)
}

type redisSubscription struct {
	transport *RedisTransport
	ps        *redis.PubSub
	ch        chan []byte
	done      chan struct{}
	once      sync.Once
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.transport.remove(s)
	return s.close()
}

func (s *redisSubscription) close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}
