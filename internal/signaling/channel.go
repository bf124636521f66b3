// Package signaling delivers signaling envelopes between the two participants
// of a session over a session-keyed pub/sub transport.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/signaling")

// DefaultRetryDelay delay before the single retry of a failed send.
const DefaultRetryDelay = time.Second

const leaveTimeout = 2 * time.Second

// Prometheus metrics.
var (
	signalsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_sent_total",
			Help: "The total number of signaling messages published by peers",
		},
		[]string{"type"},
	)
	signalsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_failed_total",
			Help: "The total number of signaling messages dropped after retry",
		},
		[]string{"type"},
	)
)

// Errors returned by Connect.
var (
	ErrUnavailable      = errors.New("signaling channel unavailable")
	ErrAlreadyConnected = errors.New("signaling channel already connected")
	ErrClosed           = errors.New("signaling channel closed")
)

// Handler invoked for every inbound envelope, including the ones sent by the local participant.
type Handler func(ctx context.Context, msg models.SignalingMessage)

// Option configures a Channel.
type Option func(*Channel)

// WithRetryDelay overrides the delay before a failed send is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Channel) {
		c.retryDelay = d
	}
}

// Channel signaling channel of one participant in one session.
type Channel struct {
	transport  pubsub.Transport
	sessionID  string
	topic      string
	retryDelay time.Duration

	mu           sync.RWMutex
	localID      string
	handler      Handler
	sub          pubsub.Subscription
	cancel       context.CancelFunc
	connected    bool
	disconnected bool
}

// NewChannel creates a disconnected channel for sessionID.
func NewChannel(transport pubsub.Transport, sessionID string, opts ...Option) *Channel {
	c := &Channel{
		transport:  transport,
		sessionID:  sessionID,
		topic:      pubsub.SignalTopic(sessionID),
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage registers the handler for inbound envelopes. Must be called before Connect.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect joins the session channel, starts dispatching inbound envelopes and
// announces the local participant with a user-joined broadcast.
func (c *Channel) Connect(ctx context.Context, localID string, presence models.Presence) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	sub, err := c.transport.Subscribe(ctx, c.topic)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.localID = localID
	c.sub = sub
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	go c.dispatchLoop(loopCtx, sub)
	log.Info("connected to signaling channel", zap.String("sessionId", c.sessionID), zap.String("userId", localID))

	c.Send(ctx, models.SignalingMessage{
		Type: models.TypeUserJoined,
		Data: mustMarshal(presence),
	})
	return nil
}

// Send publishes msg stamped with the local participant id. A failed publish
// is retried once after the retry delay; a second failure is logged and dropped.
func (c *Channel) Send(ctx context.Context, msg models.SignalingMessage) {
	c.mu.RLock()
	msg.From = c.localID
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		log.Warn("dropping message on disconnected channel", zap.Stringer("message", msg))
		return
	}
	c.publish(ctx, msg)
}

// Disconnect announces user-left and leaves the channel. Idempotent and safe
// to call from within a message handler.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.disconnected = true
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.disconnected = true
	sub := c.sub
	stop := c.cancel
	localID := c.localID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	c.publish(ctx, models.SignalingMessage{Type: models.TypeUserLeft, From: localID})

	stop()
	if err := sub.Close(); err != nil {
		log.Warn("failed to close signaling subscription", zap.String("sessionId", c.sessionID), zap.Error(err))
	}
	log.Info("disconnected from signaling channel", zap.String("sessionId", c.sessionID), zap.String("userId", localID))
}

func (c *Channel) publish(ctx context.Context, msg models.SignalingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to serialize signaling message", zap.Stringer("message", msg), zap.Error(err))
		return
	}

	err = c.transport.Publish(ctx, c.topic, data)
	if err == nil {
		signalsSentTotal.WithLabelValues(msg.Type).Inc()
		return
	}

	log.Warn("failed to send signaling message, retrying", zap.Stringer("message", msg), zap.Error(err))
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = c.transport.Publish(ctx, c.topic, data)
	}

	if err != nil {
		signalsFailedTotal.WithLabelValues(msg.Type).Inc()
		log.Error("failed to send signaling message after retry", zap.Stringer("message", msg), zap.Error(err))
		return
	}
	signalsSentTotal.WithLabelValues(msg.Type).Inc()
}

// Connected returns true between a successful Connect and Disconnect.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Channel) dispatchLoop(ctx context.Context, sub pubsub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.dispatch(ctx, data)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	if ctx.Err() != nil {
		return
	}

	var msg models.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("failed to parse signaling message", zap.String("sessionId", c.sessionID), zap.Error(err))
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(ctx, msg)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Panic("failed to serialize payload", zap.Error(err))
	}
	return data
}
