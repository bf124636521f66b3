// Package chat keeps the text chat of a session in sync on the client side.
// Messages arrive over two paths: the realtime pub/sub topic of the session
// and periodic polling of the chat history while no subscription is
// established. Both paths feed the same store, deduplicated by message id.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/google/uuid"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/chat")

// DefaultPollInterval interval between history polls while the realtime
// subscription is down.
const DefaultPollInterval = 5 * time.Second

// Service chat persistence operations.
type Service interface {
	List(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	Append(ctx context.Context, sessionID, senderID string, req models.SendChatRequest) (models.ChatMessage, error)
}

// Feed merged, ordered view of the chat of one session.
type Feed struct {
	service      Service
	transport    pubsub.Transport
	sessionID    string
	userID       string
	pollInterval time.Duration

	mu         sync.Mutex
	messages   []models.ChatMessage
	subscribed bool
	onChange   func([]models.ChatMessage)
}

// Option configures a Feed.
type Option func(*Feed)

// WithPollInterval sets the history poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(f *Feed) {
		f.pollInterval = d
	}
}

// NewFeed creates a Feed for userID in sessionID.
func NewFeed(service Service, transport pubsub.Transport, sessionID, userID string, opts ...Option) *Feed {
	f := &Feed{
		service:      service,
		transport:    transport,
		sessionID:    sessionID,
		userID:       userID,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnChange registers a callback invoked with the full message list after every change.
func (f *Feed) OnChange(fn func([]models.ChatMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// Messages returns the known messages ordered by creation time.
func (f *Feed) Messages() []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.messages...)
}

// Subscribed returns true while the realtime path is established.
func (f *Feed) Subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

// Run keeps the feed up to date until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	sub := f.subscribe(ctx)
	f.poll(ctx)

	for {
		var inbound <-chan []byte
		if sub != nil {
			inbound = sub.Messages()
		}

		select {
		case <-ctx.Done():
			if sub != nil {
				sub.Close()
			}
			f.setSubscribed(false)
			return
		case data, ok := <-inbound:
			if !ok {
				log.Warn("chat subscription lost", zap.String("sessionId", f.sessionID))
				sub = nil
				f.setSubscribed(false)
				continue
			}
			f.receive(data)
		case <-ticker.C:
			if sub != nil {
				continue
			}
			f.poll(ctx)
			if sub = f.subscribe(ctx); sub != nil {
				f.poll(ctx)
			}
		}
	}
}

// Send sends a message. The message is shown right away and replaced by the
// stored version once the service accepts it; it is removed again if the
// service rejects it.
func (f *Feed) Send(ctx context.Context, content, msgType string) (models.ChatMessage, error) {
	if msgType == "" {
		msgType = models.ChatTypeText
	}

	pending := models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: f.sessionID,
		SenderID:  f.userID,
		Content:   content,
		Type:      msgType,
		CreatedAt: time.Now().UTC(),
	}
	f.merge(pending)

	stored, err := f.service.Append(ctx, f.sessionID, f.userID, models.SendChatRequest{
		ID:      pending.ID,
		Content: content,
		Type:    msgType,
	})
	if err != nil {
		f.remove(pending.ID)
		return models.ChatMessage{}, fmt.Errorf("failed to send chat message: %w", err)
	}

	f.merge(stored)
	return stored, nil
}

func (f *Feed) subscribe(ctx context.Context) pubsub.Subscription {
	if f.transport == nil {
		return nil
	}

	sub, err := f.transport.Subscribe(ctx, pubsub.ChatTopic(f.sessionID))
	if err != nil {
		log.Warn("failed to subscribe to chat, polling instead", zap.String("sessionId", f.sessionID), zap.Error(err))
		return nil
	}

	f.setSubscribed(true)
	return sub
}

func (f *Feed) poll(ctx context.Context) {
	messages, err := f.service.List(ctx, f.sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to poll chat history", zap.String("sessionId", f.sessionID), zap.Error(err))
		}
		return
	}
	f.merge(messages...)
}

func (f *Feed) receive(data []byte) {
	var msg models.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		log.Warn("dropping undecodable chat message", zap.String("sessionId", f.sessionID), zap.Error(err))
		return
	}
	f.merge(msg)
}

func (f *Feed) merge(messages ...models.ChatMessage) {
	if len(messages) == 0 {
		return
	}

	f.mu.Lock()
	changed := false
	for _, msg := range messages {
		if msg.SessionID != "" && msg.SessionID != f.sessionID {
			continue
		}
		if i := f.indexOf(msg.ID); i >= 0 {
			if f.messages[i] != msg {
				f.messages[i] = msg
				changed = true
			}
			continue
		}
		f.messages = append(f.messages, msg)
		changed = true
	}
	if !changed {
		f.mu.Unlock()
		return
	}

	sort.SliceStable(f.messages, func(i, j int) bool {
		a, b := f.messages[i], f.messages[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	f.notifyLocked()
}

func (f *Feed) remove(msgID string) {
	f.mu.Lock()
	i := f.indexOf(msgID)
	if i < 0 {
		f.mu.Unlock()
		return
	}
	f.messages = append(f.messages[:i], f.messages[i+1:]...)
	f.notifyLocked()
}

func (f *Feed) indexOf(msgID string) int {
	for i, msg := range f.messages {
		if msg.ID == msgID {
			return i
		}
	}
	return -1
}

// notifyLocked releases f.mu before invoking the change callback.
func (f *Feed) notifyLocked() {
	snapshot := append([]models.ChatMessage(nil), f.messages...)
	fn := f.onChange
	f.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (f *Feed) setSubscribed(subscribed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = subscribed
}
