package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/rtcheap/interview-room/internal/pubsub"
	"github.com/stretchr/testify/assert"
)

func TestMemoryTransport_Broadcast(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	transport := pubsub.NewMemoryTransport()
	defer transport.Close()

	topic := pubsub.SignalTopic("ABC123")
	first, err := transport.Subscribe(ctx, topic)
	assert.NoError(err)
	second, err := transport.Subscribe(ctx, topic)
	assert.NoError(err)
	other, err := transport.Subscribe(ctx, pubsub.SignalTopic("XYZ"))
	assert.NoError(err)

	err = transport.Publish(ctx, topic, []byte("hello"))
	assert.NoError(err)

	assert.Equal("hello", string(receive(t, first)))
	assert.Equal("hello", string(receive(t, second)))

	select {
	case <-other.Messages():
		t.Fatal("message leaked to another topic")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryTransport_CloseSubscription(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	transport := pubsub.NewMemoryTransport()

	sub, err := transport.Subscribe(ctx, pubsub.ChatTopic("ABC123"))
	assert.NoError(err)

	assert.NoError(sub.Close())
	assert.NoError(sub.Close())
	_, ok := <-sub.Messages()
	assert.False(ok)

	assert.NoError(transport.Publish(ctx, pubsub.ChatTopic("ABC123"), []byte("nobody listens")))

	assert.NoError(transport.Close())
	err = transport.Publish(ctx, pubsub.ChatTopic("ABC123"), []byte("closed"))
	assert.ErrorIs(err, pubsub.ErrClosed)
	_, err = transport.Subscribe(ctx, pubsub.ChatTopic("ABC123"))
	assert.ErrorIs(err, pubsub.ErrClosed)
}

func TestTopics(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("session:ABC123:signal", pubsub.SignalTopic("ABC123"))
	assert.Equal("session:ABC123:chat", pubsub.ChatTopic("ABC123"))
}

func receive(t *testing.T, sub pubsub.Subscription) []byte {
	select {
	case data := <-sub.Messages():
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
