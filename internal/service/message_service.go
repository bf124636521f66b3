package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/id"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"github.com/rtcheap/interview-room/internal/repository"
	"go.uber.org/zap"
)

// Prometheus metrics.
var (
	chatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "The total number of chat messages sent",
		},
		[]string{"type"},
	)
)

const maxChatContentLength = 10000

// ChatService service to store and broadcast chat messages.
type ChatService struct {
	SessionRepo repository.SessionRepository
	ChatRepo    repository.ChatRepository
	Transport   pubsub.Transport
}

// Append stores a chat message and broadcasts it to the session. A failed
// broadcast is not an error; clients catch up by polling.
func (m *ChatService) Append(ctx context.Context, sessionID, senderID string, req models.SendChatRequest) (models.ChatMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.ChatService.Append")
	defer span.Finish()

	message, err := newChatMessage(sessionID, senderID, req)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.ChatMessage{}, err
	}

	session, err := m.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.ChatMessage{}, wrapNotFound(err)
	}
	if session.Ended() {
		err = httputil.PreconditionRequiredError(fmt.Errorf("%s has ended", session))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.ChatMessage{}, err
	}

	err = m.ChatRepo.Save(ctx, message)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.ChatMessage{}, err
	}
	chatMessagesTotal.WithLabelValues(message.Type).Inc()

	m.publish(ctx, message)
	span.LogFields(tracelog.Bool("success", true))
	return message, nil
}

// List returns the chat history of a session, oldest first.
func (m *ChatService) List(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.ChatService.List")
	defer span.Finish()

	_, err := m.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, wrapNotFound(err)
	}

	messages, err := m.ChatRepo.List(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return messages, nil
}

func (m *ChatService) publish(ctx context.Context, message models.ChatMessage) {
	if m.Transport == nil {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Error("failed to serialize chat message", zap.Stringer("message", message), zap.Error(err))
		return
	}

	err = m.Transport.Publish(ctx, pubsub.ChatTopic(message.SessionID), data)
	if err != nil {
		log.Warn("failed to broadcast chat message", zap.Stringer("message", message), zap.Error(err))
	}
}

func newChatMessage(sessionID, senderID string, req models.SendChatRequest) (models.ChatMessage, error) {
	if strings.TrimSpace(req.Content) == "" {
		return models.ChatMessage{}, httputil.BadRequestError(errors.New("chat message content is empty"))
	}
	if len(req.Content) > maxChatContentLength {
		err := fmt.Errorf("chat message content exceeds %d bytes", maxChatContentLength)
		return models.ChatMessage{}, httputil.BadRequestError(err)
	}

	msgType := req.Type
	switch msgType {
	case "":
		msgType = models.ChatTypeText
	case models.ChatTypeText, models.ChatTypeCode, models.ChatTypeSystem:
	default:
		return models.ChatMessage{}, httputil.BadRequestError(fmt.Errorf("unknown chat message type %q", req.Type))
	}

	msgID := req.ID
	if msgID == "" {
		msgID = id.New()
	}

	return models.ChatMessage{
		ID:        msgID,
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   req.Content,
		Type:      msgType,
		CreatedAt: time.Now().UTC(),
	}, nil
}
