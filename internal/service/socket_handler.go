package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"go.uber.org/zap"
)

// Prometheus metrics.
var (
	signalsRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_relayed_total",
			Help: "The total number of signaling messages relayed from websocket clients",
		},
		[]string{"type"},
	)
	signalSocketsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_sockets_active",
			Help: "The number of connected signaling websockets",
		},
	)
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// SignalRelay bridges signaling websockets to the session signaling topic.
// Every envelope read from a socket is stamped with the authenticated user
// before it is published; every envelope on the topic is written to every
// socket of the session, the sender's own included.
type SignalRelay struct {
	upgrader  *websocket.Upgrader
	transport pubsub.Transport
}

// NewSignalRelay creates a new SignalRelay. checkOrigin may be nil.
func NewSignalRelay(transport pubsub.Transport, checkOrigin func(r *http.Request) bool) *SignalRelay {
	return &SignalRelay{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		transport: transport,
	}
}

// Connect upgrades the request to a websocket and relays it until either side closes.
func (h *SignalRelay) Connect(ctx context.Context, sessionID, userID string, r *http.Request, w http.ResponseWriter) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SignalRelay.Connect")
	defer span.Finish()

	sub, err := h.transport.Subscribe(ctx, pubsub.SignalTopic(sessionID))
	if err != nil {
		err = fmt.Errorf("failed to subscribe to signaling of session(id=%s): %w", sessionID, err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		err = fmt.Errorf("failed to upgrade connection to a websocket %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	c := &socketClient{
		sessionID: sessionID,
		userID:    userID,
		ws:        ws,
		sub:       sub,
		transport: h.transport,
		done:      make(chan struct{}),
	}
	signalSocketsActive.Inc()
	log.Info("signaling socket connected", c.fields()...)

	go c.writePump()
	go c.readPump()
	return nil
}

type socketClient struct {
	sessionID string
	userID    string
	ws        *websocket.Conn
	sub       pubsub.Subscription
	transport pubsub.Transport
	done      chan struct{}
	once      sync.Once
}

func (c *socketClient) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("signaling socket closed unexpectedly", c.fields(zap.Error(err))...)
			}
			return
		}

		var msg models.SignalingMessage
		err = json.Unmarshal(data, &msg)
		if err != nil || msg.Type == "" {
			log.Warn("dropping undecodable signaling message", c.fields(zap.Error(err))...)
			continue
		}

		msg.From = c.userID
		c.publish(msg)
	}
}

// writePump owns every write to the socket and closes it on exit.
func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		c.closeSocket()
	}()

	for {
		select {
		case data, ok := <-c.sub.Messages():
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				log.Warn("failed to send message", c.fields(zap.Error(err))...)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *socketClient) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *socketClient) publish(msg models.SignalingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to serialize signaling message", c.fields(zap.Error(err))...)
		return
	}

	err = c.transport.Publish(context.Background(), pubsub.SignalTopic(c.sessionID), data)
	if err != nil {
		log.Warn("failed to relay signaling message", c.fields(zap.Stringer("message", msg), zap.Error(err))...)
		return
	}
	signalsRelayedTotal.WithLabelValues(msg.Type).Inc()
}

// shutdown stops relaying once. A socket that disappears without saying
// goodbye is announced as user-left on its behalf.
func (c *socketClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.publish(models.SignalingMessage{Type: models.TypeUserLeft, From: c.userID})

		err := c.sub.Close()
		if err != nil {
			log.Warn("failed to close signaling subscription", c.fields(zap.Error(err))...)
		}
	})
}

func (c *socketClient) closeSocket() {
	err := c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		log.Debug("failed to send close frame", c.fields(zap.Error(err))...)
	}

	err = c.ws.Close()
	if err != nil {
		log.Warn("failed to close websocket connection", c.fields(zap.Error(err))...)
	}

	signalSocketsActive.Dec()
	log.Info("signaling socket disconnected", c.fields()...)
}

func (c *socketClient) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("sessionId", c.sessionID),
		zap.String("userId", c.userID),
	}, extra...)
}
