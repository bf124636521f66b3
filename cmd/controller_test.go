package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/opentracing/opentracing-go"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const (
	hostID  = "host-1"
	guestID = "guest-1"
)

func TestAuthentication(t *testing.T) {
	assert := assert.New(t)
	e := createTestEnv()
	defer e.close()
	server := newServer(e)

	req := createTestRequest("/v1/sessions", http.MethodPost, "", nil)
	res := performTestRequest(server.Handler, req)
	assert.Equal(http.StatusUnauthorized, res.Code)

	req = createTestRequest("/v1/sessions", http.MethodPost, "", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(hostID, jwt.SystemRole))
	res = performTestRequest(server.Handler, req)
	assert.Equal(http.StatusForbidden, res.Code)

	req = createTestRequest("/v1/sessions/ABC123/signal?token=not-a-token", http.MethodGet, "", nil)
	res = performTestRequest(server.Handler, req)
	assert.Equal(http.StatusUnauthorized, res.Code)

	req = createTestRequest("/v1/sessions", http.MethodPost, hostID, nil)
	res = performTestRequest(server.Handler, req)
	assert.Equal(http.StatusOK, res.Code)
}

func TestOriginFilter(t *testing.T) {
	assert := assert.New(t)
	e := createTestEnv()
	defer e.close()
	server := newServer(e)

	req := createTestRequest("/v1/sessions", http.MethodOptions, "", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	res := performTestRequest(server.Handler, req)
	assert.Equal(http.StatusNoContent, res.Code)
	assert.Equal("http://localhost:3000", res.Header().Get("Access-Control-Allow-Origin"))

	req = createTestRequest("/v1/sessions", http.MethodPost, hostID, nil)
	req.Header.Set("Origin", "https://evil.example")
	res = performTestRequest(server.Handler, req)
	assert.Equal(http.StatusForbidden, res.Code)
	assert.Empty(res.Header().Get("Access-Control-Allow-Origin"))
}

func TestSessionAndAdmissionFlow(t *testing.T) {
	assert := assert.New(t)
	e := createTestEnv()
	defer e.close()
	server := newServer(e)

	var session models.Session
	res := do(server.Handler, http.MethodPost, "/v1/sessions", hostID, models.CreateSessionRequest{ID: "ABC123", DisplayName: "Ada"}, &session)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal("ABC123", session.ID)
	assert.Equal(hostID, session.HostID)
	assert.Equal(models.StatusCreated, session.Status)

	res = do(server.Handler, http.MethodPost, "/v1/sessions", guestID, models.CreateSessionRequest{ID: "ABC123"}, nil)
	assert.Equal(http.StatusForbidden, res.Code)

	var status models.JoinStatus
	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123/admissions/me", guestID, nil, &status)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal(models.AdmissionNone, status.Status)

	res = do(server.Handler, http.MethodPost, "/v1/sessions/ABC123/admissions", guestID, models.JoinRequest{DisplayName: "Grace"}, &status)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal(models.AdmissionPending, status.Status)

	var pending []models.AdmissionRequest
	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123/admissions", hostID, nil, &pending)
	assert.Equal(http.StatusOK, res.Code)
	assert.Len(pending, 1)
	assert.Equal(guestID, pending[0].UserID)
	assert.Equal("Grace", pending[0].DisplayName)

	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123/admissions", guestID, nil, nil)
	assert.Equal(http.StatusForbidden, res.Code)

	res = do(server.Handler, http.MethodPut, "/v1/sessions/ABC123/admissions/"+guestID+"/approve", guestID, nil, nil)
	assert.Equal(http.StatusForbidden, res.Code)

	res = do(server.Handler, http.MethodPut, "/v1/sessions/ABC123/admissions/"+guestID+"/approve", hostID, nil, nil)
	assert.Equal(http.StatusOK, res.Code)

	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123/admissions/me", guestID, nil, &status)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal(models.AdmissionApproved, status.Status)
	assert.False(status.HostReady)

	res = do(server.Handler, http.MethodPut, "/v1/sessions/ABC123/admissions/"+guestID+"/deny", hostID, nil, nil)
	assert.Equal(http.StatusConflict, res.Code)

	res = do(server.Handler, http.MethodPut, "/v1/sessions/ABC123/ready", hostID, nil, &session)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal(models.StatusHostReady, session.Status)
	assert.True(session.HostReady)

	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123/admissions/me", guestID, nil, &status)
	assert.Equal(http.StatusOK, res.Code)
	assert.True(status.Admitted())

	var participant models.Participant
	res = do(server.Handler, http.MethodPost, "/v1/sessions/ABC123/attendance", guestID, models.AttendanceRequest{DisplayName: "Grace"}, &participant)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal(guestID, participant.UserID)
	assert.Equal(models.RoleParticipant, participant.Role)

	var info models.SessionInfo
	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123", guestID, nil, &info)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal(models.StatusActive, info.Session.Status)
	assert.Len(info.Session.Participants, 1)
	assert.Len(info.ICEServers, 1)
	assert.Equal([]string{"stun:stun.l.google.com:19302"}, info.ICEServers[0].URLs)

	res = do(server.Handler, http.MethodPut, "/v1/sessions/ABC123/end", guestID, nil, nil)
	assert.Equal(http.StatusForbidden, res.Code)

	res = do(server.Handler, http.MethodPut, "/v1/sessions/ABC123/end", hostID, nil, &session)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal(models.StatusEnded, session.Status)

	res = do(server.Handler, http.MethodPost, "/v1/sessions/ABC123/admissions", "late-guest", nil, nil)
	assert.Equal(http.StatusPreconditionRequired, res.Code)

	res = do(server.Handler, http.MethodGet, "/v1/sessions/missing", guestID, nil, nil)
	assert.Equal(http.StatusNotFound, res.Code)
}

func TestChatMessages(t *testing.T) {
	assert := assert.New(t)
	e := createTestEnv()
	defer e.close()
	server := newServer(e)

	res := do(server.Handler, http.MethodPost, "/v1/sessions", hostID, models.CreateSessionRequest{ID: "ABC123"}, nil)
	assert.Equal(http.StatusOK, res.Code)

	res = do(server.Handler, http.MethodPost, "/v1/sessions/ABC123/messages", guestID, models.SendChatRequest{Content: "hi"}, nil)
	assert.Equal(http.StatusForbidden, res.Code)
	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123/messages", guestID, nil, nil)
	assert.Equal(http.StatusForbidden, res.Code)

	admit(t, server.Handler, "ABC123", guestID)

	var sent models.ChatMessage
	res = do(server.Handler, http.MethodPost, "/v1/sessions/ABC123/messages", guestID, models.SendChatRequest{ID: "m-1", Content: "hi"}, &sent)
	assert.Equal(http.StatusOK, res.Code)
	assert.Equal("m-1", sent.ID)
	assert.Equal(guestID, sent.SenderID)
	assert.Equal(models.ChatTypeText, sent.Type)

	res = do(server.Handler, http.MethodPost, "/v1/sessions/ABC123/messages", hostID, models.SendChatRequest{Content: ""}, nil)
	assert.Equal(http.StatusBadRequest, res.Code)

	var messages []models.ChatMessage
	res = do(server.Handler, http.MethodGet, "/v1/sessions/ABC123/messages", hostID, nil, &messages)
	assert.Equal(http.StatusOK, res.Code)
	assert.Len(messages, 1)
	assert.Equal("hi", messages[0].Content)
}

func TestSignalRelay(t *testing.T) {
	assert := assert.New(t)
	e := createTestEnv()
	defer e.close()
	srv := httptest.NewServer(newServer(e).Handler)
	defer srv.Close()

	res := do(srv.Config.Handler, http.MethodPost, "/v1/sessions", hostID, models.CreateSessionRequest{ID: "ABC123"}, nil)
	assert.Equal(http.StatusOK, res.Code)

	hostConn, dialRes, err := websocket.DefaultDialer.Dial(signalURL(srv, "ABC123", hostID), nil)
	assert.NoError(err)
	if err != nil {
		return
	}
	defer hostConn.Close()
	assert.Equal(http.StatusSwitchingProtocols, dialRes.StatusCode)

	_, dialRes, err = websocket.DefaultDialer.Dial(signalURL(srv, "ABC123", guestID), nil)
	assert.Error(err)
	if assert.NotNil(dialRes) {
		assert.Equal(http.StatusForbidden, dialRes.StatusCode)
	}

	admit(t, srv.Config.Handler, "ABC123", guestID)
	guestConn, _, err := websocket.DefaultDialer.Dial(signalURL(srv, "ABC123", guestID), nil)
	assert.NoError(err)
	if err != nil {
		return
	}

	offer := models.SignalingMessage{
		Type: models.TypeOffer,
		From: "spoofed",
		To:   hostID,
		Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	assert.NoError(guestConn.WriteJSON(offer))

	received := readSignal(t, hostConn)
	assert.Equal(models.TypeOffer, received.Type)
	assert.Equal(guestID, received.From)
	assert.Equal(hostID, received.To)
	assert.JSONEq(`{"type":"offer","sdp":"v=0"}`, string(received.Data))

	guestConn.Close()
	left := readSignal(t, hostConn)
	assert.Equal(models.TypeUserLeft, left.Type)
	assert.Equal(guestID, left.From)
}

func TestEnvClose(t *testing.T) {
	assert := assert.New(t)
	e := createTestEnv()
	assert.NoError(e.checkHealth())

	var count int
	err := e.db.QueryRow("SELECT COUNT(*) FROM session").Scan(&count)
	assert.NoError(err)
	assert.Equal(0, count)

	e.close()
	err = e.transport.Publish(context.Background(), pubsub.SignalTopic("ABC123"), []byte("{}"))
	assert.ErrorIs(err, pubsub.ErrClosed)
	assert.Error(e.checkHealth())
}

// ---- Test utils ----

func createTestEnv() *env {
	cfg := config{
		port:           "34547",
		db:             dbutil.SqliteConfig{},
		transport:      transportMemory,
		stunServers:    []string{"stun:stun.l.google.com:19302"},
		allowedOrigins: []string{"http://localhost:3000"},
		turn: turnConfig{
			udpPort:     3478,
			rpcProtocol: "http",
		},
		migrationsPath: "../resources/db/sqlite",
		jwtCredentials: getTestJWTCredentials(),
	}

	db := dbutil.MustConnect(cfg.db)
	db.SetMaxOpenConns(1)

	_, err := db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		log.Panic("Failed to enable foreign_keys", zap.Error(err))
	}

	err = dbutil.Downgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Panic("Failed to apply downgrade migratons", zap.Error(err))
	}

	err = dbutil.Upgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Panic("Failed to apply upgrade migratons", zap.Error(err))
	}

	return newEnv(cfg, db, pubsub.NewMemoryTransport())
}

// admit makes userID an approved participant of a session hosted by hostID.
func admit(t *testing.T, handler http.Handler, sessionID, userID string) {
	t.Helper()
	res := do(handler, http.MethodPost, "/v1/sessions/"+sessionID+"/admissions", userID, nil, nil)
	assert.Equal(t, http.StatusOK, res.Code)
	res = do(handler, http.MethodPut, fmt.Sprintf("/v1/sessions/%s/admissions/%s/approve", sessionID, userID), hostID, nil, nil)
	assert.Equal(t, http.StatusOK, res.Code)
}

func do(handler http.Handler, method, route, userID string, body, out interface{}) *httptest.ResponseRecorder {
	req := createTestRequest(route, method, userID, body)
	res := performTestRequest(handler, req)
	if out != nil && res.Code == http.StatusOK {
		err := rpc.DecodeJSON(res.Result(), out)
		if err != nil {
			log.Panic("Failed to decode response", zap.Error(err))
		}
	}
	return res
}

func readSignal(t *testing.T, conn *websocket.Conn) models.SignalingMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.SignalingMessage
	err := conn.ReadJSON(&msg)
	assert.NoError(t, err)
	return msg
}

func signalURL(srv *httptest.Server, sessionID, userID string) string {
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	return fmt.Sprintf("%s/v1/sessions/%s/signal?token=%s", base, sessionID, issueToken(userID, userRole))
}

func performTestRequest(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createTestRequest(route, method, userID string, body interface{}) *http.Request {
	client := rpc.NewClient(time.Second)
	req, err := client.CreateRequest(method, route, body)
	if err != nil {
		log.Fatal("Failed to create request", zap.Error(err))
	}

	span := opentracing.StartSpan(fmt.Sprintf("%s.%s", method, route))
	opentracing.GlobalTracer().Inject(
		span.Context(),
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(req.Header),
	)

	if userID == "" {
		return req
	}

	req.Header.Add("Authorization", "Bearer "+issueToken(userID, userRole))
	return req
}

func issueToken(userID, role string) string {
	issuer := jwt.NewIssuer(getTestJWTCredentials())
	token, err := issuer.Issue(jwt.User{
		ID:    userID,
		Roles: []string{role},
	}, time.Hour)
	if err != nil {
		log.Fatal("Failed to issue token", zap.Error(err))
	}
	return token
}

func getTestJWTCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: "interview-room-test",
		Secret: "very-secret-secret",
	}
}
