package main

import (
	"net/http"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/CzarSimon/httputil/logger"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/main")

const userRole = "USER"

func main() {
	e := setupEnv()
	defer e.close()

	server := newServer(e)
	log.Info("Started interview-room listening on port: " + e.cfg.port)

	err := server.ListenAndServe()
	if err != nil {
		log.Error("Unexpected error stoped server.", zap.Error(err))
	}
}

func newServer(e *env) *http.Server {
	r := httputil.NewRouter("interview-room", e.checkHealth)
	r.Use(originFilter(e.cfg.allowedOrigins))

	auth := authenticate(jwt.NewVerifier(e.cfg.jwtCredentials, time.Minute), userRole)
	sessions := r.Group("/v1/sessions", auth)
	sessions.POST("", e.createSession)
	sessions.GET("/:sessionId", e.getSession)
	sessions.PUT("/:sessionId/ready", e.markHostReady)
	sessions.PUT("/:sessionId/end", e.endSession)
	sessions.POST("/:sessionId/attendance", e.recordAttendance)

	sessions.POST("/:sessionId/admissions", e.requestJoin)
	sessions.GET("/:sessionId/admissions", e.listPendingAdmissions)
	sessions.GET("/:sessionId/admissions/me", e.getJoinStatus)
	sessions.PUT("/:sessionId/admissions/:userId/approve", e.approveAdmission)
	sessions.PUT("/:sessionId/admissions/:userId/deny", e.denyAdmission)

	sessions.GET("/:sessionId/messages", e.listChatMessages)
	sessions.POST("/:sessionId/messages", e.sendChatMessage)

	sessions.GET("/:sessionId/signal", e.connectSignaling)

	return &http.Server{
		Addr:    ":" + e.cfg.port,
		Handler: r,
	}
}
