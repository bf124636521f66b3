package main

import (
	"fmt"
	"net/http"

	"github.com/CzarSimon/httputil"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/interview-room/internal/models"
	"go.uber.org/zap"
)

func (e *env) createSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.createSession")
	defer span.Finish()

	var req models.CreateSessionRequest
	if !bindOptionalJSON(c, &req) {
		span.LogFields(tracelog.Bool("success", false))
		return
	}

	host := principal(c)
	host.DisplayName = req.DisplayName
	session, err := e.sessionService.GetOrCreate(ctx, req.ID, host)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, session)
}

func (e *env) getSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getSession")
	defer span.Finish()

	info, err := e.sessionService.Info(ctx, c.Param("sessionId"), principal(c))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, info)
}

func (e *env) markHostReady(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.markHostReady")
	defer span.Finish()

	session, err := e.sessionService.MarkHostReady(ctx, c.Param("sessionId"), principal(c).ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, session)
}

func (e *env) endSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.endSession")
	defer span.Finish()

	session, err := e.sessionService.MarkEnded(ctx, c.Param("sessionId"), principal(c).ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, session)
}

func (e *env) recordAttendance(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.recordAttendance")
	defer span.Finish()

	var req models.AttendanceRequest
	if !bindOptionalJSON(c, &req) {
		span.LogFields(tracelog.Bool("success", false))
		return
	}

	user := principal(c)
	user.DisplayName = req.DisplayName
	user.AvatarURL = req.AvatarURL
	participant, err := e.sessionService.RecordAttendance(ctx, c.Param("sessionId"), user)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, participant)
}

func (e *env) requestJoin(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.requestJoin")
	defer span.Finish()

	var req models.JoinRequest
	if !bindOptionalJSON(c, &req) {
		span.LogFields(tracelog.Bool("success", false))
		return
	}

	user := principal(c)
	user.DisplayName = req.DisplayName
	user.AvatarURL = req.AvatarURL
	status, err := e.admissionService.RequestJoin(ctx, c.Param("sessionId"), user)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true), tracelog.String("status", status.Status))
	c.JSON(http.StatusOK, status)
}

func (e *env) getJoinStatus(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getJoinStatus")
	defer span.Finish()

	status, err := e.admissionService.JoinStatus(ctx, c.Param("sessionId"), principal(c).ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, status)
}

func (e *env) listPendingAdmissions(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.listPendingAdmissions")
	defer span.Finish()

	requests, err := e.admissionService.ListPending(ctx, c.Param("sessionId"), principal(c).ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, requests)
}

func (e *env) approveAdmission(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.approveAdmission")
	defer span.Finish()

	err := e.admissionService.Approve(ctx, c.Param("sessionId"), principal(c).ID, c.Param("userId"))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) denyAdmission(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.denyAdmission")
	defer span.Finish()

	err := e.admissionService.Deny(ctx, c.Param("sessionId"), principal(c).ID, c.Param("userId"))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) listChatMessages(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.listChatMessages")
	defer span.Finish()

	sessionID := c.Param("sessionId")
	err := e.admissionService.CanSignal(ctx, sessionID, principal(c).ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	messages, err := e.chatService.List(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, messages)
}

func (e *env) sendChatMessage(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.sendChatMessage")
	defer span.Finish()

	var req models.SendChatRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		err = httputil.BadRequestError(fmt.Errorf("failed to parse request body: %w", err))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	sessionID := c.Param("sessionId")
	user := principal(c)
	err = e.admissionService.CanSignal(ctx, sessionID, user.ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	message, err := e.chatService.Append(ctx, sessionID, user.ID, req)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, message)
}

func (e *env) connectSignaling(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.connectSignaling")
	defer span.Finish()

	sessionID := c.Param("sessionId")
	user := principal(c)
	err := e.admissionService.CanSignal(ctx, sessionID, user.ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	err = e.signalRelay.Connect(ctx, sessionID, user.ID, c.Request, c.Writer)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		log.Warn("failed to connect signaling socket", zap.String("sessionId", sessionID), zap.Error(err))
		// A failed upgrade has already been answered by the upgrader.
		if !c.Writer.Written() {
			c.Error(httputil.ServiceUnavailableError(err))
		}
		return
	}

	span.LogFields(tracelog.Bool("success", true))
}

// bindOptionalJSON binds the request body into v if there is one.
func bindOptionalJSON(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}

	err := c.ShouldBindJSON(v)
	if err != nil {
		c.Error(httputil.BadRequestError(fmt.Errorf("failed to parse request body: %w", err)))
		return false
	}

	return true
}

func allowAnyOrigin(r *http.Request) bool {
	return true
}
