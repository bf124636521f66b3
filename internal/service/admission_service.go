package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/CzarSimon/httputil"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/repository"
	"go.uber.org/zap"
)

// Prometheus metrics.
var (
	admissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "The total number of admission requests and host decisions",
		},
		[]string{"decision"},
	)
)

// AdmissionService gatekeeps non-host users joining a session.
type AdmissionService struct {
	SessionRepo   repository.SessionRepository
	AdmissionRepo repository.AdmissionRepository
}

// RequestJoin asks the host of a session to admit user. Requesting again
// while pending or approved does not change the request; a denied user may
// ask again.
func (a *AdmissionService) RequestJoin(ctx context.Context, sessionID string, user models.User) (models.JoinStatus, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.AdmissionService.RequestJoin")
	defer span.Finish()

	session, err := a.findOpenSession(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.JoinStatus{}, err
	}

	if session.HostID == user.ID {
		return models.JoinStatus{Status: models.AdmissionApproved, HostReady: session.HostReady}, nil
	}

	request, err := a.AdmissionRepo.Find(ctx, sessionID, user.ID)
	if errors.Is(err, repository.ErrNotFound) {
		request = models.AdmissionRequest{
			SessionID:   sessionID,
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Status:      models.AdmissionPending,
		}
		err = a.AdmissionRepo.Save(ctx, request)
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.JoinStatus{}, err
		}
		admissionDecisionsTotal.WithLabelValues("requested").Inc()
		log.Info("admission requested", zap.String("sessionId", sessionID), zap.String("userId", user.ID))
		return joinStatus(session, request.Status), nil
	}
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.JoinStatus{}, err
	}

	if request.Status == models.AdmissionDenied {
		err = a.AdmissionRepo.SetStatus(ctx, sessionID, user.ID, models.AdmissionPending)
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.JoinStatus{}, err
		}
		admissionDecisionsTotal.WithLabelValues("requested").Inc()
		request.Status = models.AdmissionPending
	}

	span.LogFields(tracelog.Bool("success", true), tracelog.String("status", request.Status))
	return joinStatus(session, request.Status), nil
}

// JoinStatus returns the admission status of user together with the host
// readiness of the session.
func (a *AdmissionService) JoinStatus(ctx context.Context, sessionID, userID string) (models.JoinStatus, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.AdmissionService.JoinStatus")
	defer span.Finish()

	session, err := a.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.JoinStatus{}, wrapNotFound(err)
	}

	if session.HostID == userID {
		return joinStatus(session, models.AdmissionApproved), nil
	}

	request, err := a.AdmissionRepo.Find(ctx, sessionID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return joinStatus(session, models.AdmissionNone), nil
	}
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.JoinStatus{}, err
	}

	return joinStatus(session, request.Status), nil
}

// ListPending returns every pending request of a session, oldest first.
func (a *AdmissionService) ListPending(ctx context.Context, sessionID, hostID string) ([]models.AdmissionRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.AdmissionService.ListPending")
	defer span.Finish()

	_, err := a.findHostedSession(ctx, sessionID, hostID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	requests, err := a.AdmissionRepo.ListByStatus(ctx, sessionID, models.AdmissionPending)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return requests, nil
}

// Approve admits a pending user.
func (a *AdmissionService) Approve(ctx context.Context, sessionID, hostID, userID string) error {
	return a.decide(ctx, sessionID, hostID, userID, models.AdmissionApproved)
}

// Deny rejects a pending user.
func (a *AdmissionService) Deny(ctx context.Context, sessionID, hostID, userID string) error {
	return a.decide(ctx, sessionID, hostID, userID, models.AdmissionDenied)
}

// CanSignal returns nil if userID may take part in the signaling of a session.
func (a *AdmissionService) CanSignal(ctx context.Context, sessionID, userID string) error {
	status, err := a.JoinStatus(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	if status.Status != models.AdmissionApproved {
		err = fmt.Errorf("user(id=%s) is not admitted to session(id=%s)", userID, sessionID)
		return httputil.ForbiddenError(err)
	}

	return nil
}

func (a *AdmissionService) decide(ctx context.Context, sessionID, hostID, userID, decision string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.AdmissionService.decide")
	defer span.Finish()
	span.LogFields(tracelog.String("decision", decision))

	_, err := a.findHostedSession(ctx, sessionID, hostID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return err
	}

	request, err := a.AdmissionRepo.Find(ctx, sessionID, userID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return wrapNotFound(err)
	}

	if request.Status == decision {
		return nil
	}
	if request.Status != models.AdmissionPending {
		err = fmt.Errorf("cannot change %s to %s", request, decision)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return httputil.ConflictError(err)
	}

	err = a.AdmissionRepo.SetStatus(ctx, sessionID, userID, decision)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return wrapNotFound(err)
	}

	admissionDecisionsTotal.WithLabelValues(decision).Inc()
	log.Info("admission decided",
		zap.String("sessionId", sessionID),
		zap.String("userId", userID),
		zap.String("decision", decision),
	)
	span.LogFields(tracelog.Bool("success", true))
	return nil
}

func (a *AdmissionService) findOpenSession(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := a.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		return models.Session{}, wrapNotFound(err)
	}

	if session.Ended() {
		return models.Session{}, httputil.PreconditionRequiredError(fmt.Errorf("%s has ended", session))
	}

	return session, nil
}

func (a *AdmissionService) findHostedSession(ctx context.Context, sessionID, hostID string) (models.Session, error) {
	session, err := a.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		return models.Session{}, wrapNotFound(err)
	}

	if session.HostID != hostID {
		err = fmt.Errorf("user(id=%s) is not the host of %s", hostID, session)
		return models.Session{}, httputil.ForbiddenError(err)
	}

	return session, nil
}

func joinStatus(session models.Session, status string) models.JoinStatus {
	return models.JoinStatus{
		Status:    status,
		HostReady: session.HostReady,
	}
}
