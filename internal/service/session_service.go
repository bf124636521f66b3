package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/CzarSimon/httputil/logger"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/dto"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/repository"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/service")

const relayCredentialTTL = 12 * time.Hour

// SessionService service to manage the lifecycle of interview sessions.
type SessionService struct {
	Issuer          jwt.Issuer
	STUNServers     []string
	AssignRelay     bool
	TurnRPCProtocol string
	RelayPort       int
	SessionRepo     repository.SessionRepository
	RegistryClient  serviceregistry.Client
	TurnClient      turnserver.Client
}

// GetOrCreate returns the session with the given id, creating it with host as
// its owner if it does not exist. An empty id creates a session with a new id.
func (s *SessionService) GetOrCreate(ctx context.Context, sessionID string, host models.User) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.GetOrCreate")
	defer span.Finish()

	if sessionID != "" {
		session, err := s.SessionRepo.Find(ctx, sessionID)
		if err == nil {
			if session.HostID != host.ID {
				err = fmt.Errorf("user(id=%s) is not the host of %s", host.ID, session)
				span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
				return models.Session{}, httputil.ForbiddenError(err)
			}
			span.LogFields(tracelog.Bool("created", false))
			return session, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.Session{}, err
		}
	} else {
		sessionID = id.New()
	}

	session := models.Session{
		ID:     sessionID,
		HostID: host.ID,
		Status: models.StatusCreated,
	}

	if s.AssignRelay {
		relay, err := s.assignSessionToTurnServer(ctx)
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.Session{}, err
		}
		session.RelayServer = relay
	}

	err := s.SessionRepo.Save(ctx, session)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Session{}, err
	}

	log.Info("session created", zap.String("sessionId", session.ID), zap.String("hostId", host.ID), zap.String("relayServer", session.RelayServer))
	span.LogFields(tracelog.Bool("created", true))
	return s.Get(ctx, session.ID)
}

// Get returns a session and its attendance records.
func (s *SessionService) Get(ctx context.Context, sessionID string) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Get")
	defer span.Finish()

	session, err := s.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.Session{}, wrapNotFound(err)
	}

	return session, nil
}

// Info returns a session together with the ICE servers user should use to
// reach the other participant.
func (s *SessionService) Info(ctx context.Context, sessionID string, user models.User) (models.SessionInfo, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Info")
	defer span.Finish()

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.SessionInfo{}, err
	}

	servers, err := s.iceServers(session, user)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.SessionInfo{}, err
	}

	return models.SessionInfo{
		Session:    session,
		ICEServers: servers,
	}, nil
}

// MarkHostReady records that the host has prepared its peer connection.
func (s *SessionService) MarkHostReady(ctx context.Context, sessionID, hostID string) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.MarkHostReady")
	defer span.Finish()

	session, err := s.findOwned(ctx, sessionID, hostID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Session{}, err
	}
	if session.Ended() {
		err = httputil.PreconditionRequiredError(fmt.Errorf("%s has ended", session))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Session{}, err
	}

	status := session.Status
	if status == models.StatusCreated {
		status = models.StatusHostReady
	}

	err = s.SessionRepo.UpdateStatus(ctx, sessionID, status, true)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Session{}, wrapNotFound(err)
	}

	span.LogFields(tracelog.Bool("success", true))
	return s.Get(ctx, sessionID)
}

// MarkEnded ends a session. Ending an ended session is a no-op.
func (s *SessionService) MarkEnded(ctx context.Context, sessionID, hostID string) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.MarkEnded")
	defer span.Finish()

	session, err := s.findOwned(ctx, sessionID, hostID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Session{}, err
	}
	if session.Ended() {
		return session, nil
	}

	err = s.SessionRepo.UpdateStatus(ctx, sessionID, models.StatusEnded, false)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Session{}, wrapNotFound(err)
	}

	log.Info("session ended", zap.String("sessionId", sessionID))
	span.LogFields(tracelog.Bool("success", true))
	return s.Get(ctx, sessionID)
}

// RecordAttendance stores an attendance record for user. The first non-host
// attendance of a ready session makes it active.
func (s *SessionService) RecordAttendance(ctx context.Context, sessionID string, user models.User) (models.Participant, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.RecordAttendance")
	defer span.Finish()

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Participant{}, err
	}
	if session.Ended() {
		err = httputil.PreconditionRequiredError(fmt.Errorf("%s has ended", session))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Participant{}, err
	}

	role := models.RoleParticipant
	if user.ID == session.HostID {
		role = models.RoleHost
	}

	participant := models.Participant{
		ID:          id.New(),
		UserID:      user.ID,
		SessionID:   sessionID,
		DisplayName: user.DisplayName,
		Role:        role,
		AvatarURL:   user.AvatarURL,
	}

	err = s.SessionRepo.SaveParticipant(ctx, participant)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Participant{}, err
	}

	if !participant.IsHost() && session.Status == models.StatusHostReady {
		err = s.SessionRepo.UpdateStatus(ctx, sessionID, models.StatusActive, session.HostReady)
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.Participant{}, err
		}
		log.Info("session active", zap.String("sessionId", sessionID))
	}

	span.LogFields(tracelog.Bool("success", true))
	return participant, nil
}

func (s *SessionService) findOwned(ctx context.Context, sessionID, userID string) (models.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}

	if session.HostID != userID {
		err = fmt.Errorf("user(id=%s) is not the host of %s", userID, session)
		return models.Session{}, httputil.ForbiddenError(err)
	}

	return session, nil
}

func (s *SessionService) iceServers(session models.Session, user models.User) ([]models.ICEServer, error) {
	servers := make([]models.ICEServer, 0, 2)
	if len(s.STUNServers) > 0 {
		servers = append(servers, models.ICEServer{URLs: s.STUNServers})
	}

	if session.RelayServer == "" {
		return servers, nil
	}

	relay := models.ICEServer{
		URLs: []string{
			"turn:" + session.RelayServer,
			"stun:" + session.RelayServer,
		},
		Username: user.ID,
	}

	if s.Issuer != nil {
		token, err := s.Issuer.Issue(jwt.User{
			ID:    user.ID,
			Roles: []string{session.ID},
		}, relayCredentialTTL)
		if err != nil {
			return nil, httputil.InternalServerError(fmt.Errorf("failed to issue relay credential: %w", err))
		}
		relay.Credential = token
	}

	return append(servers, relay), nil
}

func (s *SessionService) assignSessionToTurnServer(ctx context.Context) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.assignSessionToTurnServer")
	defer span.Finish()

	services, err := s.RegistryClient.FindByApplication(ctx, "turn-server", true)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", httputil.BadGatewayError(err)
	}

	best, err := s.findBestTurnServer(ctx, services)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", err
	}

	span.LogFields(tracelog.Bool("success", true))
	return fmt.Sprintf("%s:%d", best.Location, s.RelayPort), nil
}

func (s *SessionService) findBestTurnServer(ctx context.Context, services []dto.Service) (dto.Service, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.findBestTurnServer")
	defer span.Finish()

	connections := make([]uint64, len(services))
	wg := sync.WaitGroup{}

	for i := range services {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			svc := services[idx]
			url := fmt.Sprintf("%s://%s:%d", s.TurnRPCProtocol, svc.Location, svc.Port)
			stats, err := s.TurnClient.GetStatistics(ctx, url)
			if err != nil {
				log.Warn("failed to gather statistics from "+url, zap.Error(err))
				connections[idx] = math.MaxUint64
				return
			}
			connections[idx] = stats.InProgress()
		}(i)
	}
	wg.Wait()

	var best dto.Service
	var least uint64 = math.MaxUint64
	for i, conns := range connections {
		if conns < least {
			least = conns
			best = services[i]
		}
	}

	if best.ID == "" {
		err := httputil.ServiceUnavailableError(errors.New("no turn-server available"))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return dto.Service{}, err
	}

	span.LogFields(tracelog.Bool("success", true), tracelog.String("turnServer", best.ID))
	return best, nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return httputil.NotFoundError(err)
	}
	return err
}
