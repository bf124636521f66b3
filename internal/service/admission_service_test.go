package service_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/rtcheap/interview-room/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestRequestJoin(t *testing.T) {
	assert := assert.New(t)
	s := createServices()
	defer s.db.Close()
	ctx := context.Background()

	_, err := s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.Equal(http.StatusNotFound, statusOf(err))

	_, err = s.sessions.GetOrCreate(ctx, "ABC123", hostUser)
	assert.NoError(err)

	status, err := s.admissions.JoinStatus(ctx, "ABC123", guestUser.ID)
	assert.NoError(err)
	assert.Equal(models.AdmissionNone, status.Status)

	status, err = s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.NoError(err)
	assert.Equal(models.AdmissionPending, status.Status)
	assert.False(status.HostReady)
	assert.False(status.Admitted())

	again, err := s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.NoError(err)
	assert.Equal(models.AdmissionPending, again.Status)

	pending, err := s.admissions.ListPending(ctx, "ABC123", hostUser.ID)
	assert.NoError(err)
	assert.Len(pending, 1)
	assert.Equal(guestUser.ID, pending[0].UserID)
	assert.Equal(guestUser.DisplayName, pending[0].DisplayName)

	hostStatus, err := s.admissions.RequestJoin(ctx, "ABC123", hostUser)
	assert.NoError(err)
	assert.Equal(models.AdmissionApproved, hostStatus.Status)
}

func TestApproveRequiresHostReady(t *testing.T) {
	assert := assert.New(t)
	s := createServices()
	defer s.db.Close()
	ctx := context.Background()

	_, err := s.sessions.GetOrCreate(ctx, "ABC123", hostUser)
	assert.NoError(err)
	_, err = s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.NoError(err)

	err = s.admissions.Approve(ctx, "ABC123", guestUser.ID, guestUser.ID)
	assert.Equal(http.StatusForbidden, statusOf(err))

	err = s.admissions.Approve(ctx, "ABC123", hostUser.ID, guestUser.ID)
	assert.NoError(err)

	status, err := s.admissions.JoinStatus(ctx, "ABC123", guestUser.ID)
	assert.NoError(err)
	assert.Equal(models.AdmissionApproved, status.Status)
	assert.False(status.Admitted())

	_, err = s.sessions.MarkHostReady(ctx, "ABC123", hostUser.ID)
	assert.NoError(err)

	status, err = s.admissions.JoinStatus(ctx, "ABC123", guestUser.ID)
	assert.NoError(err)
	assert.True(status.Admitted())

	err = s.admissions.Approve(ctx, "ABC123", hostUser.ID, guestUser.ID)
	assert.NoError(err)

	err = s.admissions.Deny(ctx, "ABC123", hostUser.ID, guestUser.ID)
	assert.Equal(http.StatusConflict, statusOf(err))

	pending, err := s.admissions.ListPending(ctx, "ABC123", hostUser.ID)
	assert.NoError(err)
	assert.Len(pending, 0)
}

func TestDenyAndRequestAgain(t *testing.T) {
	assert := assert.New(t)
	s := createServices()
	defer s.db.Close()
	ctx := context.Background()

	_, err := s.sessions.GetOrCreate(ctx, "ABC123", hostUser)
	assert.NoError(err)
	_, err = s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.NoError(err)

	err = s.admissions.Deny(ctx, "ABC123", hostUser.ID, "nobody")
	assert.Equal(http.StatusNotFound, statusOf(err))

	err = s.admissions.Deny(ctx, "ABC123", hostUser.ID, guestUser.ID)
	assert.NoError(err)

	status, err := s.admissions.JoinStatus(ctx, "ABC123", guestUser.ID)
	assert.NoError(err)
	assert.Equal(models.AdmissionDenied, status.Status)

	err = s.admissions.CanSignal(ctx, "ABC123", guestUser.ID)
	assert.Equal(http.StatusForbidden, statusOf(err))

	status, err = s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.NoError(err)
	assert.Equal(models.AdmissionPending, status.Status)

	pending, err := s.admissions.ListPending(ctx, "ABC123", hostUser.ID)
	assert.NoError(err)
	assert.Len(pending, 1)
}

func TestCanSignal(t *testing.T) {
	assert := assert.New(t)
	s := createServices()
	defer s.db.Close()
	ctx := context.Background()

	_, err := s.sessions.GetOrCreate(ctx, "ABC123", hostUser)
	assert.NoError(err)

	assert.NoError(s.admissions.CanSignal(ctx, "ABC123", hostUser.ID))
	assert.Equal(http.StatusForbidden, statusOf(s.admissions.CanSignal(ctx, "ABC123", guestUser.ID)))
	assert.Equal(http.StatusNotFound, statusOf(s.admissions.CanSignal(ctx, "missing", hostUser.ID)))

	_, err = s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.NoError(err)
	assert.Equal(http.StatusForbidden, statusOf(s.admissions.CanSignal(ctx, "ABC123", guestUser.ID)))

	err = s.admissions.Approve(ctx, "ABC123", hostUser.ID, guestUser.ID)
	assert.NoError(err)
	assert.NoError(s.admissions.CanSignal(ctx, "ABC123", guestUser.ID))
}

func TestRequestJoin_EndedSession(t *testing.T) {
	assert := assert.New(t)
	s := createServices()
	defer s.db.Close()
	ctx := context.Background()

	_, err := s.sessions.GetOrCreate(ctx, "ABC123", hostUser)
	assert.NoError(err)
	_, err = s.sessions.MarkEnded(ctx, "ABC123", hostUser.ID)
	assert.NoError(err)

	_, err = s.admissions.RequestJoin(ctx, "ABC123", guestUser)
	assert.Equal(http.StatusPreconditionRequired, statusOf(err))
}
