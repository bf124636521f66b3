package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/interview-room/internal/models"
)

// AdmissionRepository persistance interface for admission requests.
type AdmissionRepository interface {
	Find(ctx context.Context, sessionID, userID string) (models.AdmissionRequest, error)
	Save(ctx context.Context, request models.AdmissionRequest) error
	SetStatus(ctx context.Context, sessionID, userID, status string) error
	ListByStatus(ctx context.Context, sessionID, status string) ([]models.AdmissionRequest, error)
}

// NewAdmissionRepository creates a new SQL AdmissionRepository.
func NewAdmissionRepository(db *sql.DB) AdmissionRepository {
	return &admissionRepo{
		db: db,
	}
}

type admissionRepo struct {
	db *sql.DB
}

const findAdmissionQuery = `
	SELECT
		session_id,
		user_id,
		display_name,
		avatar_url,
		status,
		created_at,
		updated_at
	FROM admission_request
	WHERE
		session_id = ?
		AND user_id = ?`

func (r *admissionRepo) Find(ctx context.Context, sessionID, userID string) (models.AdmissionRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "admission_repo_find")
	defer span.Finish()

	var a models.AdmissionRequest
	err := r.db.QueryRowContext(ctx, findAdmissionQuery, sessionID, userID).Scan(
		&a.SessionID, &a.UserID, &a.DisplayName, &a.AvatarURL, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AdmissionRequest{}, fmt.Errorf("admission_request(sessionId=%s, userId=%s) %w", sessionID, userID, ErrNotFound)
	}
	if err != nil {
		err = fmt.Errorf("failed to query database. %w", err)
		span.LogFields(tracelog.Error(err))
		return models.AdmissionRequest{}, err
	}

	return a, nil
}

const insertAdmissionQuery = `
	INSERT INTO admission_request(
			session_id,
			user_id,
			display_name,
			avatar_url,
			status,
			created_at,
			updated_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?)`

func (r *admissionRepo) Save(ctx context.Context, a models.AdmissionRequest) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "admission_repo_save")
	defer span.Finish()

	now := getNow()
	_, err := r.db.ExecContext(ctx, insertAdmissionQuery, a.SessionID, a.UserID, a.DisplayName, a.AvatarURL, a.Status, now, now)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const updateAdmissionStatusQuery = `
	UPDATE admission_request
	SET
		status = ?,
		updated_at = ?
	WHERE
		session_id = ?
		AND user_id = ?`

func (r *admissionRepo) SetStatus(ctx context.Context, sessionID, userID, status string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "admission_repo_set_status")
	defer span.Finish()

	res, err := r.db.ExecContext(ctx, updateAdmissionStatusQuery, status, getNow(), sessionID, userID)
	if err != nil {
		err = fmt.Errorf("failed to update admission status. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return assertAffected(res, fmt.Sprintf("admission_request(sessionId=%s, userId=%s)", sessionID, userID))
}

const listAdmissionsByStatusQuery = `
	SELECT
		session_id,
		user_id,
		display_name,
		avatar_url,
		status,
		created_at,
		updated_at
	FROM admission_request
	WHERE
		session_id = ?
		AND status = ?
	ORDER BY created_at`

func (r *admissionRepo) ListByStatus(ctx context.Context, sessionID, status string) ([]models.AdmissionRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "admission_repo_list_by_status")
	defer span.Finish()

	rows, err := r.db.QueryContext(ctx, listAdmissionsByStatusQuery, sessionID, status)
	if err != nil {
		err = fmt.Errorf("failed to query for admission requests %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	defer rows.Close()

	requests := make([]models.AdmissionRequest, 0)
	for rows.Next() {
		var a models.AdmissionRequest
		err := rows.Scan(&a.SessionID, &a.UserID, &a.DisplayName, &a.AvatarURL, &a.Status, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			err = fmt.Errorf("failed to scan admission request %w", err)
			span.LogFields(tracelog.Error(err))
			return nil, err
		}
		requests = append(requests, a)
	}

	return requests, rows.Err()
}
