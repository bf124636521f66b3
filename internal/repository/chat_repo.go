package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/interview-room/internal/models"
)

// ChatRepository persistance interface for chat messages.
type ChatRepository interface {
	List(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	Save(ctx context.Context, message models.ChatMessage) error
}

// NewChatRepository creates a new SQL ChatRepository.
func NewChatRepository(db *sql.DB) ChatRepository {
	return &chatRepo{
		db: db,
	}
}

type chatRepo struct {
	db *sql.DB
}

const listChatMessagesQuery = `
	SELECT
		id,
		session_id,
		sender_id,
		content,
		type,
		created_at
	FROM chat_message
	WHERE
		session_id = ?
	ORDER BY created_at, id`

func (r *chatRepo) List(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "chat_repo_list")
	defer span.Finish()

	rows, err := r.db.QueryContext(ctx, listChatMessagesQuery, sessionID)
	if err != nil {
		err = fmt.Errorf("failed to query for chat messages %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &m.Type, &m.CreatedAt)
		if err != nil {
			err = fmt.Errorf("failed to scan chat message %w", err)
			span.LogFields(tracelog.Error(err))
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

const insertChatMessageQuery = `
	INSERT INTO chat_message(
			id,
			session_id,
			sender_id,
			content,
			type,
			created_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?)`

func (r *chatRepo) Save(ctx context.Context, m models.ChatMessage) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "chat_repo_save")
	defer span.Finish()

	_, err := r.db.ExecContext(ctx, insertChatMessageQuery, m.ID, m.SessionID, m.SenderID, m.Content, m.Type, m.CreatedAt)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}
