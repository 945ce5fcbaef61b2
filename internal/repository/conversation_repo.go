package repository

import (
	"context"
	"database/sql"

	"github.com/fitmeal/coach-chat/internal/models"
)

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// CreateOrGet returns the unique conversation for the pair, creating it if
// absent. The no-op DO UPDATE makes concurrent callers converge on the same
// row instead of one of them failing.
func (r *ConversationRepository) CreateOrGet(
	ctx context.Context,
	coachID int64,
	clientID int64,
) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (coach_id, client_id)
		VALUES ($1, $2)
		ON CONFLICT (coach_id, client_id)
		DO UPDATE SET updated_at = conversations.updated_at
		RETURNING id, coach_id, client_id, created_at, updated_at
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, coachID, clientID).Scan(
		&conversation.ID,
		&conversation.CoachID,
		&conversation.ClientID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `
		SELECT id, coach_id, client_id, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&conversation.ID,
		&conversation.CoachID,
		&conversation.ClientID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) GetByIDForParticipant(
	ctx context.Context,
	conversationID int64,
	participantID int64,
) (*models.Conversation, error) {
	query := `
		SELECT id, coach_id, client_id, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND (coach_id = $2 OR client_id = $2)
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, conversationID, participantID).Scan(
		&conversation.ID,
		&conversation.CoachID,
		&conversation.ClientID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) GetByPair(
	ctx context.Context,
	coachID int64,
	clientID int64,
) (*models.Conversation, error) {
	query := `
		SELECT id, coach_id, client_id, created_at, updated_at
		FROM conversations
		WHERE coach_id = $1 AND client_id = $2
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, coachID, clientID).Scan(
		&conversation.ID,
		&conversation.CoachID,
		&conversation.ClientID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) ListForParticipant(
	ctx context.Context,
	participantID int64,
) ([]models.ConversationSummary, error) {
	query := `
		SELECT
			c.id,
			c.coach_id,
			c.client_id,
			c.created_at,
			c.updated_at,
			lm.id,
			lm.conversation_id,
			lm.sender_id,
			lm.body,
			lm.message_type,
			lm.attachment_path,
			lm.attachment_name,
			lm.attachment_mime,
			lm.attachment_size,
			lm.created_at,
			lm.read_at,
			COALESCE(uc.unread_count, 0)
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT id, conversation_id, sender_id, body, message_type,
				   attachment_path, attachment_name, attachment_mime, attachment_size,
				   created_at, read_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_id <> $1
			  AND read_at IS NULL
		) uc ON TRUE
		WHERE c.coach_id = $1 OR c.client_id = $1
		ORDER BY COALESCE(lm.created_at, c.updated_at, c.created_at) DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		var last models.Message
		var lastID sql.NullString
		var lastConversationID, lastSenderID, lastSize sql.NullInt64
		var lastBody, lastType sql.NullString
		var lastPath, lastName, lastMime sql.NullString
		var lastCreatedAt, lastReadAt sql.NullTime

		if err := rows.Scan(
			&summary.ID,
			&summary.CoachID,
			&summary.ClientID,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&lastID,
			&lastConversationID,
			&lastSenderID,
			&lastBody,
			&lastType,
			&lastPath,
			&lastName,
			&lastMime,
			&lastSize,
			&lastCreatedAt,
			&lastReadAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}

		if lastID.Valid {
			last.ID = lastID.String
			last.ConversationID = lastConversationID.Int64
			last.SenderID = lastSenderID.Int64
			last.Body = lastBody.String
			last.MessageType = lastType.String
			last.CreatedAt = lastCreatedAt.Time
			if lastPath.Valid {
				last.AttachmentPath = &lastPath.String
			}
			if lastName.Valid {
				last.AttachmentName = &lastName.String
			}
			if lastMime.Valid {
				last.AttachmentMime = &lastMime.String
			}
			if lastSize.Valid {
				last.AttachmentSize = &lastSize.Int64
			}
			if lastReadAt.Valid {
				last.ReadAt = &lastReadAt.Time
			}
			summary.LastMessage = &last
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

func (r *ConversationRepository) Touch(ctx context.Context, conversationID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET updated_at = NOW()
		WHERE id = $1
	`, conversationID)
	return err
}
