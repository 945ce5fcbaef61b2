package repository

import (
	"context"
	"time"

	"github.com/fitmeal/coach-chat/internal/models"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, body, message_type,
		attachment_path, attachment_name, attachment_mime, attachment_size,
		created_at, read_at`

func scanMessage(row interface{ Scan(dest ...any) error }) (*models.Message, error) {
	var message models.Message
	err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Body,
		&message.MessageType,
		&message.AttachmentPath,
		&message.AttachmentName,
		&message.AttachmentMime,
		&message.AttachmentSize,
		&message.CreatedAt,
		&message.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

type InsertMessageInput struct {
	ID             string
	ConversationID int64
	SenderID       int64
	Body           string
	MessageType    string
	AttachmentPath *string
	AttachmentName *string
	AttachmentMime *string
	AttachmentSize *int64
}

// Insert commits a message row keyed by the caller-supplied id. A retry with
// the same id returns the already committed row unchanged, which is what
// makes the upload-then-commit pair safe to repeat.
func (r *MessageRepository) Insert(ctx context.Context, input InsertMessageInput) (*models.Message, error) {
	query := `
		INSERT INTO messages (
			id, conversation_id, sender_id, body, message_type,
			attachment_path, attachment_name, attachment_mime, attachment_size
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET id = messages.id
		RETURNING ` + messageColumns

	return scanMessage(r.db.QueryRow(ctx, query,
		input.ID,
		input.ConversationID,
		input.SenderID,
		input.Body,
		input.MessageType,
		input.AttachmentPath,
		input.AttachmentName,
		input.AttachmentMime,
		input.AttachmentSize,
	))
}

// ListByConversation returns messages in ascending (created_at, id) order.
// The window is the newest limit rows before the cutoff, so repeated calls
// with before set to the oldest returned created_at page backwards through
// history. A zero limit means no limit; before, when set, excludes rows
// created at or after the cutoff.
func (r *MessageRepository) ListByConversation(
	ctx context.Context,
	conversationID int64,
	limit int,
	before *time.Time,
) ([]models.Message, error) {
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = $1
			  AND ($2::timestamptz IS NULL OR created_at < $2)
			ORDER BY created_at DESC, id DESC
			LIMIT NULLIF($3, 0)
		) page
		ORDER BY created_at, id
	`

	rows, err := r.db.Query(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID string) (*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE id = $1
	`
	return scanMessage(r.db.QueryRow(ctx, query, messageID))
}

// MarkReadUpTo stamps read_at on every unread message the reader did not
// send, created at or before the cutoff. The read_at IS NULL guard keeps the
// receipt monotonic: concurrent calls race on which NOW() wins, but a set
// timestamp is never replaced.
func (r *MessageRepository) MarkReadUpTo(
	ctx context.Context,
	conversationID int64,
	readerID int64,
	cutoff time.Time,
) ([]models.Message, error) {
	query := `
		UPDATE messages
		SET read_at = NOW()
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND created_at <= $3
		  AND read_at IS NULL
		RETURNING ` + messageColumns

	rows, err := r.db.Query(ctx, query, conversationID, readerID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updated := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		updated = append(updated, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return updated, nil
}
