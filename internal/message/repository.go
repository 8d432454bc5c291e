package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/postgres"
)

const selectColumns = `id, conversation_id, sender_id, content, type,
attachment_url, attachment_type, attachment_name, reply_to_id,
created_at, edited_at, deleted_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts the message, bumps the conversation's updated_at, and
// advances the sender's read watermark in one transaction. When reply_to_id
// is set, the referenced message must exist in the same conversation and not
// be deleted.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	var msg Message

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.ReplyToID != nil {
			var exists bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM messages
				 WHERE id = $1 AND conversation_id = $2 AND deleted_at IS NULL)`,
				*params.ReplyToID, params.ConversationID,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check reply target: %w", err)
			}
			if !exists {
				return ErrReplyNotFound
			}
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO messages (conversation_id, sender_id, content, type,
			                       attachment_url, attachment_type, attachment_name, reply_to_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING `+selectColumns,
			params.ConversationID, params.SenderID, params.Content, params.Type,
			params.AttachmentURL, params.AttachmentType, params.AttachmentName, params.ReplyToID,
		)
		if err := scanMessage(row, &msg); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"UPDATE conversations SET updated_at = $2 WHERE id = $1",
			params.ConversationID, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("bump conversation updated_at: %w", err)
		}

		// The sender has read their own message.
		if _, err := tx.Exec(ctx,
			`UPDATE participants
			 SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $3)
			 WHERE conversation_id = $1 AND user_id = $2`,
			params.ConversationID, params.SenderID, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("advance sender read watermark: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetByID returns a single non-deleted message.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM messages WHERE id = $1 AND deleted_at IS NULL", id,
	)
	var msg Message
	if err := scanMessage(row, &msg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return &msg, nil
}

// List returns non-deleted messages in a conversation newest first. When
// before is non-nil only messages created strictly earlier are returned.
func (r *PGRepository) List(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = r.db.Query(ctx,
			`SELECT `+selectColumns+` FROM messages
			 WHERE conversation_id = $1 AND deleted_at IS NULL
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`, conversationID, limit)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+selectColumns+` FROM messages
			 WHERE conversation_id = $1 AND deleted_at IS NULL AND created_at < $2
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`, conversationID, *before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows, &msg); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// LastMessages returns the newest non-deleted message per conversation.
func (r *PGRepository) LastMessages(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID]*Message, error) {
	if len(conversationIDs) == 0 {
		return map[uuid.UUID]*Message{}, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (conversation_id) `+selectColumns+`
		 FROM messages
		 WHERE conversation_id = ANY($1) AND deleted_at IS NULL
		 ORDER BY conversation_id, created_at DESC, id DESC`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("query last messages: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID]*Message, len(conversationIDs))
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows, &msg); err != nil {
			return nil, fmt.Errorf("scan last message: %w", err)
		}
		result[msg.ConversationID] = &msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last messages: %w", err)
	}
	return result, nil
}

// CountUnread counts non-deleted messages from other senders created after
// the given watermark. A nil watermark counts every such message.
func (r *PGRepository) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, sinceReadAt *time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE conversation_id = $1 AND sender_id <> $2 AND deleted_at IS NULL
		   AND ($3::timestamptz IS NULL OR created_at > $3)`,
		conversationID, userID, sinceReadAt,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// UnreadCounts returns the viewer's unread count per conversation, keyed by
// conversation id. Conversations with zero unread are absent from the map.
func (r *PGRepository) UnreadCounts(ctx context.Context, userID string, conversationIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	if len(conversationIDs) == 0 {
		return map[uuid.UUID]int{}, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT m.conversation_id, COUNT(*)
		 FROM messages m
		 JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $1
		 WHERE m.conversation_id = ANY($2) AND m.sender_id <> $1 AND m.deleted_at IS NULL
		   AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)
		 GROUP BY m.conversation_id`, userID, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("query unread counts: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		result[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread counts: %w", err)
	}
	return result, nil
}

// TotalUnread sums the viewer's unread counts across every conversation they
// participate in.
func (r *PGRepository) TotalUnread(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $1
		 WHERE m.sender_id <> $1 AND m.deleted_at IS NULL
		   AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count total unread: %w", err)
	}
	return total, nil
}

// Edit sets new content on a non-deleted message owned by senderID and marks
// it as edited.
func (r *PGRepository) Edit(ctx context.Context, id uuid.UUID, senderID, content string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE messages SET content = $3, edited_at = NOW()
		 WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
		 RETURNING `+selectColumns, id, senderID, content,
	)
	var msg Message
	if err := scanMessage(row, &msg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyMissing(ctx, id)
		}
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return &msg, nil
}

// SoftDelete tombstones a non-deleted message owned by senderID.
func (r *PGRepository) SoftDelete(ctx context.Context, id uuid.UUID, senderID string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE messages SET deleted_at = NOW() WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL",
		id, senderID,
	)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMissing(ctx, id)
	}
	return nil
}

// classifyMissing distinguishes "message gone" from "message belongs to
// someone else" after a zero-row write.
func (r *PGRepository) classifyMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND deleted_at IS NULL)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("classify missing message: %w", err)
	}
	if exists {
		return ErrNotSender
	}
	return ErrNotFound
}

func scanMessage(row pgx.Row, msg *Message) error {
	return row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Type,
		&msg.AttachmentURL, &msg.AttachmentType, &msg.AttachmentName, &msg.ReplyToID,
		&msg.CreatedAt, &msg.EditedAt, &msg.DeletedAt,
	)
}
