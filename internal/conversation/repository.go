package conversation

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

const selectColumns = "id, type, name, description, avatar_url, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed conversation repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a conversation and its initial participants in one
// transaction. For DIRECT conversations the canonical pair key is written so
// the unique index rejects a concurrent duplicate; that case surfaces as
// ErrDirectExists and the caller reads back the winner.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Conversation, error) {
	var conv Conversation

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var directKey *string
		if params.Type == TypeDirect {
			if len(params.Participants) != 2 {
				return fmt.Errorf("direct conversation requires exactly two participants, got %d", len(params.Participants))
			}
			key := DirectKey(params.Participants[0].UserID, params.Participants[1].UserID)
			directKey = &key
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO conversations (type, name, description, direct_key)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+selectColumns,
			params.Type, params.Name, params.Description, directKey,
		)
		if err := scanConversation(row, &conv); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		for _, p := range params.Participants {
			if _, err := tx.Exec(ctx,
				`INSERT INTO participants (conversation_id, user_id, tenant_id, role)
				 VALUES ($1, $2, $3, $4)`,
				conv.ID, p.UserID, p.TenantID, p.Role,
			); err != nil {
				return fmt.Errorf("insert participant %s: %w", p.UserID, err)
			}
		}
		return nil
	})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrDirectExists
		}
		return nil, err
	}
	return &conv, nil
}

// GetByID returns a single conversation.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM conversations WHERE id = $1", id,
	)
	var conv Conversation
	if err := scanConversation(row, &conv); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation by id: %w", err)
	}
	return &conv, nil
}

// FindDirect returns the unique DIRECT conversation for the unordered pair
// (a, b), or ErrNotFound.
func (r *PGRepository) FindDirect(ctx context.Context, a, b string) (*Conversation, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM conversations WHERE direct_key = $1", DirectKey(a, b),
	)
	var conv Conversation
	if err := scanConversation(row, &conv); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query direct conversation: %w", err)
	}
	return &conv, nil
}

// ForUser returns conversations the user participates in, newest updated_at
// first. When before is non-nil only conversations updated strictly earlier
// are returned (cursor pagination); callers request one extra row to detect
// another page.
func (r *PGRepository) ForUser(ctx context.Context, userID string, limit int, before *time.Time) ([]Conversation, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = r.db.Query(ctx,
			`SELECT c.id, c.type, c.name, c.description, c.avatar_url, c.created_at, c.updated_at
			 FROM conversations c
			 JOIN participants p ON p.conversation_id = c.id
			 WHERE p.user_id = $1
			 ORDER BY c.updated_at DESC, c.id DESC
			 LIMIT $2`, userID, limit)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT c.id, c.type, c.name, c.description, c.avatar_url, c.created_at, c.updated_at
			 FROM conversations c
			 JOIN participants p ON p.conversation_id = c.id
			 WHERE p.user_id = $1 AND c.updated_at < $2
			 ORDER BY c.updated_at DESC, c.id DESC
			 LIMIT $3`, userID, *before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversations for user: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var conv Conversation
		if err := scanConversation(rows, &conv); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return conversations, nil
}

// Participants returns the participants of a conversation ordered by join
// time.
func (r *PGRepository) Participants(ctx context.Context, conversationID uuid.UUID) ([]Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, user_id, tenant_id, role, joined_at, last_read_at
		 FROM participants WHERE conversation_id = $1
		 ORDER BY joined_at, user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	return collectParticipants(rows)
}

// ParticipantsForConversations returns the participants of many
// conversations at once, keyed by conversation id.
func (r *PGRepository) ParticipantsForConversations(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]Participant, error) {
	if len(conversationIDs) == 0 {
		return map[uuid.UUID][]Participant{}, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, user_id, tenant_id, role, joined_at, last_read_at
		 FROM participants WHERE conversation_id = ANY($1)
		 ORDER BY joined_at, user_id`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("query participants for conversations: %w", err)
	}
	defer rows.Close()

	participants, err := collectParticipants(rows)
	if err != nil {
		return nil, err
	}

	result := make(map[uuid.UUID][]Participant, len(conversationIDs))
	for _, p := range participants {
		result[p.ConversationID] = append(result[p.ConversationID], p)
	}
	return result, nil
}

// ParticipantsForUser returns every participant row for the user across all
// conversations.
func (r *PGRepository) ParticipantsForUser(ctx context.Context, userID string) ([]Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, user_id, tenant_id, role, joined_at, last_read_at
		 FROM participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query participants for user: %w", err)
	}
	defer rows.Close()

	return collectParticipants(rows)
}

// GetParticipant returns a single participant row, or ErrNotParticipant.
func (r *PGRepository) GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*Participant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT conversation_id, user_id, tenant_id, role, joined_at, last_read_at
		 FROM participants WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)

	var p Participant
	if err := row.Scan(&p.ConversationID, &p.UserID, &p.TenantID, &p.Role, &p.JoinedAt, &p.LastReadAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("query participant: %w", err)
	}
	return &p, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (r *PGRepository) IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)",
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

// MarkRead advances the participant's read watermark. GREATEST keeps the call
// idempotent and monotonic: an older timestamp never rewinds the watermark.
func (r *PGRepository) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants
		 SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $3)
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

func collectParticipants(rows pgx.Rows) ([]Participant, error) {
	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.TenantID, &p.Role, &p.JoinedAt, &p.LastReadAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

func scanConversation(row pgx.Row, conv *Conversation) error {
	return row.Scan(&conv.ID, &conv.Type, &conv.Name, &conv.Description, &conv.AvatarURL, &conv.CreatedAt, &conv.UpdatedAt)
}
