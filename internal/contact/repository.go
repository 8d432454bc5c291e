package contact

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

const requestColumns = `id, from_user_id, from_tenant_id, to_user_id, to_tenant_id,
rule_id, message, status, created_at, responded_at, expires_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed contact repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// CreateRequest inserts a new pending request. The partial unique index on
// (from, to) WHERE status = 'PENDING' rejects a duplicate.
func (r *PGRepository) CreateRequest(ctx context.Context, params CreateRequestParams) (*Request, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO contact_requests (from_user_id, from_tenant_id, to_user_id, to_tenant_id,
		                               rule_id, message, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+requestColumns,
		params.FromUserID, params.FromTenantID, params.ToUserID, params.ToTenantID,
		params.RuleID, params.Message, params.ExpiresAt,
	)

	var req Request
	if err := scanRequest(row, &req); err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrDuplicatePending
		}
		return nil, fmt.Errorf("insert contact request: %w", err)
	}
	return &req, nil
}

// GetRequest returns a single request by id.
func (r *PGRepository) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+requestColumns+" FROM contact_requests WHERE id = $1", id,
	)
	var req Request
	if err := scanRequest(row, &req); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query contact request: %w", err)
	}
	return &req, nil
}

// Received returns requests addressed to the user, newest first.
func (r *PGRepository) Received(ctx context.Context, userID string) ([]Request, error) {
	return r.list(ctx, "to_user_id", userID)
}

// Sent returns requests created by the user, newest first.
func (r *PGRepository) Sent(ctx context.Context, userID string) ([]Request, error) {
	return r.list(ctx, "from_user_id", userID)
}

func (r *PGRepository) list(ctx context.Context, column, userID string) ([]Request, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+requestColumns+" FROM contact_requests WHERE "+column+" = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("query contact requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		var req Request
		if err := scanRequest(rows, &req); err != nil {
			return nil, fmt.Errorf("scan contact request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact requests: %w", err)
	}
	return requests, nil
}

// Respond resolves a pending request. Only the recipient may respond, an
// already-resolved request is rejected, and a pending request past its expiry
// is rejected as expired.
func (r *PGRepository) Respond(ctx context.Context, id uuid.UUID, userID string, accept bool, at time.Time) (*Request, error) {
	req, err := r.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ToUserID != userID {
		return nil, ErrNotRecipient
	}
	if req.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	if req.EffectiveStatus(at) == StatusExpired {
		return nil, ErrRequestExpired
	}

	status := StatusDeclined
	if accept {
		status = StatusAccepted
	}

	row := r.db.QueryRow(ctx,
		`UPDATE contact_requests SET status = $2, responded_at = $3
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+requestColumns, id, status, at,
	)
	var updated Request
	if err := scanRequest(row, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost a race with another response or the expiry sweep.
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("respond to contact request: %w", err)
	}
	return &updated, nil
}

// ExpireOverdue persists the EXPIRED state for pending requests whose expiry
// has passed, returning the number of rows updated.
func (r *PGRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE contact_requests SET status = 'EXPIRED' WHERE status = 'PENDING' AND expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("expire overdue contact requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateBlock inserts a block row. Blocking the same user twice is a
// conflict; blocking yourself is rejected before touching the store.
func (r *PGRepository) CreateBlock(ctx context.Context, userID, blockedUserID string, reason *string) (*Block, error) {
	if userID == blockedUserID {
		return nil, ErrSelfBlock
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO blocked_users (user_id, blocked_user_id, reason)
		 VALUES ($1, $2, $3)
		 RETURNING user_id, blocked_user_id, reason, created_at`,
		userID, blockedUserID, reason,
	)
	var b Block
	if err := row.Scan(&b.UserID, &b.BlockedUserID, &b.Reason, &b.CreatedAt); err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyBlocked
		}
		return nil, fmt.Errorf("insert block: %w", err)
	}
	return &b, nil
}

// DeleteBlock removes a block row.
func (r *PGRepository) DeleteBlock(ctx context.Context, userID, blockedUserID string) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM blocked_users WHERE user_id = $1 AND blocked_user_id = $2", userID, blockedUserID)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlockNotFound
	}
	return nil
}

// Blocks lists the user's blocks, newest first.
func (r *PGRepository) Blocks(ctx context.Context, userID string) ([]Block, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, blocked_user_id, reason, created_at
		 FROM blocked_users WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.UserID, &b.BlockedUserID, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

func scanRequest(row pgx.Row, req *Request) error {
	return row.Scan(
		&req.ID, &req.FromUserID, &req.FromTenantID, &req.ToUserID, &req.ToTenantID,
		&req.RuleID, &req.Message, &req.Status, &req.CreatedAt, &req.RespondedAt, &req.ExpiresAt,
	)
}
