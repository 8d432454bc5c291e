package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/identity"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{db: db, log: logger}
}

// ActiveRules returns the active rules ordered by priority descending.
func (s *PGStore) ActiveRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, source_scope, source_roles, target_scope, target_roles,
		        require_approval, max_messages_per_day, is_active, priority
		 FROM messaging_rules
		 WHERE is_active
		 ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.SourceScope, &r.SourceRoles, &r.TargetScope, &r.TargetRoles,
			&r.RequireApproval, &r.MaxMessagesPerDay, &r.IsActive, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

// IsBlockedEither reports whether a block exists in either direction.
func (s *PGStore) IsBlockedEither(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocked_users
		 WHERE (user_id = $1 AND blocked_user_id = $2)
		    OR (user_id = $2 AND blocked_user_id = $1))`, a, b,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blocks: %w", err)
	}
	return exists, nil
}

// HasAcceptedContact reports whether an accepted request exists between the
// two users in either direction.
func (s *PGStore) HasAcceptedContact(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM contact_requests
		 WHERE status = 'ACCEPTED'
		   AND ((from_user_id = $1 AND to_user_id = $2)
		     OR (from_user_id = $2 AND to_user_id = $1)))`, a, b,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check accepted contact: %w", err)
	}
	return exists, nil
}

// HasPendingRequest reports whether an unexpired pending request exists from
// one user to the other.
func (s *PGStore) HasPendingRequest(ctx context.Context, from, to string, now time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM contact_requests
		 WHERE from_user_id = $1 AND to_user_id = $2 AND status = 'PENDING' AND expires_at > $3)`,
		from, to, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending request: %w", err)
	}
	return exists, nil
}

// CountDirectMessagesSince counts messages the sender sent in the pair's
// DIRECT conversation since the window start. Tombstoned messages still
// count: the send happened.
func (s *PGStore) CountDirectMessagesSince(ctx context.Context, senderID, recipientID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.direct_key = $1 AND m.sender_id = $2 AND m.created_at >= $3`,
		conversation.DirectKey(senderID, recipientID), senderID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count direct messages: %w", err)
	}
	return count, nil
}

// ResolveActor builds an identity from the user cache. A missing row
// resolves to just the user id.
func (s *PGStore) ResolveActor(ctx context.Context, userID string) (identity.Identity, error) {
	row := s.db.QueryRow(ctx,
		"SELECT tenant_id, tenant_role, platform_role, email FROM user_cache WHERE id = $1", userID)

	id := identity.Identity{UserID: userID}
	err := row.Scan(&id.TenantID, &id.TenantRole, &id.PlatformRole, &id.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return identity.Identity{}, fmt.Errorf("resolve actor %s: %w", userID, err)
	}
	return id, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *PGStore) IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)",
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

// ParticipantRole returns the user's role in the conversation.
func (s *PGStore) ParticipantRole(ctx context.Context, conversationID uuid.UUID, userID string) (conversation.Role, error) {
	var role conversation.Role
	err := s.db.QueryRow(ctx,
		"SELECT role FROM participants WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", conversation.ErrNotParticipant
	}
	if err != nil {
		return "", fmt.Errorf("query participant role: %w", err)
	}
	return role, nil
}
