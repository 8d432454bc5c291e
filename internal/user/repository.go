package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository against the user_cache table.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user cache repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// GetByID returns the cache row for a single user.
func (r *PGRepository) GetByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRow(ctx,
		"SELECT id, email, first_name, last_name, avatar_url, tenant_id, tenant_role, platform_role FROM user_cache WHERE id = $1", id,
	)

	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.AvatarURL, &u.TenantID, &u.TenantRole, &u.PlatformRole); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user cache by id: %w", err)
	}
	return &u, nil
}

// GetMany returns cache rows keyed by user id. IDs without a row are simply
// absent from the map; callers fall back to DisplayName's "Unknown".
func (r *PGRepository) GetMany(ctx context.Context, ids []string) (map[string]*User, error) {
	if len(ids) == 0 {
		return map[string]*User{}, nil
	}

	rows, err := r.db.Query(ctx,
		"SELECT id, email, first_name, last_name, avatar_url, tenant_id, tenant_role, platform_role FROM user_cache WHERE id = ANY($1)", ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query user cache: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*User, len(ids))
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.AvatarURL, &u.TenantID, &u.TenantRole, &u.PlatformRole); err != nil {
			return nil, fmt.Errorf("scan user cache row: %w", err)
		}
		result[u.ID] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user cache rows: %w", err)
	}
	return result, nil
}
