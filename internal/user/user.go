// Package user exposes the denormalised user cache. The cache is populated
// by an external sync and is read-only inside the core; it is never
// authoritative for authentication.
package user

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a user has no cache row.
var ErrNotFound = errors.New("user not found in cache")

// User is the read-only denormalised view used to enrich messages and
// participant records. The tenant and role columns mirror the identity
// provider's view of the user and let the permission engine resolve a
// recipient from a bare user id.
type User struct {
	ID           string
	Email        *string
	FirstName    *string
	LastName     *string
	AvatarURL    *string
	TenantID     *string
	TenantRole   *string
	PlatformRole *string
}

// DisplayName joins the name parts, falling back to the email and finally to
// the literal "Unknown" when the cache row is empty or missing.
func (u *User) DisplayName() string {
	if u == nil {
		return "Unknown"
	}
	var parts []string
	if u.FirstName != nil && *u.FirstName != "" {
		parts = append(parts, *u.FirstName)
	}
	if u.LastName != nil && *u.LastName != "" {
		parts = append(parts, *u.LastName)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if u.Email != nil && *u.Email != "" {
		return *u.Email
	}
	return "Unknown"
}

// Repository defines the read contract over the user cache.
type Repository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetMany(ctx context.Context, ids []string) (map[string]*User, error)
}
