// Package contact holds contact requests and user blocks. A contact request
// is the consent artifact that enables cross-tenant messaging when a rule
// requires approval; a block is an asymmetric record with symmetric effect.
package contact

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Contact request states. A PENDING request past its expiry is treated as
// EXPIRED on read; a background sweep eventually persists that state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusDeclined Status = "DECLINED"
	StatusExpired  Status = "EXPIRED"
)

// Sentinel errors for the contact package.
var (
	ErrNotFound         = errors.New("contact request not found")
	ErrDuplicatePending = errors.New("a pending request for this pair already exists")
	ErrNotRecipient     = errors.New("only the recipient can respond to a request")
	ErrAlreadyResolved  = errors.New("request has already been responded to")
	ErrRequestExpired   = errors.New("request has expired")
	ErrSelfBlock        = errors.New("you cannot block yourself")
	ErrAlreadyBlocked   = errors.New("user is already blocked")
	ErrBlockNotFound    = errors.New("block not found")
)

// MaxMessageLength bounds the optional note on requests and blocks.
const MaxMessageLength = 500

// Request holds one row of the contact_requests table.
type Request struct {
	ID           uuid.UUID
	FromUserID   string
	FromTenantID *string
	ToUserID     string
	ToTenantID   *string
	RuleID       string
	Message      *string
	Status       Status
	CreatedAt    time.Time
	RespondedAt  *time.Time
	ExpiresAt    time.Time
}

// EffectiveStatus returns the status with the read-side expiry rule applied:
// a PENDING request whose expiry has passed reads as EXPIRED.
func (r *Request) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusPending && !r.ExpiresAt.After(now) {
		return StatusExpired
	}
	return r.Status
}

// Block holds one row of the blocked_users table.
type Block struct {
	UserID        string
	BlockedUserID string
	Reason        *string
	CreatedAt     time.Time
}

// CreateRequestParams groups the inputs for creating a contact request.
type CreateRequestParams struct {
	FromUserID   string
	FromTenantID *string
	ToUserID     string
	ToTenantID   *string
	RuleID       string
	Message      *string
	ExpiresAt    time.Time
}

// Repository defines the data-access contract for contact requests and
// blocks.
type Repository interface {
	CreateRequest(ctx context.Context, params CreateRequestParams) (*Request, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	Received(ctx context.Context, userID string) ([]Request, error)
	Sent(ctx context.Context, userID string) ([]Request, error)
	Respond(ctx context.Context, id uuid.UUID, userID string, accept bool, at time.Time) (*Request, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	CreateBlock(ctx context.Context, userID, blockedUserID string, reason *string) (*Block, error)
	DeleteBlock(ctx context.Context, userID, blockedUserID string) error
	Blocks(ctx context.Context, userID string) ([]Block, error)
}
