package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/contact"
	"github.com/gkeferstein/messaging-server/internal/identity"
	"github.com/gkeferstein/messaging-server/internal/permission"
	"github.com/gkeferstein/messaging-server/internal/user"
)

// CreateContactRequest opens a pending request from the caller to another
// user. A request only makes sense when a matching rule requires approval:
// an already-allowed pair, a blocked pair, and a pair no rule covers are all
// rejected.
func (s *Service) CreateContactRequest(ctx context.Context, from identity.Identity, toUserID string, note *string) (*RequestView, error) {
	if toUserID == "" || toUserID == from.UserID {
		return nil, apperrors.New(apperrors.ValidationError, "toUserId must reference another user")
	}
	if err := validateNote(note); err != nil {
		return nil, err
	}

	decision, err := s.perms.CanSendMessageTo(ctx, from, toUserID)
	if err != nil {
		return nil, fmt.Errorf("permission check for contact request: %w", err)
	}

	switch {
	case decision.Allowed:
		return nil, apperrors.New(apperrors.Conflict, "messaging is already allowed for this user")
	case decision.Reason == permission.ReasonBlocked:
		return nil, apperrors.New(apperrors.Forbidden, permission.ReasonBlocked)
	case !decision.RequiresApproval:
		return nil, apperrors.New(apperrors.Forbidden, "no messaging rule permits contacting this user")
	case decision.Reason == permission.ReasonPending:
		return nil, apperrors.New(apperrors.Conflict, "a pending request for this user already exists")
	}

	var toTenantID *string
	if recipient, err := s.users.GetByID(ctx, toUserID); err == nil {
		toTenantID = recipient.TenantID
	} else if !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}

	req, err := s.contacts.CreateRequest(ctx, contact.CreateRequestParams{
		FromUserID:   from.UserID,
		FromTenantID: from.TenantID,
		ToUserID:     toUserID,
		ToTenantID:   toTenantID,
		RuleID:       decision.MatchedRule.ID,
		Message:      note,
		ExpiresAt:    time.Now().Add(s.requestTTL),
	})
	if errors.Is(err, contact.ErrDuplicatePending) {
		return nil, apperrors.Wrap(apperrors.Conflict, "a pending request for this user already exists", err)
	}
	if err != nil {
		return nil, err
	}

	view := requestView(req, time.Now())
	return &view, nil
}

// RespondToContactRequest resolves a pending request addressed to the
// caller.
func (s *Service) RespondToContactRequest(ctx context.Context, userID string, requestID uuid.UUID, action string) (*RequestView, error) {
	var accept bool
	switch strings.ToLower(action) {
	case "accept":
		accept = true
	case "decline":
	default:
		return nil, apperrors.New(apperrors.ValidationError, `action must be "accept" or "decline"`)
	}

	req, err := s.contacts.Respond(ctx, requestID, userID, accept, time.Now())
	switch {
	case errors.Is(err, contact.ErrNotFound):
		return nil, apperrors.Wrap(apperrors.NotFound, "contact request not found", err)
	case errors.Is(err, contact.ErrNotRecipient):
		return nil, apperrors.Wrap(apperrors.Forbidden, "only the recipient can respond to a request", err)
	case errors.Is(err, contact.ErrAlreadyResolved):
		return nil, apperrors.Wrap(apperrors.Conflict, "request has already been responded to", err)
	case errors.Is(err, contact.ErrRequestExpired):
		return nil, apperrors.Wrap(apperrors.Conflict, "request has expired", err)
	case err != nil:
		return nil, err
	}

	view := requestView(req, time.Now())
	return &view, nil
}

// ReceivedContactRequests lists requests addressed to the caller.
func (s *Service) ReceivedContactRequests(ctx context.Context, userID string) ([]RequestView, error) {
	requests, err := s.contacts.Received(ctx, userID)
	if err != nil {
		return nil, err
	}
	return requestViews(requests), nil
}

// SentContactRequests lists requests created by the caller.
func (s *Service) SentContactRequests(ctx context.Context, userID string) ([]RequestView, error) {
	requests, err := s.contacts.Sent(ctx, userID)
	if err != nil {
		return nil, err
	}
	return requestViews(requests), nil
}

// BlockUser inserts a block from the caller to another user.
func (s *Service) BlockUser(ctx context.Context, userID, blockedUserID string, reason *string) (*BlockView, error) {
	if blockedUserID == "" {
		return nil, apperrors.New(apperrors.ValidationError, "userId is required")
	}
	if err := validateNote(reason); err != nil {
		return nil, err
	}

	block, err := s.contacts.CreateBlock(ctx, userID, blockedUserID, reason)
	switch {
	case errors.Is(err, contact.ErrSelfBlock):
		return nil, apperrors.Wrap(apperrors.Conflict, "you cannot block yourself", err)
	case errors.Is(err, contact.ErrAlreadyBlocked):
		return nil, apperrors.Wrap(apperrors.Conflict, "user is already blocked", err)
	case err != nil:
		return nil, err
	}

	view := blockView(block)
	return &view, nil
}

// UnblockUser removes the caller's block of another user.
func (s *Service) UnblockUser(ctx context.Context, userID, blockedUserID string) error {
	err := s.contacts.DeleteBlock(ctx, userID, blockedUserID)
	if errors.Is(err, contact.ErrBlockNotFound) {
		return apperrors.Wrap(apperrors.NotFound, "block not found", err)
	}
	return err
}

// BlockedUsers lists the caller's blocks.
func (s *Service) BlockedUsers(ctx context.Context, userID string) ([]BlockView, error) {
	blocks, err := s.contacts.Blocks(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]BlockView, len(blocks))
	for i := range blocks {
		views[i] = blockView(&blocks[i])
	}
	return views, nil
}

// CanMessage evaluates the send permission from the caller to another user.
func (s *Service) CanMessage(ctx context.Context, from identity.Identity, toUserID string) (permission.Decision, error) {
	return s.perms.CanSendMessageTo(ctx, from, toUserID)
}

// ExpireContactRequests persists the EXPIRED state for overdue pending
// requests. Called by the background sweep.
func (s *Service) ExpireContactRequests(ctx context.Context) (int64, error) {
	return s.contacts.ExpireOverdue(ctx, time.Now())
}

func requestViews(requests []contact.Request) []RequestView {
	now := time.Now()
	views := make([]RequestView, len(requests))
	for i := range requests {
		views[i] = requestView(&requests[i], now)
	}
	return views
}

func validateNote(note *string) error {
	if note != nil && utf8.RuneCountInString(*note) > contact.MaxMessageLength {
		return apperrors.New(apperrors.ValidationError,
			fmt.Sprintf("message must be at most %d characters", contact.MaxMessageLength))
	}
	return nil
}
