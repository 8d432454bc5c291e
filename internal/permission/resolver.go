package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/config"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/identity"
)

// Resolver evaluates messaging permissions. It holds no state beyond its
// store handle and the configured rate-limit window semantics.
type Resolver struct {
	store      Store
	windowMode string
	now        func() time.Time
	log        zerolog.Logger
}

// NewResolver creates a resolver. windowMode selects the per-rule daily cap
// semantics (config.WindowRolling or config.WindowCalendar).
func NewResolver(store Store, windowMode string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		windowMode: windowMode,
		now:        time.Now,
		log:        logger.With().Str("component", "permission").Logger(),
	}
}

// CanSendMessage decides whether sender may message recipient. The checks
// run in a fixed order and the first conclusive outcome wins: self, block,
// same tenant, approved contact, then the rule table by priority.
func (r *Resolver) CanSendMessage(ctx context.Context, sender, recipient identity.Identity) (Decision, error) {
	if sender.UserID == recipient.UserID {
		return allow(ReasonSelf), nil
	}

	blocked, err := r.store.IsBlockedEither(ctx, sender.UserID, recipient.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("check blocks: %w", err)
	}
	if blocked {
		return deny(ReasonBlocked), nil
	}

	if sender.SameTenant(recipient) {
		return allow(ReasonSameTenant), nil
	}

	approved, err := r.store.HasAcceptedContact(ctx, sender.UserID, recipient.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("check accepted contact: %w", err)
	}

	rules, err := r.store.ActiveRules(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load rules: %w", err)
	}

	if approved {
		// An accepted contact satisfies the approval gate, but the matched
		// rule's daily cap still applies; otherwise an approval-gated rule
		// could never enforce its limit.
		for i := range rules {
			rule := &rules[i]
			if !matches(rule, sender, recipient) {
				continue
			}
			if rule.MaxMessagesPerDay != nil {
				count, err := r.store.CountDirectMessagesSince(ctx, sender.UserID, recipient.UserID, r.windowStart())
				if err != nil {
					return Decision{}, fmt.Errorf("count messages for rate limit: %w", err)
				}
				if count >= *rule.MaxMessagesPerDay {
					d := deny(ReasonRateLimit)
					d.MatchedRule = rule
					return d, nil
				}
			}
			break
		}
		return allow(ReasonApprovedContact), nil
	}

	for i := range rules {
		rule := &rules[i]
		if !matches(rule, sender, recipient) {
			continue
		}

		if rule.RequireApproval {
			pending, err := r.store.HasPendingRequest(ctx, sender.UserID, recipient.UserID, r.now())
			if err != nil {
				return Decision{}, fmt.Errorf("check pending request: %w", err)
			}
			d := deny(ReasonRequestRequired)
			if pending {
				d.Reason = ReasonPending
			}
			d.RequiresApproval = true
			d.MatchedRule = rule
			return d, nil
		}

		if rule.MaxMessagesPerDay != nil {
			count, err := r.store.CountDirectMessagesSince(ctx, sender.UserID, recipient.UserID, r.windowStart())
			if err != nil {
				return Decision{}, fmt.Errorf("count messages for rate limit: %w", err)
			}
			if count >= *rule.MaxMessagesPerDay {
				d := deny(ReasonRateLimit)
				d.MatchedRule = rule
				return d, nil
			}
		}

		d := allow(rule.Name)
		d.MatchedRule = rule
		return d, nil
	}

	return deny(ReasonNoRule), nil
}

// CanSendMessageTo resolves the recipient from the user cache before
// evaluating. Callers that already hold a full recipient identity use
// CanSendMessage directly.
func (r *Resolver) CanSendMessageTo(ctx context.Context, sender identity.Identity, recipientID string) (Decision, error) {
	recipient, err := r.store.ResolveActor(ctx, recipientID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve recipient %s: %w", recipientID, err)
	}
	return r.CanSendMessage(ctx, sender, recipient)
}

// CanCreateConversation decides whether creator may start a conversation of
// the given type with the given participants. SUPPORT bypasses the rules;
// ANNOUNCEMENT is reserved for an administrative pathway; DIRECT delegates
// to the send check; GROUP requires the send check to pass for every
// participant and reports the first offender.
func (r *Resolver) CanCreateConversation(ctx context.Context, creator identity.Identity, participantIDs []string, convType conversation.Type) (Decision, error) {
	switch convType {
	case conversation.TypeSupport:
		return allow("support"), nil
	case conversation.TypeAnnouncement:
		return deny("announcement conversations are reserved"), nil
	case conversation.TypeDirect:
		if len(participantIDs) != 1 {
			return deny("direct conversation requires exactly one other participant"), nil
		}
		return r.CanSendMessageTo(ctx, creator, participantIDs[0])
	case conversation.TypeGroup:
		for _, p := range participantIDs {
			d, err := r.CanSendMessageTo(ctx, creator, p)
			if err != nil {
				return Decision{}, err
			}
			if !d.Allowed {
				d.Reason = fmt.Sprintf("%s: %s", d.Reason, p)
				return d, nil
			}
		}
		return allow("group"), nil
	default:
		return deny(fmt.Sprintf("unknown conversation type %q", convType)), nil
	}
}

// IsParticipant reports whether the user belongs to the conversation.
func (r *Resolver) IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	return r.store.IsParticipant(ctx, userID, conversationID)
}

// IsConversationAdmin reports whether the user holds the OWNER or ADMIN role
// in the conversation.
func (r *Resolver) IsConversationAdmin(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	role, err := r.store.ParticipantRole(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotParticipant) {
			return false, nil
		}
		return false, err
	}
	return role == conversation.RoleOwner || role == conversation.RoleAdmin, nil
}

// windowStart returns the beginning of the rate-limit window: 24 hours ago
// in rolling mode, local server midnight in calendar mode.
func (r *Resolver) windowStart() time.Time {
	now := r.now()
	if r.windowMode == config.WindowCalendar {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	}
	return now.Add(-24 * time.Hour)
}

// matches implements the rule predicate. The source side constrains the
// sender, the target side the recipient; tenant scope additionally requires
// a shared tenant.
func matches(rule *Rule, sender, recipient identity.Identity) bool {
	switch rule.SourceScope {
	case ScopeTenant:
		if sender.TenantID == nil || !roleIn(rule.SourceRoles, sender.TenantRole) {
			return false
		}
	case ScopePlatform:
		if !roleIn(rule.SourceRoles, sender.TenantRole) && !roleIn(rule.SourceRoles, sender.PlatformRole) {
			return false
		}
	default:
		return false
	}

	switch rule.TargetScope {
	case ScopeTenant:
		if !sender.SameTenant(recipient) || !roleIn(rule.TargetRoles, recipient.TenantRole) {
			return false
		}
	case ScopePlatform:
		if !roleIn(rule.TargetRoles, recipient.TenantRole) && !roleIn(rule.TargetRoles, recipient.PlatformRole) {
			return false
		}
	default:
		return false
	}

	return true
}
