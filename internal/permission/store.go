package permission

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/identity"
)

// Store is the read contract the resolver evaluates against. Store errors
// propagate to the caller unchanged; the resolver never retries.
type Store interface {
	// ActiveRules returns the active rules ordered by priority descending.
	ActiveRules(ctx context.Context) ([]Rule, error)

	// IsBlockedEither reports whether a block row exists in either direction
	// between the two users.
	IsBlockedEither(ctx context.Context, a, b string) (bool, error)

	// HasAcceptedContact reports whether an accepted contact request exists
	// between the two users in either direction.
	HasAcceptedContact(ctx context.Context, a, b string) (bool, error)

	// HasPendingRequest reports whether an unexpired pending request exists
	// from one user to the other, in that direction.
	HasPendingRequest(ctx context.Context, from, to string, now time.Time) (bool, error)

	// CountDirectMessagesSince counts messages the sender sent to the
	// recipient in their DIRECT conversation since the window start. Zero
	// when no such conversation exists.
	CountDirectMessagesSince(ctx context.Context, senderID, recipientID string, since time.Time) (int, error)

	// ResolveActor builds the best-known identity for a bare user id from
	// the user cache. A user without a cache row resolves to just the id.
	ResolveActor(ctx context.Context, userID string) (identity.Identity, error)

	// IsParticipant reports whether the user belongs to the conversation.
	IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error)

	// ParticipantRole returns the user's role in the conversation, or
	// conversation.ErrNotParticipant.
	ParticipantRole(ctx context.Context, conversationID uuid.UUID, userID string) (conversation.Role, error)
}
