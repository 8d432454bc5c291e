// Package presence maintains ephemeral online and typing state in the shared
// bus. Online membership is a set per tenant (or a global set for users
// without one); typing indicators live in a hash per conversation whose
// entries decay after five seconds, with a coarse ten-second key expiry as
// the backstop.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gkeferstein/messaging-server/internal/bus"
)

const (
	// typingKeyTTL is the coarse expiry on a conversation's typing hash.
	typingKeyTTL = 10 * time.Second

	// typingFreshness is how recent an entry must be to count as typing.
	typingFreshness = 5 * time.Second
)

// Service reads and writes presence and typing state through the bus.
type Service struct {
	bus bus.Bus
}

// NewService creates a presence service on the given bus.
func NewService(b bus.Bus) *Service {
	return &Service{bus: b}
}

// SetOnline adds the user to the tenant's online set and stamps lastSeen.
func (s *Service) SetOnline(ctx context.Context, userID string, tenantID *string) error {
	if err := s.bus.SetAdd(ctx, onlineKey(tenantID), userID); err != nil {
		return fmt.Errorf("set online %s: %w", userID, err)
	}
	return s.touchLastSeen(ctx, userID)
}

// SetOffline removes the user from the tenant's online set and stamps
// lastSeen.
func (s *Service) SetOffline(ctx context.Context, userID string, tenantID *string) error {
	if err := s.bus.SetRemove(ctx, onlineKey(tenantID), userID); err != nil {
		return fmt.Errorf("set offline %s: %w", userID, err)
	}
	return s.touchLastSeen(ctx, userID)
}

// IsOnline reports whether the user is in the tenant's online set.
func (s *Service) IsOnline(ctx context.Context, userID string, tenantID *string) (bool, error) {
	ok, err := s.bus.SetContains(ctx, onlineKey(tenantID), userID)
	if err != nil {
		return false, fmt.Errorf("check online %s: %w", userID, err)
	}
	return ok, nil
}

// OnlineUsers lists the users currently online in the tenant.
func (s *Service) OnlineUsers(ctx context.Context, tenantID *string) ([]string, error) {
	members, err := s.bus.SetMembers(ctx, onlineKey(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	return members, nil
}

// LastSeen returns the user's last seen time, or nil when the user has never
// been seen.
func (s *Service) LastSeen(ctx context.Context, userID string) (*time.Time, error) {
	raw, ok, err := s.bus.Fetch(ctx, lastSeenKey(userID))
	if err != nil {
		return nil, fmt.Errorf("fetch last seen %s: %w", userID, err)
	}
	if !ok {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse last seen %s: %w", userID, err)
	}
	ts := time.UnixMilli(ms)
	return &ts, nil
}

// SetTyping records or clears the user's typing indicator in a conversation.
func (s *Service) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	key := typingKey(conversationID)
	if !isTyping {
		if err := s.bus.HashDelete(ctx, key, userID); err != nil {
			return fmt.Errorf("clear typing %s in %s: %w", userID, conversationID, err)
		}
		return nil
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.bus.HashSet(ctx, key, userID, now, typingKeyTTL); err != nil {
		return fmt.Errorf("set typing %s in %s: %w", userID, conversationID, err)
	}
	return nil
}

// TypingUsers lists the users whose typing entry is fresher than five
// seconds. Stale entries are ignored; the key TTL eventually removes them.
func (s *Service) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	fields, err := s.bus.HashAll(ctx, typingKey(conversationID))
	if err != nil {
		return nil, fmt.Errorf("list typing users in %s: %w", conversationID, err)
	}

	now := time.Now().UnixMilli()
	users := make([]string, 0, len(fields))
	for userID, raw := range fields {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if now-ms < typingFreshness.Milliseconds() {
			users = append(users, userID)
		}
	}
	return users, nil
}

func (s *Service) touchLastSeen(ctx context.Context, userID string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.bus.Put(ctx, lastSeenKey(userID), now); err != nil {
		return fmt.Errorf("stamp last seen %s: %w", userID, err)
	}
	return nil
}

func onlineKey(tenantID *string) string {
	if tenantID == nil || *tenantID == "" {
		return "online:global"
	}
	return "online:" + *tenantID
}

func lastSeenKey(userID string) string {
	return "lastSeen:" + userID
}

func typingKey(conversationID string) string {
	return "typing:" + conversationID
}
