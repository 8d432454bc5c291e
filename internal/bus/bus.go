// Package bus provides the shared pub/sub and ephemeral key-value layer used
// for cross-node fanout, presence, and typing state. The production
// implementation is Redis-backed; a process-local implementation with the
// same semantics serves single-node degraded mode when the bus is
// unreachable at startup.
package bus

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus exposes three capabilities on one connection pool: topic pub/sub with
// opaque byte payloads, string sets, and hashes with coarse key-level expiry.
// Scalar Put/Fetch rounds out the presence lastSeen use case.
//
// Subscribers receive deliveries on Messages. Events published on the same
// topic by the same publisher are delivered in publish order; no ordering is
// promised across topics or publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Messages() <-chan Message

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetContains(ctx context.Context, key, member string) (bool, error)

	Put(ctx context.Context, key, value string) error
	Fetch(ctx context.Context, key string) (string, bool, error)

	HashSet(ctx context.Context, key, field, value string, keyTTL time.Duration) error
	HashDelete(ctx context.Context, key, field string) error
	HashAll(ctx context.Context, key string) (map[string]string, error)

	Close() error
}
