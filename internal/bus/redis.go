package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxReconnectBackoff caps the client's reconnection backoff. The go-redis
// pub/sub connection re-establishes its subscriptions itself after a
// reconnect.
const maxReconnectBackoff = 2 * time.Second

// Redis implements Bus on a go-redis client with a single dedicated
// subscriber connection.
type Redis struct {
	rdb      *redis.Client
	sub      *redis.PubSub
	messages chan Message
	cancel   context.CancelFunc
}

// ConnectRedis parses the bus DSN, connects, and pings to verify the
// connection before wiring the subscriber pump.
func ConnectRedis(ctx context.Context, dsn string, dialTimeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse bus URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.MaxRetryBackoff = maxReconnectBackoff

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping bus: %w", err)
	}

	return NewRedis(client), nil
}

// NewRedis wraps an existing client. The subscriber connection starts with no
// topics; Subscribe adds them.
func NewRedis(client *redis.Client) *Redis {
	pumpCtx, cancel := context.WithCancel(context.Background())

	b := &Redis{
		rdb:      client,
		sub:      client.Subscribe(pumpCtx),
		messages: make(chan Message, 256),
		cancel:   cancel,
	}
	go b.pump(pumpCtx)
	return b
}

// pump forwards pub/sub deliveries onto the messages channel until the bus is
// closed.
func (b *Redis) pump(ctx context.Context) {
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case b.messages <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Publish sends payload to every subscriber of topic.
func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe adds topics to the subscriber connection.
func (b *Redis) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := b.sub.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	return nil
}

// Unsubscribe removes topics from the subscriber connection.
func (b *Redis) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := b.sub.Unsubscribe(ctx, topics...); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", topics, err)
	}
	return nil
}

// Messages returns the delivery channel shared by all subscriptions.
func (b *Redis) Messages() <-chan Message { return b.messages }

// SetAdd adds member to the set at key.
func (b *Redis) SetAdd(ctx context.Context, key, member string) error {
	if err := b.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SetRemove removes member from the set at key.
func (b *Redis) SetRemove(ctx context.Context, key, member string) error {
	if err := b.rdb.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SetMembers lists the members of the set at key.
func (b *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// SetContains reports whether member is in the set at key.
func (b *Redis) SetContains(ctx context.Context, key, member string) (bool, error) {
	ok, err := b.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

// Put stores a scalar value without expiry.
func (b *Redis) Put(ctx context.Context, key, value string) error {
	if err := b.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Fetch returns the scalar at key. The second return is false when the key
// does not exist.
func (b *Redis) Fetch(ctx context.Context, key string) (string, bool, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// HashSet writes field=value into the hash at key and refreshes the key-level
// expiry.
func (b *Redis) HashSet(ctx context.Context, key, field, value string, keyTTL time.Duration) error {
	if err := b.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if keyTTL > 0 {
		if err := b.rdb.Expire(ctx, key, keyTTL).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// HashDelete removes field from the hash at key.
func (b *Redis) HashDelete(ctx context.Context, key, field string) error {
	if err := b.rdb.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

// HashAll returns every field of the hash at key. A missing key yields an
// empty map.
func (b *Redis) HashAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// Ping verifies the connection, for health probes.
func (b *Redis) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close tears down the subscriber pump and the client.
func (b *Redis) Close() error {
	b.cancel()
	_ = b.sub.Close()
	return b.rdb.Close()
}
