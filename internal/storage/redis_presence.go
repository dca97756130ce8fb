package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mewayz/fabric/pkg/models"
)

// redisHashClient is the subset of redis.Cmdable used for presence.
type redisHashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// DefaultPresenceTTL bounds how long a presence entry outlives its last update.
const DefaultPresenceTTL = 10 * time.Minute

// RedisPresenceStore keeps presence in Redis hashes keyed "presence:<user>",
// so every fabric node sees the same status.
type RedisPresenceStore struct {
	client redisHashClient
	ttl    time.Duration
}

// NewRedisClient dials Redis at addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
}

// NewRedisPresenceStore wraps client. ttl <= 0 selects DefaultPresenceTTL.
func NewRedisPresenceStore(client redisHashClient, ttl time.Duration) *RedisPresenceStore {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresenceStore{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func (s *RedisPresenceStore) UpdatePresence(ctx context.Context, userID string, presence models.Presence) error {
	if userID == "" {
		return ErrNotFound
	}
	key := presenceKey(userID)
	if err := s.client.HSet(ctx, key,
		"status", presence.Status,
		"activity", presence.Activity,
		"last_seen", presence.LastSeen.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("expire presence: %w", err)
	}
	return nil
}

// GetPresence returns the stored presence for userID.
func (s *RedisPresenceStore) GetPresence(ctx context.Context, userID string) (*models.Presence, error) {
	fields, err := s.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	presence := &models.Presence{Status: fields["status"], Activity: fields["activity"]}
	if raw := fields["last_seen"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			presence.LastSeen = ts
		}
	}
	return presence, nil
}
