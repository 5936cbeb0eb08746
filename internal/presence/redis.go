package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

const keyPrefix = "presence:user:"

// RedisTracker stores last-activity as redis keys with a TTL so presence
// survives process restarts and is visible to sibling processes. The key
// expiring is the offline signal; no explicit prune loop is needed.
type RedisTracker struct {
	client  *redis.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisTracker constructs a redis-backed tracker. A timeout of zero uses
// DefaultTimeout.
func NewRedisTracker(client *redis.Client, timeout time.Duration, logger zerolog.Logger) *RedisTracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RedisTracker{client: client, timeout: timeout, logger: logger}
}

// Touch refreshes the participant's presence key and its TTL.
func (t *RedisTracker) Touch(ctx context.Context, user types.UserID) {
	key := t.key(user)
	if err := t.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), t.timeout).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh presence key")
	}
}

// IsOnline reports whether the participant's presence key still exists. The
// now argument is unused; redis expiry is authoritative here.
func (t *RedisTracker) IsOnline(ctx context.Context, user types.UserID, _ time.Time) bool {
	exists, err := t.client.Exists(ctx, t.key(user)).Result()
	if err != nil {
		t.logger.Warn().Err(err).Int64("user", int64(user)).Msg("presence lookup failed")
		return false
	}
	return exists > 0
}

func (t *RedisTracker) key(user types.UserID) string {
	return fmt.Sprintf("%s%d", keyPrefix, user)
}
