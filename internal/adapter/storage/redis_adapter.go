package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "stall:idem:"
	idempotencyKeyTTL    = 48 * time.Hour
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

// RedisAdapter guards charges that must happen at most once per key.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = idempotencyKeyTTL
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisAdapter) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, token).Err()
}
