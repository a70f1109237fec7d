package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/tripsplit/internal/trip/domain"
)

const (
	defaultIdempotencyPrefix = "idem:trip:"
	pendingMarker            = "__pending__"
)

// completeScript stores the response over a missing key or a reservation,
// never over a completed response.
var completeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// releaseScript deletes the key only while it is still a reservation.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisIdempotencyRepo keeps idempotent responses in Redis with a TTL so
// several service replicas share them.
type RedisIdempotencyRepo struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIdempotencyRepo constructs the repository. An empty prefix selects
// the default one.
func NewRedisIdempotencyRepo(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyRepo {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyRepo{client: client, keyPrefix: prefix, ttl: ttl}
}

// Reserve writes a pending marker with SETNX, so exactly one replica wins
// the key.
func (r *RedisIdempotencyRepo) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, pendingMarker, r.ttl).Result()
	if err != nil {
		return false, domain.NewStorageError("redis setnx", err)
	}
	return ok, nil
}

// GetResponse returns the cached payload for key, if any.
func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewStorageError("redis get", err)
	}
	if string(payload) == pendingMarker {
		return nil, false, nil
	}
	return payload, true, nil
}

// PutResponse completes a reservation. A response already stored is kept,
// so the first writer wins.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	err := completeScript.Run(ctx, r.client, []string{r.keyPrefix + key},
		pendingMarker, payload, r.ttl.Milliseconds()).Err()
	if err != nil {
		return domain.NewStorageError("redis store response", err)
	}
	return nil
}

// Release frees a reservation whose request failed.
func (r *RedisIdempotencyRepo) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.keyPrefix + key}, pendingMarker).Err(); err != nil {
		return domain.NewStorageError("redis release", err)
	}
	return nil
}
