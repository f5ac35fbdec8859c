package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript counts the call and starts the window on the first one.
// Returns {allowed, pttl_ms, remaining}.
var takeScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
local max = tonumber(ARGV[2])
if count > max then
	return {0, ttl, 0}
end
return {1, ttl, max - count}
`)

// RedisStore shares windows between instances. Expiry is left to Redis key TTLs.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit Limit, _ time.Time) (Decision, error) {
	res, err := takeScript.Run(ctx, s.rdb, []string{s.prefix + key}, limit.Window.Milliseconds(), limit.Max).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: int(res[2])}, nil
	}
	retryAfter := time.Duration(res[1]) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Cleanup(context.Context, time.Time) (int, error) {
	return 0, nil
}
