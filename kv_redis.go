package celerity

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV adapts go-redis to KV. It also backs the beat leader lease.
type RedisKV struct{ R redis.UniversalClient }

func (r RedisKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.R.SetNX(ctx, key, value, ttl).Result()
}

func (r RedisKV) Del(ctx context.Context, key string) error {
	return r.R.Del(ctx, key).Err()
}

// renewIfOwner extends key by ttl when it still holds value.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseIfOwner deletes key when it still holds value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

func (r RedisKV) Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.R, []string{key}, value, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (r RedisKV) Release(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, r.R, []string{key}, value).Err()
}
