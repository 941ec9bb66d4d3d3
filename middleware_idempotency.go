package celerity

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// KV is the minimal store the idempotency middleware needs.
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// KVDeleter lets the middleware release a key when the handler failed, so a
// redelivery of the same message still runs.
type KVDeleter interface {
	Del(ctx context.Context, key string) error
}

// IdempotencyConfig enables at-most-once execution of keyed deliveries.
// The key is Message.Key, else KeyFunc(m); the stored key is
// Prefix + ":" + sha1(key).
type IdempotencyConfig struct {
	// KV is used as is; when nil and RedisAddr is set a Redis KV is created.
	KV            KV
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	Prefix  string
	TTL     time.Duration
	KeyFunc func(ctx context.Context, m Message) (string, error)
}

func (c IdempotencyConfig) enabled() bool { return c.KV != nil || c.RedisAddr != "" }

// NewIdempotencyMiddleware builds the middleware; cfg.KV must be set.
func NewIdempotencyMiddleware(cfg IdempotencyConfig) Middleware {
	if cfg.KV == nil {
		panic("IdempotencyMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "celerity:idem"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, m Message) error {
			keyRaw := m.Key
			if keyRaw == "" && cfg.KeyFunc != nil {
				if s, err := cfg.KeyFunc(ctx, m); err == nil {
					keyRaw = s
				}
			}
			if keyRaw == "" {
				return next(ctx, m)
			}
			h := sha1.Sum([]byte(keyRaw))
			storeKey := fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h[:]))
			ok, err := cfg.KV.SetNX(ctx, storeKey, "1", cfg.TTL)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			err = next(ctx, m)
			if err != nil {
				if d, ok := cfg.KV.(KVDeleter); ok {
					_ = d.Del(context.WithoutCancel(ctx), storeKey)
				}
			}
			return err
		}
	}
}
