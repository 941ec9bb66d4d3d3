package celerity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend stores results as plain keys with a TTL:
//
//	<prefix>task-meta-<id>
//	<prefix>group-meta-<id>
//	<prefix>chord-unlock-<id>
//	<prefix>worker-<hostname>
type redisBackend struct {
	rdb     redis.UniversalClient
	owned   bool
	codec   metaCodec
	prefix  string
	expires time.Duration
}

func newRedisBackend(cfg BackendConfig, ser Serializer, expires time.Duration) (*redisBackend, error) {
	rdb := redis.NewClient(cfg.Redis.options())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis backend: %w", err)
	}
	b := newRedisBackendWithClient(rdb, ser, cfg.KeyPrefix, expires)
	b.owned = true
	return b, nil
}

// NewRedisBackend wraps an existing client; Close leaves the client open.
func NewRedisBackend(rdb redis.UniversalClient, ser Serializer, prefix string, expires time.Duration) Backend {
	return newRedisBackendWithClient(rdb, ser, prefix, expires)
}

func newRedisBackendWithClient(rdb redis.UniversalClient, ser Serializer, prefix string, expires time.Duration) *redisBackend {
	if ser == nil {
		ser = jsonSerializer{}
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &redisBackend{rdb: rdb, codec: metaCodec{ser: ser}, prefix: prefix, expires: expires}
}

func (b *redisBackend) metaKey(id string) string  { return b.prefix + "task-meta-" + id }
func (b *redisBackend) groupKey(id string) string { return b.prefix + "group-meta-" + id }
func (b *redisBackend) chordKey(id string) string { return b.prefix + "chord-unlock-" + id }
func (b *redisBackend) workerKey(h string) string { return b.prefix + "worker-" + h }

func (b *redisBackend) StoreResult(ctx context.Context, m *TaskMeta) error {
	stampDone(m)
	data, err := b.codec.encode(m)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.metaKey(m.ID), data, b.expires).Err()
}

func (b *redisBackend) GetTaskMeta(ctx context.Context, id string) (*TaskMeta, error) {
	data, err := b.rdb.Get(ctx, b.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return pendingMeta(id), nil
	}
	if err != nil {
		return nil, err
	}
	return b.codec.decodeMeta(data)
}

func (b *redisBackend) Forget(ctx context.Context, id string) error {
	return b.rdb.Del(ctx, b.metaKey(id)).Err()
}

func (b *redisBackend) SaveGroup(ctx context.Context, id string, ids []string) error {
	data, err := b.codec.encode(ids)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.groupKey(id), data, b.expires).Err()
}

func (b *redisBackend) RestoreGroup(ctx context.Context, id string) ([]string, error) {
	data, err := b.rdb.Get(ctx, b.groupKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b.codec.decodeIDs(data)
}

func (b *redisBackend) ForgetGroup(ctx context.Context, id string) error {
	return b.rdb.Del(ctx, b.groupKey(id), b.chordKey(id)).Err()
}

func (b *redisBackend) IncrChord(ctx context.Context, id string) (int64, error) {
	key := b.chordKey(id)
	pipe := b.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if b.expires > 0 {
		pipe.Expire(ctx, key, b.expires)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (b *redisBackend) PutWorker(ctx context.Context, info WorkerInfo, ttl time.Duration) error {
	data, err := b.codec.encode(info)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.workerKey(info.Hostname), data, ttl).Err()
}

func (b *redisBackend) Workers(ctx context.Context) ([]WorkerInfo, error) {
	var keys []string
	iter := b.rdb.Scan(ctx, 0, b.workerKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]WorkerInfo, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		w, err := b.codec.decodeWorker([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Hostname, out[j].Hostname) < 0 })
	return out, nil
}

// Cleanup is a no-op: every key carries a TTL.
func (b *redisBackend) Cleanup(context.Context, time.Time) (int, error) { return 0, nil }

func (b *redisBackend) Close() error {
	if b.owned {
		return b.rdb.Close()
	}
	return nil
}
