package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/northseadl/celerity"
	"github.com/redis/go-redis/v9"
)

func redisKV(t *testing.T) celerity.RedisKV {
	rdb := redis.NewClient(&redis.Options{Addr: requireEnv(t, "CELERITY_REDIS_ADDR")})
	t.Cleanup(func() { _ = rdb.Close() })
	return celerity.RedisKV{R: rdb}
}

func TestIdempotency_Tasks(t *testing.T) {
	cfg := celerity.Config{
		Broker:      rabbitBroker(t),
		Idempotency: celerity.IdempotencyConfig{KV: redisKV(t), Prefix: "celerity:test:idem:" + time.Now().Format("150405.000"), TTL: 10 * time.Second},
	}
	a := newApp(t, cfg)
	var n int64
	job := a.Task("it.idem.job", func(context.Context, *celerity.Call) (any, error) {
		atomic.AddInt64(&n, 1)
		return nil, nil
	}, celerity.WithIgnoreResult())
	startWorker(t, a)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := job.ApplyAsync(ctx, []any{i}, celerity.WithIdempotencyKey("k1")); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	time.Sleep(3 * time.Second)
	if got := atomic.LoadInt64(&n); got != 1 {
		t.Fatalf("expected 1 execution, got %d", got)
	}
}

func TestIdempotency_EventBus(t *testing.T) {
	cfg := celerity.Config{
		Broker:      rabbitBroker(t),
		Idempotency: celerity.IdempotencyConfig{KV: redisKV(t), Prefix: "celerity:test:idem:bus:" + time.Now().Format("150405.000"), TTL: 10 * time.Second},
	}
	a := newApp(t, cfg)
	ctx := context.Background()

	topic := "it.idem.bus"
	var rcv int64
	stop, err := a.Bus().Subscribe(ctx, topic, "g1", nil, func(context.Context, celerity.Event) error {
		atomic.AddInt64(&rcv, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	defer stop(ctx)

	e := celerity.Event{Topic: topic, Type: "T", Subject: "s1", Payload: []byte("p")}
	for i := 0; i < 3; i++ {
		if err := a.Bus().Publish(ctx, e); err != nil {
			t.Fatalf("pub: %v", err)
		}
	}
	time.Sleep(2 * time.Second)
	if got := atomic.LoadInt64(&rcv); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
}
