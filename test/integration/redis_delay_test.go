package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/northseadl/celerity"
)

func redisConfig(t *testing.T) celerity.Config {
	addr := requireEnv(t, "CELERITY_REDIS_ADDR")
	return celerity.Config{
		Namespace: "it",
		Broker:    celerity.BrokerConfig{Provider: celerity.MQProviderRedis, Concurrency: 4, Redis: celerity.RedisConfig{Addr: addr}},
		Backend:   celerity.BackendConfig{Provider: celerity.BackendRedis, KeyPrefix: "it-celery-", Redis: celerity.RedisConfig{Addr: addr}},
	}
}

func TestRedis_CountdownFlow(t *testing.T) {
	a := newApp(t, redisConfig(t))
	var ranAt atomic.Int64
	stamp := a.Task("it.stamp", func(context.Context, *celerity.Call) (any, error) {
		ranAt.Store(time.Now().UnixNano())
		return "ok", nil
	})
	startWorker(t, a)

	start := time.Now()
	delay := 1200 * time.Millisecond
	r, err := stamp.ApplyAsync(context.Background(), nil, celerity.Countdown(delay))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := wait(t, r); got != "ok" {
		t.Fatalf("unexpected result %v", got)
	}
	elapsed := time.Unix(0, ranAt.Load()).Sub(start)
	if elapsed < delay {
		t.Fatalf("too early: %v < %v", elapsed, delay)
	}
	if elapsed > delay+3*time.Second {
		t.Fatalf("too late: %v > %v", elapsed, delay+3*time.Second)
	}
}

func TestRedis_Chord(t *testing.T) {
	a := newApp(t, redisConfig(t))
	add := addTask(a)
	sum := a.Task("it.sum", func(_ context.Context, c *celerity.Call) (any, error) {
		var xs []int64
		if err := c.Decode(0, &xs); err != nil {
			return nil, err
		}
		var total int64
		for _, x := range xs {
			total += x
		}
		return total, nil
	})
	startWorker(t, a)

	header := make([]celerity.Signature, 10)
	for i := range header {
		header[i] = add.S(i, i)
	}
	r, err := celerity.Chord(header, sum.S()).ApplyAsync(context.Background())
	if err != nil {
		t.Fatalf("chord: %v", err)
	}
	if got := wait(t, r); got != int64(90) {
		t.Fatalf("expected 90, got %v", got)
	}
}
