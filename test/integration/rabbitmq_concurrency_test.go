package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/northseadl/celerity"
)

func TestRabbitMQ_Concurrency(t *testing.T) {
	broker := rabbitBroker(t)
	broker.Concurrency = 8
	broker.RabbitMQ.Prefetch = 64
	a := newApp(t, celerity.Config{Broker: broker})
	var processed int64
	slow := a.Task("it.slow", func(context.Context, *celerity.Call) (any, error) {
		atomic.AddInt64(&processed, 1)
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}, celerity.WithIgnoreResult())
	startWorker(t, a)

	// 100 tasks of 50ms finish well within the deadline only when run in parallel
	n := 100
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := slow.Delay(ctx, i); err != nil {
			t.Fatalf("delay: %v", err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&processed) >= int64(n) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("not all tasks processed in time: %d/%d", atomic.LoadInt64(&processed), n)
}
