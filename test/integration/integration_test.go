package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/northseadl/celerity"
)

func requireEnv(t *testing.T, k string) string {
	v := os.Getenv(k)
	if v == "" {
		t.Skipf("env %s not set; skipping integration", k)
	}
	return v
}

func rabbitBroker(t *testing.T) celerity.BrokerConfig {
	uri := requireEnv(t, "CELERITY_RABBITMQ_URI")
	ex := requireEnv(t, "CELERITY_RABBITMQ_EXCHANGE")
	return celerity.BrokerConfig{
		Provider:    celerity.MQProviderRabbitMQ,
		Concurrency: 4,
		RabbitMQ:    celerity.RabbitMQConfig{URI: uri, Exchange: ex, DelayedExchange: os.Getenv("CELERITY_RABBITMQ_DELAYED_EXCHANGE")},
	}
}

func newApp(t *testing.T, cfg celerity.Config, opts ...celerity.Option) *celerity.App {
	t.Helper()
	ctx := context.Background()
	a, err := celerity.New(ctx, cfg, append([]celerity.Option{celerity.WithLogger(celerity.NopLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(ctx) })
	return a
}

func startWorker(t *testing.T, a *celerity.App) {
	t.Helper()
	w := a.Worker(celerity.WorkerOptions{})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("worker: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
}

func wait(t *testing.T, r celerity.Result) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := r.Get(ctx)
	if err != nil {
		t.Fatalf("get %v", err)
	}
	return v
}

func addTask(a *celerity.App) *celerity.TaskHandle {
	return a.Task("it.add", func(_ context.Context, c *celerity.Call) (any, error) {
		x, err := c.Int(0)
		if err != nil {
			return nil, err
		}
		y, err := c.Int(1)
		if err != nil {
			return nil, err
		}
		return x + y, nil
	})
}

func TestRabbitMQ_EndToEnd(t *testing.T) {
	a := newApp(t, celerity.Config{
		Namespace: "it",
		Broker:    rabbitBroker(t),
		Backend:   celerity.BackendConfig{Provider: celerity.BackendMemory},
	})
	add := addTask(a)
	startWorker(t, a)
	ctx := context.Background()

	r, err := add.Delay(ctx, 4, 4)
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if got := wait(t, r); got != int64(8) {
		t.Fatalf("expected 8, got %v", got)
	}

	c, err := celerity.Chain(add.S(1, 1), add.S(10), add.S(100)).ApplyAsync(ctx)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if got := wait(t, c); got != int64(112) {
		t.Fatalf("expected 112, got %v", got)
	}
}

func TestRabbitMQ_RetryCountdown(t *testing.T) {
	broker := rabbitBroker(t)
	if broker.RabbitMQ.DelayedExchange == "" {
		t.Skip("delayed exchange not set; skipping test")
	}
	a := newApp(t, celerity.Config{Broker: broker, Backend: celerity.BackendConfig{Provider: celerity.BackendMemory}})
	flaky := a.Task("it.flaky", func(_ context.Context, c *celerity.Call) (any, error) {
		if c.Retries < 2 {
			return nil, c.Retry(nil, celerity.RetryCountdown(200*time.Millisecond))
		}
		return c.Retries, nil
	})
	startWorker(t, a)

	r, err := flaky.Delay(context.Background())
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if got := wait(t, r); got != int64(2) {
		t.Fatalf("expected 2 retries, got %v", got)
	}
}
