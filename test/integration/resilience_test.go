package integration

import (
	"context"
	"testing"

	"github.com/northseadl/celerity"
)

// A second app on the same broker picks up tasks left by one that went away.
func TestRabbitMQ_Resilience_Reconnect(t *testing.T) {
	broker := rabbitBroker(t)
	cfg := celerity.Config{Namespace: "it.resilience", Broker: broker, Backend: celerity.BackendConfig{Provider: celerity.BackendMemory}}
	ctx := context.Background()

	c1, err := celerity.New(ctx, cfg, celerity.WithLogger(celerity.NopLogger()))
	if err != nil {
		t.Fatalf("new c1: %v", err)
	}
	add1 := addTask(c1)
	w1 := c1.Worker(celerity.WorkerOptions{})
	if err := w1.Start(ctx); err != nil {
		t.Fatalf("worker c1: %v", err)
	}
	r, err := add1.Delay(ctx, 1, 2)
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if got := wait(t, r); got != int64(3) {
		t.Fatalf("expected 3, got %v", got)
	}
	_ = w1.Stop(ctx)

	// queued while no worker is running
	r2, err := add1.Delay(ctx, 20, 22)
	if err != nil {
		t.Fatalf("delay while offline: %v", err)
	}
	_ = c1.Close(ctx)

	c2 := newApp(t, cfg, celerity.WithBackend(c1.Backend()))
	addTask(c2)
	startWorker(t, c2)
	if got := wait(t, r2); got != int64(42) {
		t.Fatalf("expected 42, got %v", got)
	}
}
