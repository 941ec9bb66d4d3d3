package celerity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMQ_CloseWaitsForHandlers(t *testing.T) {
	b := newMemoryMQ(BrokerConfig{Concurrency: 1}, NopLogger())
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	_, err := b.Consume(ctx, "q", "g", func(ctx context.Context, _ Message) error {
		close(started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Message{Topic: "q", Body: []byte("x")}))
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("message not delivered")
	}

	cctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, b.Close(cctx))
	assert.True(t, finished.Load(), "close returned before the handler")

	_, err = b.Consume(ctx, "q", "g", func(context.Context, Message) error { return nil })
	assert.Error(t, err)
	assert.NoError(t, b.Close(ctx))
}

func TestMemoryMQ_CloseDeadline(t *testing.T) {
	b := newMemoryMQ(BrokerConfig{Concurrency: 1}, NopLogger())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err := b.Consume(ctx, "q", "g", func(context.Context, Message) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Message{Topic: "q", Body: []byte("x")}))
	<-started

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(cctx), context.DeadlineExceeded)
}
