package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/northseadl/celerity"
)

// Two beats on one broker: only the leader sends, so a 1s schedule runs about
// once per second in total.
func TestBeat_SingleLeader(t *testing.T) {
	cfg := redisConfig(t)
	cfg.Beat.LeaderLockKey = "it:beat:leader:" + time.Now().Format("150405.000")
	cfg.Beat.LeaderTTL = 2 * time.Second
	cfg.Beat.Schedule = []celerity.BeatEntry{{Name: "tick", Task: "it.tick", Schedule: "1s"}}

	var n int64
	worker := newApp(t, cfg)
	worker.Task("it.tick", func(context.Context, *celerity.Call) (any, error) {
		atomic.AddInt64(&n, 1)
		return nil, nil
	})
	startWorker(t, worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var beats []*celerity.Beat
	for i := 0; i < 2; i++ {
		b, err := newApp(t, cfg).Beat()
		if err != nil {
			t.Fatalf("beat %d: %v", i, err)
		}
		beats = append(beats, b)
		go func() { _ = b.Run(ctx) }()
	}

	time.Sleep(4500 * time.Millisecond)
	leaders := 0
	for _, b := range beats {
		if b.Leading() {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}
	got := atomic.LoadInt64(&n)
	if got < 2 || got > 5 {
		t.Fatalf("expected 2..5 runs with one leader, got %d", got)
	}
}
