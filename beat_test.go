package celerity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) // a friday
	tests := []struct {
		spec string
		next time.Time
	}{
		{"30s", base.Add(30 * time.Second)},
		{"1m30s", base.Add(90 * time.Second)},
		{"30.0", base.Add(30 * time.Second)},
		{"60", base.Add(time.Minute)},
		{"@every 1h", base.Add(time.Hour)},
		{"@hourly", base.Add(time.Hour)},
		{"*/5 * * * *", base.Add(5 * time.Minute)},
		{"0 */2 * * *", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"0 30 7 * * mon-fri", time.Date(2024, 3, 4, 7, 30, 0, 0, time.UTC)},
		{Crontab("0", "0", "", "", "sun"), time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSchedule(tt.spec)
			require.NoError(t, err)
			assert.WithinDuration(t, tt.next, s.Next(base), 0)
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, spec := range []string{"", "  ", "-5s", "0", "-1.5", "every tuesday", "61 * * * *"} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}
}

func TestCrontab(t *testing.T) {
	assert.Equal(t, "* * * * *", Crontab("", "", "", "", ""))
	assert.Equal(t, "0 */2 * * *", Crontab("0", "*/2", "", "", ""))
}

func TestBeat_Entries(t *testing.T) {
	cfg := memConfig()
	cfg.Beat.Schedule = []BeatEntry{
		{Name: "add-every-30-seconds", Task: "t.add", Schedule: "30.0", Args: []any{16, 16}},
		{Task: "t.mul", Schedule: "@hourly", Args: []any{2, 3}},
	}
	a := newTestApp(t, cfg)
	b, err := a.Beat()
	require.NoError(t, err)

	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "add-every-30-seconds", entries[0].Name)
	assert.Equal(t, "t.mul", entries[1].Name)

	require.Error(t, b.Add(BeatEntry{Name: "bad", Task: "t.add", Schedule: "whenever"}))
	require.Error(t, b.Add(BeatEntry{Name: "no task", Schedule: "1m"}))

	// replacing keeps one entry per name
	require.NoError(t, b.Add(BeatEntry{Name: "t.mul", Task: "t.mul", Schedule: "1m"}))
	assert.Len(t, b.Entries(), 2)

	b.Remove("t.mul")
	assert.Len(t, b.Entries(), 1)
	b.Remove("missing")
	assert.Len(t, b.Entries(), 1)
}

func TestBeat_Sync(t *testing.T) {
	a := newTestApp(t, memConfig())
	b, err := a.Beat()
	require.NoError(t, err)

	require.NoError(t, b.Sync([]BeatEntry{
		{Name: "a", Task: "t.add", Schedule: "1m"},
		{Name: "b", Task: "t.add", Schedule: "2m"},
	}))
	idA := b.ids["a"]

	require.NoError(t, b.Sync([]BeatEntry{
		{Name: "a", Task: "t.add", Schedule: "1m"},
		{Name: "c", Task: "t.mul", Schedule: "3m"},
	}))
	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "c", entries[1].Name)
	assert.Equal(t, idA, b.ids["a"], "unchanged entry is not rescheduled")

	assert.Error(t, b.Sync([]BeatEntry{{Name: "x", Task: "t.add", Schedule: "nope"}}))
}

func TestBeat_Tick(t *testing.T) {
	a, tt := canvasApp(t)
	b, err := a.Beat()
	require.NoError(t, err)
	require.NoError(t, b.Add(BeatEntry{
		Name:     "sum",
		Task:     tt.add.Name(),
		Schedule: "1h",
		Args:     []any{16, 16},
		Queue:    "celery",
		Expires:  time.Minute,
	}))

	require.NoError(t, b.Tick(context.Background(), "sum"))
	assert.Equal(t, int64(1), b.Entries()[0].TotalRuns)
	assert.Error(t, b.Tick(context.Background(), "missing"))
}

func TestBeat_RunLocalLeader(t *testing.T) {
	a := newTestApp(t, memConfig())
	ran := make(chan struct{}, 4)
	a.Task("t.tick", func(context.Context, *Call) (any, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil, nil
	})
	startWorker(t, a)

	b, err := a.Beat()
	require.NoError(t, err)
	require.NoError(t, b.Add(BeatEntry{Name: "tick", Task: "t.tick", Schedule: "1s"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, b.Leading, waitTimeout, 10*time.Millisecond)
	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatal("periodic task not sent")
	}
	cancel()
	require.NoError(t, <-done)
	assert.False(t, b.Leading())
}

func TestRedisLeader(t *testing.T) {
	mr := miniredis.RunT(t)
	newLeader := func(value string) *redisLeader {
		return &redisLeader{
			rdb:   redis.NewClient(&redis.Options{Addr: mr.Addr()}),
			key:   "celerity:beat:leader",
			value: value,
			ttl:   time.Second,
		}
	}
	ctx := context.Background()
	l1, l2 := newLeader("one"), newLeader("two")
	defer l1.Close()
	defer l2.Close()

	ok, err := l1.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l1.Renew(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l2.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// the lease lapses without renewal
	mr.FastForward(2 * time.Second)
	ok, err = l1.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// a stale leader cannot release the new lease
	require.NoError(t, l1.Release(ctx))
	assert.Equal(t, "two", mustGet(t, mr, "celerity:beat:leader"))
	require.NoError(t, l2.Release(ctx))
	assert.False(t, mr.Exists("celerity:beat:leader"))
}

func TestBeat_LeaderLockByBroker(t *testing.T) {
	a := newTestApp(t, memConfig())
	assert.IsType(t, localLeader{}, a.newLeaderLock())

	mr := miniredis.RunT(t)
	cfg := memConfig()
	cfg.Broker = BrokerConfig{Provider: MQProviderRedis, Redis: RedisConfig{Addr: mr.Addr()}}
	r := newTestApp(t, cfg)
	l := r.newLeaderLock()
	defer l.Close()
	assert.IsType(t, &redisLeader{}, l)
	assert.Equal(t, "celerity:beat:leader", l.(*redisLeader).key)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
