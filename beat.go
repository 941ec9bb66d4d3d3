package celerity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	cronv3 "github.com/robfig/cron/v3"
)

// BeatEntry is one periodic task.
type BeatEntry struct {
	Name string `json:"name" yaml:"name"`
	Task string `json:"task" yaml:"task"`
	// Schedule is an interval ("30s", "1m30s", "30.0" seconds, "@every 1h"),
	// a descriptor ("@hourly") or a crontab with optional seconds field
	// ("*/5 * * * *", "0 30 7 * * mon-fri").
	Schedule string         `json:"schedule" yaml:"schedule"`
	Args     []any          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	Queue    string         `json:"queue,omitempty" yaml:"queue,omitempty"`
	// Expires drops the sent task when no worker started it in time.
	Expires time.Duration `json:"expires,omitempty" yaml:"expires,omitempty"`
}

var scheduleParser = cronv3.NewParser(
	cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor,
)

// ParseSchedule parses a BeatEntry schedule.
func ParseSchedule(spec string) (cronv3.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule %q: interval must be positive", spec)
		}
		return cronv3.Every(d), nil
	}
	if f, err := strconv.ParseFloat(spec, 64); err == nil {
		if f <= 0 {
			return nil, fmt.Errorf("schedule %q: interval must be positive", spec)
		}
		return cronv3.Every(time.Duration(f * float64(time.Second))), nil
	}
	s, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s, nil
}

// Crontab builds a five field crontab schedule. Empty fields mean "*".
func Crontab(minute, hour, dayOfMonth, month, dayOfWeek string) string {
	fields := []string{minute, hour, dayOfMonth, month, dayOfWeek}
	for i, f := range fields {
		if strings.TrimSpace(f) == "" {
			fields[i] = "*"
		}
	}
	return strings.Join(fields, " ")
}

// BeatEntryState is an entry with its next and previous run.
type BeatEntryState struct {
	BeatEntry
	Next      time.Time
	Prev      time.Time
	TotalRuns int64
}

// Beat sends periodic tasks. Several Beat processes may run; only the elected
// leader sends.
type Beat struct {
	a      *App
	logger Logger
	cron   *cronv3.Cron
	lock   leaderLock

	mu      sync.Mutex
	entries map[string]BeatEntry
	ids     map[string]cronv3.EntryID
	runs    map[string]int64
	leading bool
}

// Beat builds a scheduler holding Config.Beat.Schedule.
func (a *App) Beat() (*Beat, error) {
	b := &Beat{
		a:       a,
		logger:  a.logger.With("component", "beat"),
		entries: map[string]BeatEntry{},
		ids:     map[string]cronv3.EntryID{},
		runs:    map[string]int64{},
	}
	cl := cronLogger{l: b.logger}
	b.cron = cronv3.New(cronv3.WithLocation(a.loc), cronv3.WithLogger(cl), cronv3.WithChain(cronv3.Recover(cl)))
	b.lock = a.newLeaderLock()
	for _, e := range a.cfg.Beat.Schedule {
		if err := b.Add(e); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add registers or replaces an entry.
func (b *Beat) Add(e BeatEntry) error {
	if e.Task == "" {
		return fmt.Errorf("beat entry %q: task empty", e.Name)
	}
	if e.Name == "" {
		e.Name = e.Task
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("beat entry %q: %w", e.Name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.ids[e.Name]; ok {
		b.cron.Remove(id)
	}
	name := e.Name
	b.ids[name] = b.cron.Schedule(sched, cronv3.FuncJob(func() {
		_ = b.Tick(context.Background(), name)
	}))
	b.entries[name] = e
	return nil
}

// Remove drops an entry.
func (b *Beat) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.ids[name]; ok {
		b.cron.Remove(id)
		delete(b.ids, name)
		delete(b.entries, name)
		delete(b.runs, name)
	}
}

// Sync makes entries the complete schedule: new and changed entries are
// (re)added, entries missing from the list are removed.
func (b *Beat) Sync(entries []BeatEntry) error {
	keep := map[string]bool{}
	for _, e := range entries {
		if e.Name == "" {
			e.Name = e.Task
		}
		keep[e.Name] = true
		b.mu.Lock()
		cur, ok := b.entries[e.Name]
		b.mu.Unlock()
		if ok && reflect.DeepEqual(cur, e) {
			continue
		}
		if err := b.Add(e); err != nil {
			return err
		}
	}
	for _, st := range b.Entries() {
		if !keep[st.Name] {
			b.Remove(st.Name)
		}
	}
	return nil
}

// Entries lists entries sorted by name.
func (b *Beat) Entries() []BeatEntryState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BeatEntryState, 0, len(b.entries))
	for name, e := range b.entries {
		ce := b.cron.Entry(b.ids[name])
		out = append(out, BeatEntryState{BeatEntry: e, Next: ce.Next, Prev: ce.Prev, TotalRuns: b.runs[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick sends the task of entry name now.
func (b *Beat) Tick(ctx context.Context, name string) error {
	b.mu.Lock()
	e, ok := b.entries[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("beat entry %q not found", name)
	}
	var opts []ApplyOption
	if e.Queue != "" {
		opts = append(opts, OnQueue(e.Queue))
	}
	if len(e.Kwargs) > 0 {
		opts = append(opts, WithKwargs(e.Kwargs))
	}
	if e.Expires > 0 {
		opts = append(opts, Expires(e.Expires))
	}
	res, err := b.a.SendTask(ctx, e.Task, e.Args, opts...)
	if err != nil {
		b.logger.Error(ctx, "send periodic task failed", "entry", name, "task", e.Task, "error", err)
		return err
	}
	b.a.metrics.beat(name)
	b.mu.Lock()
	b.runs[name]++
	b.mu.Unlock()
	b.logger.Info(ctx, "sending due task", "entry", name, "task", e.Task, "id", res.ID())
	return nil
}

// Leading reports whether this process currently sends tasks.
func (b *Beat) Leading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leading
}

// Run campaigns for leadership and schedules while leader, until ctx is done.
func (b *Beat) Run(ctx context.Context) error {
	ttl := b.a.cfg.Beat.LeaderTTL
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	defer b.resign()
	b.logger.Info(ctx, "beat starting", "entries", len(b.Entries()), "timezone", b.a.loc.String())
	for {
		if b.Leading() {
			ok, err := b.lock.Renew(ctx)
			if err != nil || !ok {
				b.logger.Warn(ctx, "beat leadership lost", "error", err)
				b.setLeading(false)
			}
		} else {
			ok, err := b.lock.Acquire(ctx)
			if err != nil && ctx.Err() == nil {
				b.logger.Warn(ctx, "beat leader election failed", "error", err)
			}
			if ok {
				b.logger.Info(ctx, "beat elected leader", "hostname", b.a.hostname)
				b.setLeading(true)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (b *Beat) setLeading(on bool) {
	b.mu.Lock()
	was := b.leading
	b.leading = on
	b.mu.Unlock()
	switch {
	case on && !was:
		b.cron.Start()
	case !on && was:
		<-b.cron.Stop().Done()
	}
}

func (b *Beat) resign() {
	lead := b.Leading()
	b.setLeading(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if lead {
		if err := b.lock.Release(ctx); err != nil {
			b.logger.Warn(ctx, "release beat leadership", "error", err)
		}
	}
	b.lock.Close()
}

// leaderLock elects one Beat among processes sharing a broker.
type leaderLock interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Close()
}

func (a *App) newLeaderLock() leaderLock {
	switch a.cfg.Broker.Provider {
	case MQProviderRedis:
		return &redisLeader{
			rdb:   redis.NewClient(a.cfg.Broker.Redis.options()),
			key:   a.cfg.Beat.LeaderLockKey,
			value: a.hostname + "/" + uuid.NewString(),
			ttl:   a.cfg.Beat.LeaderTTL,
		}
	case MQProviderRabbitMQ:
		return &rabbitLeader{uri: a.cfg.Broker.RabbitMQ.URI, queue: sanitizeQueueName(a.cfg.Beat.LeaderLockKey)}
	default:
		return localLeader{}
	}
}

// redisLeader holds a key with a random value and renews it only while the
// value is still ours.
type redisLeader struct {
	rdb   redis.UniversalClient
	key   string
	value string
	ttl   time.Duration
}

func (l *redisLeader) kv() RedisKV { return RedisKV{R: l.rdb} }

func (l *redisLeader) Acquire(ctx context.Context) (bool, error) {
	return l.kv().SetNX(ctx, l.key, l.value, l.ttl)
}

func (l *redisLeader) Renew(ctx context.Context) (bool, error) {
	return l.kv().Renew(ctx, l.key, l.value, l.ttl)
}

func (l *redisLeader) Release(ctx context.Context) error {
	return l.kv().Release(ctx, l.key, l.value)
}

func (l *redisLeader) Close() { _ = l.rdb.Close() }

// rabbitLeader holds an exclusive queue; the broker drops it with the
// connection, so a crashed leader is replaced without waiting for a TTL.
type rabbitLeader struct {
	uri   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
}

func (l *rabbitLeader) Acquire(context.Context) (bool, error) {
	conn, err := amqp.Dial(l.uri)
	if err != nil {
		return false, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	if _, err := ch.QueueDeclare(l.queue, false, true, true, false, nil); err != nil {
		_ = conn.Close()
		var ae *amqp.Error
		if errors.As(err, &ae) && ae.Code == amqp.ResourceLocked {
			return false, nil
		}
		return false, err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return true, nil
}

func (l *rabbitLeader) Renew(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && !l.conn.IsClosed(), nil
}

func (l *rabbitLeader) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *rabbitLeader) Close() { _ = l.Release(context.Background()) }

// localLeader is used with the in-memory broker, where only one process exists.
type localLeader struct{}

func (localLeader) Acquire(context.Context) (bool, error) { return true, nil }
func (localLeader) Renew(context.Context) (bool, error)   { return true, nil }
func (localLeader) Release(context.Context) error         { return nil }
func (localLeader) Close()                                {}

// cronLogger routes robfig/cron logs to Logger.
type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug(context.Background(), "cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(context.Background(), "cron: "+msg, append(kv, "error", err)...)
}
