package celerity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 5 * time.Second

// memConfig is an in-process broker and backend with fast heartbeats.
func memConfig() Config {
	return Config{
		Broker:  BrokerConfig{Provider: MQProviderMemory, Concurrency: 4, Retry: RetryConfig{Base: 10 * time.Millisecond, MaxRetries: 2}},
		Backend: BackendConfig{Provider: BackendMemory},
		Worker:  WorkerConfig{HeartbeatInterval: 50 * time.Millisecond},
	}
}

func newTestApp(t *testing.T, cfg Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(ZapLogger(zaptest.NewLogger(t)))}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func startWorker(t *testing.T, a *App, queues ...string) *Worker {
	t.Helper()
	w := a.Worker(WorkerOptions{Queues: queues})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

type testTasks struct {
	add, mul, double, xsum, fail *TaskHandle
}

func twoInts(c *Call) (int64, int64, error) {
	x, err := c.Int(0)
	if err != nil {
		return 0, 0, err
	}
	y, err := c.Int(1)
	return x, y, err
}

func registerTestTasks(a *App) testTasks {
	return testTasks{
		add: a.Task("t.add", func(_ context.Context, c *Call) (any, error) {
			x, y, err := twoInts(c)
			if err != nil {
				return nil, err
			}
			return x + y, nil
		}),
		mul: a.Task("t.mul", func(_ context.Context, c *Call) (any, error) {
			x, y, err := twoInts(c)
			if err != nil {
				return nil, err
			}
			return x * y, nil
		}),
		double: a.Task("t.double", func(_ context.Context, c *Call) (any, error) {
			x, err := c.Int(0)
			if err != nil {
				return nil, err
			}
			return x * 2, nil
		}),
		xsum: a.Task("t.xsum", func(_ context.Context, c *Call) (any, error) {
			v, err := c.Arg(0)
			if err != nil {
				return nil, err
			}
			items, ok := v.([]any)
			if !ok {
				return nil, Errorf("TypeError", "expected a list, got %T", v)
			}
			var total int64
			for _, it := range items {
				n, ok := Normalize(it).(int64)
				if !ok {
					return nil, Errorf("TypeError", "expected integers, got %T", it)
				}
				total += n
			}
			return total, nil
		}),
		fail: a.Task("t.fail", func(context.Context, *Call) (any, error) {
			return nil, Errorf("ValueError", "boom")
		}, WithMaxRetries(0)),
	}
}

func get(t *testing.T, r Result) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	v, err := r.Get(ctx)
	require.NoError(t, err)
	return v
}

func getErr(t *testing.T, r Result) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := r.Get(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
	return err
}

func ints(vs ...int64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	a := newTestApp(t, Config{})
	assert.Nil(t, a.Backend())
	assert.Equal(t, "celery", a.Router().DefaultQueue())
	assert.Equal(t, time.UTC, a.Location())
	assert.Equal(t, MQProviderMemory, a.Config().Broker.Provider)
	assert.Equal(t, time.Hour, a.Config().ResultExpires)
	assert.Contains(t, a.Tasks(), builtinStarmap)
	assert.Contains(t, a.Tasks(), builtinMap)
	assert.Equal(t, "celeryev", a.EventsTopic())
}

func TestNew_Namespace(t *testing.T) {
	a := newTestApp(t, Config{Namespace: "proj"}, WithHostname("w1@test"))
	assert.Equal(t, "proj.celeryev", a.EventsTopic())
	assert.Equal(t, "proj.celery.pidbox", a.controlTopic())
	assert.Equal(t, "proj:beat:leader", a.Config().Beat.LeaderLockKey)
	assert.Equal(t, "w1@test", a.Hostname())
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"task serializer", Config{TaskSerializer: "pickle"}},
		{"result serializer", Config{ResultSerializer: "msgpack"}},
		{"accept content", Config{AcceptContent: []string{"application/x-python-serialize"}}},
		{"timezone", Config{Timezone: "Mars/Olympus"}},
		{"broker", Config{Broker: BrokerConfig{Provider: "kafka"}}},
		{"backend", Config{Backend: BackendConfig{Provider: "cassandra"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg, WithLogger(NopLogger()))
			assert.Error(t, err)
		})
	}
}

func TestRegister_Annotations(t *testing.T) {
	cfg := memConfig()
	cfg.Annotations = map[string]TaskAnnotation{"t.add": {RateLimit: "10/m", Queue: "math"}}
	a := newTestApp(t, cfg)
	tt := registerTestTasks(a)

	assert.Equal(t, "10/m", tt.add.Task().RateLimit)
	assert.NotNil(t, tt.add.Task().limiter)
	assert.Equal(t, "math", a.Router().Route("t.add", "", tt.add.Task()))
	assert.Equal(t, "celery", a.Router().Route("t.mul", "", tt.mul.Task()))
}

func TestRegister_Invalid(t *testing.T) {
	a := newTestApp(t, memConfig())
	noop := func(context.Context, *Call) (any, error) { return nil, nil }

	_, err := a.Register(&Task{Name: "t.bad", Fn: noop, RateLimit: "fast"})
	assert.Error(t, err)
	_, err = a.Register(&Task{Name: "t.nil"})
	assert.Error(t, err)
	_, err = a.Register(&Task{Fn: noop})
	assert.Error(t, err)
	assert.Panics(t, func() { a.Task("t.schema", noop, WithArgsSchema("{not json")) })
}

func TestHandle(t *testing.T) {
	a := newTestApp(t, memConfig())
	registerTestTasks(a)

	h, err := a.Handle("t.add")
	require.NoError(t, err)
	assert.Equal(t, "t.add", h.Name())

	_, err = a.Handle("t.nope")
	assert.ErrorIs(t, err, ErrTaskNotRegistered)
}

func TestTaskHandle_Call(t *testing.T) {
	a := newTestApp(t, memConfig())
	tt := registerTestTasks(a)
	ctx := context.Background()

	v, err := tt.add.Call(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	// floats with no fraction are accepted as integers
	v, err = tt.mul.Call(ctx, 2.0, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(16), v)

	v, err = tt.xsum.Call(ctx, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	_, err = tt.add.Call(ctx, "x", 1)
	assert.ErrorIs(t, err, &TaskError{Type: "TypeError"})

	_, err = tt.fail.Call(ctx)
	assert.ErrorIs(t, err, &TaskError{Type: "ValueError", Message: "boom"})
}

func TestTaskHandle_CallRetryReturnsCause(t *testing.T) {
	a := newTestApp(t, memConfig())
	cause := errors.New("upstream down")
	h := a.Task("t.retrying", func(_ context.Context, c *Call) (any, error) {
		assert.True(t, c.CalledDirectly)
		assert.NoError(t, c.UpdateState(context.Background(), "PROGRESS", map[string]any{"pct": 50}))
		return nil, c.Retry(cause, RetryCountdown(time.Second))
	})

	_, err := h.Call(context.Background())
	assert.ErrorIs(t, err, cause)
	var re *RetryError
	assert.False(t, errors.As(err, &re))
}

func TestSendTask_SharedBroker(t *testing.T) {
	worker := newTestApp(t, memConfig())
	registerTestTasks(worker)
	startWorker(t, worker)

	// the sender knows the task only by name
	sender := newTestApp(t, memConfig(), WithBroker(worker.Broker()), WithBackend(worker.Backend()))
	res, err := sender.SendTask(context.Background(), "t.add", []any{20, 22})
	require.NoError(t, err)
	assert.Equal(t, int64(42), get(t, res))

	m, err := res.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t.add", m.Name)
	assert.Equal(t, "celery", m.Queue)
	assert.Equal(t, worker.Hostname(), m.Worker)
	assert.NotNil(t, m.DateDone)
}

func TestApp_CloseKeepsInjected(t *testing.T) {
	owner := newTestApp(t, memConfig())
	user, err := New(context.Background(), Config{}, WithLogger(NopLogger()), WithBroker(owner.Broker()), WithBackend(owner.Backend()))
	require.NoError(t, err)
	require.NoError(t, user.Close(context.Background()))

	// still usable through the owner
	require.NoError(t, owner.Backend().StoreResult(context.Background(), &TaskMeta{ID: "x", State: StateSuccess, Result: 1}))
	m, err := owner.Backend().GetTaskMeta(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, m.State)
}
