package celerity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// App is the entry point: it owns the broker, the result backend and the task
// registry. Build it with New. All methods are safe for concurrent use.
type App struct {
	cfg    Config
	logger Logger

	mq         MQ
	ownMQ      bool
	backend    Backend
	ownBackend bool
	router     *Router
	taskSer    Serializer
	resultSer  Serializer
	accept     map[string]Serializer
	bus        EventBus
	sys        EventBus
	idem       Middleware
	metrics    metrics
	hostname   string
	loc        *time.Location

	mu    sync.RWMutex
	tasks map[string]*Task
}

// New builds an App from cfg. Broker and backend are chosen by provider
// unless injected with WithBroker or WithBackend.
func New(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	cfg.applyDefaults()
	a := &App{
		cfg:      cfg,
		router:   NewRouter(cfg.DefaultQueue, cfg.Routes),
		hostname: defaultHostname(),
		tasks:    map[string]*Task{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = defaultLogger(cfg.Logger)
	}

	var err error
	if a.taskSer, err = LookupSerializer(cfg.TaskSerializer); err != nil {
		return nil, fmt.Errorf("task_serializer: %w", err)
	}
	if a.resultSer, err = LookupSerializer(cfg.ResultSerializer); err != nil {
		return nil, fmt.Errorf("result_serializer: %w", err)
	}
	if a.accept, err = acceptSet(cfg.AcceptContent); err != nil {
		return nil, err
	}
	a.loc = time.UTC
	if cfg.Timezone != "" {
		if a.loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
	}

	if a.mq == nil {
		switch cfg.Broker.Provider {
		case MQProviderRabbitMQ:
			a.mq, err = newRabbitMQAdapter(cfg.Broker, a.logger)
		case MQProviderRedis:
			a.mq, err = newRedisAdapter(cfg.Broker, cfg.Namespace, a.logger)
		case MQProviderMemory:
			a.mq = newMemoryMQ(cfg.Broker, a.logger)
		default:
			err = fmt.Errorf("unsupported broker provider %q", cfg.Broker.Provider)
		}
		if err != nil {
			return nil, err
		}
		a.ownMQ = true
	}
	if a.backend == nil {
		b, err := newBackend(ctx, cfg, a.resultSer, a.logger)
		if err != nil {
			a.closeBroker(ctx)
			return nil, err
		}
		if b != nil {
			a.backend, a.ownBackend = b, true
		}
	}

	// idempotency is enabled by a KV or Redis address
	if cfg.Idempotency.enabled() {
		idemCfg := cfg.Idempotency
		if idemCfg.KV == nil {
			idemCfg.KV = RedisKV{R: redis.NewClient(&redis.Options{Addr: idemCfg.RedisAddr, Username: idemCfg.RedisUsername, Password: idemCfg.RedisPassword, DB: idemCfg.RedisDB})}
		}
		a.idem = NewIdempotencyMiddleware(idemCfg)
	}
	a.bus = newBus(a)
	// events and control bypass idempotency: many carry the same task id
	a.sys = a.bus
	if a.idem != nil {
		a.bus = withDefaultBusMiddleware(a.bus, a.idem)
	}
	a.registerBuiltins()
	return a, nil
}

// Option replaces default behavior.
type Option func(*App)

// WithLogger injects a Logger.
func WithLogger(l Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithBroker injects a broker; the App does not close it.
func WithBroker(mq MQ) Option { return func(a *App) { a.mq = mq } }

// WithBackend injects a result backend; the App does not close it.
func WithBackend(b Backend) Option { return func(a *App) { a.backend = b } }

// WithHostname sets the node name used by workers and events.
func WithHostname(h string) Option {
	return func(a *App) {
		if h != "" {
			a.hostname = h
		}
	}
}

// Task registers fn under name and returns a handle to call it. It panics on
// an invalid definition (bad rate limit or schema) like other registration APIs.
func (a *App) Task(name string, fn TaskFunc, opts ...TaskOption) *TaskHandle {
	t := newTask(name, fn, opts...)
	a.mustRegister(t)
	return &TaskHandle{app: a, task: t}
}

// Register adds a fully built Task.
func (a *App) Register(t *Task) (*TaskHandle, error) {
	if ann, ok := a.cfg.Annotations[t.Name]; ok {
		if ann.RateLimit != "" {
			t.RateLimit = ann.RateLimit
		}
		if ann.Queue != "" {
			t.Queue = ann.Queue
		}
	}
	if err := t.prepare(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.tasks[t.Name] = t
	a.mu.Unlock()
	return &TaskHandle{app: a, task: t}, nil
}

func (a *App) mustRegister(t *Task) {
	if _, err := a.Register(t); err != nil {
		panic(err)
	}
}

func (a *App) lookup(name string) (*Task, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tasks[name]
	return t, ok
}

// Handle returns the handle of a registered task.
func (a *App) Handle(name string) (*TaskHandle, error) {
	t, ok := a.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}
	return &TaskHandle{app: a, task: t}, nil
}

// Tasks lists registered task names, sorted.
func (a *App) Tasks() []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.tasks))
	for n := range a.tasks {
		names = append(names, n)
	}
	a.mu.RUnlock()
	sort.Strings(names)
	return names
}

// callDirect runs a task in process. Arguments go through the task serializer
// so the body sees the same types as in a worker.
func (a *App) callDirect(ctx context.Context, t *Task, args []any, kwargs map[string]any) (any, error) {
	var err error
	if args, err = a.roundTrip(args); err != nil {
		return nil, err
	}
	if len(kwargs) > 0 {
		var kw []any
		if kw, err = a.roundTrip([]any{kwargs}); err != nil {
			return nil, err
		}
		kwargs, _ = kw[0].(map[string]any)
	}
	if err := t.validateArgs(args); err != nil {
		return nil, err
	}
	call := &Call{
		ID:             uuid.NewString(),
		Task:           t.Name,
		Args:           args,
		Kwargs:         kwargs,
		Hostname:       a.hostname,
		CalledDirectly: true,
		app:            a,
		task:           t,
		logger:         a.logger.With("task", t.Name),
	}
	call.RootID = call.ID
	res, err := t.Fn(ctx, call)
	var re *RetryError
	if errors.As(err, &re) && re.Err != nil {
		return nil, re.Err
	}
	return res, err
}

func (a *App) roundTrip(args []any) ([]any, error) {
	if args == nil {
		return []any{}, nil
	}
	b, err := a.taskSer.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	var out []any
	if err := a.taskSer.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	for i := range out {
		out[i] = Normalize(out[i])
	}
	return out, nil
}

func (a *App) topic(queue string) string {
	if a.cfg.Namespace == "" {
		return queue
	}
	return a.cfg.Namespace + "." + queue
}

// EventsTopic is where workers publish TaskEvents.
func (a *App) EventsTopic() string { return a.topic("celeryev") }

func (a *App) controlTopic() string { return a.topic("celery.pidbox") }

func (a *App) Config() Config           { return a.cfg }
func (a *App) Logger() Logger           { return a.logger }
func (a *App) Broker() MQ               { return a.mq }
func (a *App) Backend() Backend         { return a.backend }
func (a *App) Bus() EventBus            { return a.bus }
func (a *App) Router() *Router          { return a.router }
func (a *App) Hostname() string         { return a.hostname }
func (a *App) Location() *time.Location { return a.loc }

// Events is the bus task events and control commands travel on. Unlike Bus
// it never deduplicates, so every subscriber group sees every event.
func (a *App) Events() EventBus { return a.sys }

// Close releases the broker and backend the App created.
func (a *App) Close(ctx context.Context) error {
	// broker first: in-flight handlers may still store results
	errs := []error{a.closeBroker(ctx)}
	if a.backend != nil && a.ownBackend {
		errs = append(errs, a.backend.Close())
	}
	return errors.Join(errs...)
}

func (a *App) closeBroker(ctx context.Context) error {
	if a.mq != nil && a.ownMQ {
		return a.mq.Close(ctx)
	}
	return nil
}
