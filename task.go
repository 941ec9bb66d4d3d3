package celerity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"
)

// TaskFunc is the body of a task. The returned value is stored as the result.
type TaskFunc func(ctx context.Context, call *Call) (any, error)

// Hooks run in the worker around a task execution.
type Hooks struct {
	OnSuccess   func(ctx context.Context, call *Call, retval any)
	OnFailure   func(ctx context.Context, call *Call, err error)
	OnRetry     func(ctx context.Context, call *Call, err error)
	AfterReturn func(ctx context.Context, call *Call, state State, retval any, err error)
}

// Task is a registered task definition.
type Task struct {
	Name  string
	Fn    TaskFunc
	Queue string

	// MaxRetries bounds Call.Retry and autoretry. Negative means unlimited.
	MaxRetries        int
	DefaultRetryDelay time.Duration

	// AutoRetryFor selects errors that are retried without an explicit Call.Retry.
	AutoRetryFor     func(error) bool
	RetryBackoff     bool
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	RetryJitter      bool

	// Throws lists expected errors; they still fail the task but are logged at info.
	Throws []error

	IgnoreResult bool
	TrackStarted bool
	RateLimit    string
	TimeLimit    time.Duration
	// ArgsSchema is a JSON schema the positional args array must satisfy.
	ArgsSchema string
	Hooks      Hooks

	limiter *rate.Limiter
	schema  *gojsonschema.Schema
}

// TaskOption configures a Task at registration.
type TaskOption func(*Task)

func WithMaxRetries(n int) TaskOption { return func(t *Task) { t.MaxRetries = n } }

func WithDefaultRetryDelay(d time.Duration) TaskOption {
	return func(t *Task) { t.DefaultRetryDelay = d }
}

// WithAutoRetry retries the task whenever match(err) is true.
func WithAutoRetry(match func(error) bool) TaskOption {
	return func(t *Task) { t.AutoRetryFor = match }
}

// WithAutoRetryFor retries on errors matching any of errs via errors.Is.
func WithAutoRetryFor(errs ...error) TaskOption {
	return WithAutoRetry(func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	})
}

// WithRetryBackoff enables exponential retry delays base*2^retries capped at max.
func WithRetryBackoff(base, max time.Duration, jitter bool) TaskOption {
	return func(t *Task) {
		t.RetryBackoff = true
		t.RetryBackoffBase = base
		t.RetryBackoffMax = max
		t.RetryJitter = jitter
	}
}

func WithTaskQueue(q string) TaskOption     { return func(t *Task) { t.Queue = q } }
func WithIgnoreResult() TaskOption          { return func(t *Task) { t.IgnoreResult = true } }
func WithTrackStarted() TaskOption          { return func(t *Task) { t.TrackStarted = true } }
func WithRateLimit(limit string) TaskOption { return func(t *Task) { t.RateLimit = limit } }
func WithTimeLimit(d time.Duration) TaskOption {
	return func(t *Task) { t.TimeLimit = d }
}
func WithThrows(errs ...error) TaskOption {
	return func(t *Task) { t.Throws = append(t.Throws, errs...) }
}
func WithHooks(h Hooks) TaskOption { return func(t *Task) { t.Hooks = h } }
func WithArgsSchema(schema string) TaskOption {
	return func(t *Task) { t.ArgsSchema = schema }
}

func newTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{
		Name:              name,
		Fn:                fn,
		MaxRetries:        3,
		DefaultRetryDelay: 3 * time.Minute,
		RetryBackoffBase:  time.Second,
		RetryBackoffMax:   10 * time.Minute,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// prepare compiles the rate limiter and schema.
func (t *Task) prepare() error {
	if t.Name == "" {
		return fmt.Errorf("task name empty")
	}
	if t.Fn == nil {
		return fmt.Errorf("task %s: nil func", t.Name)
	}
	t.limiter = nil
	if t.RateLimit != "" {
		l, err := ParseRateLimit(t.RateLimit)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
		t.limiter = l
	}
	t.schema = nil
	if t.ArgsSchema != "" {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(t.ArgsSchema))
		if err != nil {
			return fmt.Errorf("task %s: args schema: %w", t.Name, err)
		}
		t.schema = s
	}
	return nil
}

func (t *Task) validateArgs(args []any) error {
	if t.schema == nil {
		return nil
	}
	if args == nil {
		args = []any{}
	}
	res, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return Errorf(errTypeSchema, "%v", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return Errorf(errTypeSchema, "%s", strings.Join(msgs, "; "))
	}
	return nil
}

func (t *Task) expected(err error) bool {
	for _, e := range t.Throws {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// retryCountdown is the delay before retry number retries+1 when the task
// did not ask for a specific one.
func (t *Task) retryCountdown(retries int) time.Duration {
	if !t.RetryBackoff {
		return t.DefaultRetryDelay
	}
	d := time.Duration(float64(t.RetryBackoffBase) * math.Pow(2, float64(retries)))
	if t.RetryBackoffMax > 0 && (d > t.RetryBackoffMax || d <= 0) {
		d = t.RetryBackoffMax
	}
	if t.RetryJitter && d > 0 {
		d = time.Duration(rand.Int64N(int64(d) + 1))
	}
	return d
}

// ParseRateLimit parses "10/m", "5/s", "100/h" or a bare per-second number.
func ParseRateLimit(s string) (*rate.Limiter, error) {
	s = strings.TrimSpace(s)
	num, unit, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid rate limit %q", s)
	}
	per := time.Second
	if found {
		switch strings.TrimSpace(unit) {
		case "s":
			per = time.Second
		case "m":
			per = time.Minute
		case "h":
			per = time.Hour
		default:
			return nil, fmt.Errorf("invalid rate limit unit in %q", s)
		}
	}
	return rate.NewLimiter(rate.Limit(n/per.Seconds()), 1), nil
}

// TaskHandle calls a task registered on an App.
type TaskHandle struct {
	app  *App
	task *Task
}

func (h *TaskHandle) Name() string { return h.task.Name }

// Task returns the definition behind the handle.
func (h *TaskHandle) Task() *Task { return h.task }

// Call runs the task in the current goroutine without a broker.
func (h *TaskHandle) Call(ctx context.Context, args ...any) (any, error) {
	return h.app.callDirect(ctx, h.task, args, nil)
}

// Delay sends the task with default options.
func (h *TaskHandle) Delay(ctx context.Context, args ...any) (*AsyncResult, error) {
	return h.ApplyAsync(ctx, args)
}

// ApplyAsync sends the task with options.
func (h *TaskHandle) ApplyAsync(ctx context.Context, args []any, opts ...ApplyOption) (*AsyncResult, error) {
	return h.app.sendSignature(ctx, h.S(args...), opts...)
}

// S returns a signature that receives the parent result in a chain.
func (h *TaskHandle) S(args ...any) Signature {
	return Signature{Task: h.task.Name, Args: args, app: h.app}
}

// SI returns an immutable signature: parent results are not prepended.
func (h *TaskHandle) SI(args ...any) Signature {
	s := h.S(args...)
	s.Immutable = true
	return s
}

// Map calls the task once per item in a single message.
func (h *TaskHandle) Map(items []any) Signature {
	return h.app.builtinSig(builtinMap, h.task, []any{h.task.Name, items})
}

// Starmap calls the task once per argument list in a single message.
func (h *TaskHandle) Starmap(items [][]any) Signature {
	return h.app.builtinSig(builtinStarmap, h.task, []any{h.task.Name, toAnySlice(items)})
}

// Chunks splits items into groups of n argument lists, each run as a starmap.
func (h *TaskHandle) Chunks(items [][]any, n int) Signature {
	if n <= 0 {
		n = 1
	}
	var parts []Signature
	for i := 0; i < len(items); i += n {
		end := min(i+n, len(items))
		parts = append(parts, h.Starmap(items[i:end]))
	}
	g := Group(parts...)
	g.app = h.app
	return g
}

func toAnySlice(items [][]any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
