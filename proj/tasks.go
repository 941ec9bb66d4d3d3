package proj

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/northseadl/celerity"
)

// Task names.
const (
	TaskAdd              = "proj.tasks.add"
	TaskMul              = "proj.tasks.mul"
	TaskXSum             = "proj.tasks.xsum"
	TaskHeavy            = "proj.tasks.heavy_task"
	TaskShowRequestInfo  = "proj.tasks.show_request_info"
	TaskFlaky            = "proj.tasks.flaky_task"
	TaskFetchURL         = "proj.tasks.fetch_url"
	TaskProgress         = "proj.tasks.progress_task"
	TaskFireAndForget    = "proj.tasks.fire_and_forget"
	TaskLongRunning      = "proj.tasks.long_running"
	TaskStrictAdd        = "proj.tasks.strict_add"
	TaskWithHandlersName = "proj.tasks.task_with_handlers"
)

// StateProgress is the custom state reported by progress_task.
const StateProgress celerity.State = "PROGRESS"

var (
	// ErrValue is the expected failure of strict_add.
	ErrValue = celerity.Errorf("ValueError", "")
	// ErrConnection marks network failures fetch_url retries on.
	ErrConnection = errors.New("connection error")
)

// Tasks holds the handles of the project tasks.
type Tasks struct {
	Add              *celerity.TaskHandle
	Mul              *celerity.TaskHandle
	XSum             *celerity.TaskHandle
	HeavyTask        *celerity.TaskHandle
	ShowRequestInfo  *celerity.TaskHandle
	FlakyTask        *celerity.TaskHandle
	FetchURL         *celerity.TaskHandle
	ProgressTask     *celerity.TaskHandle
	FireAndForget    *celerity.TaskHandle
	LongRunning      *celerity.TaskHandle
	StrictAdd        *celerity.TaskHandle
	TaskWithHandlers *celerity.TaskHandle
}

type options struct {
	addDelay   time.Duration
	stepDelay  time.Duration
	httpClient *http.Client
}

// Option tunes task bodies, mostly to keep tests fast.
type Option func(*options)

// WithAddDelay sets how long add sleeps. Default 1s.
func WithAddDelay(d time.Duration) Option { return func(o *options) { o.addDelay = d } }

// WithStepDelay sets the duration of one progress_task step. Default 200ms.
func WithStepDelay(d time.Duration) Option { return func(o *options) { o.stepDelay = d } }

// WithHTTPClient replaces the client used by fetch_url.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// Register registers every project task on app.
func Register(app *celerity.App, opts ...Option) *Tasks {
	o := options{addDelay: time.Second, stepDelay: 200 * time.Millisecond, httpClient: &http.Client{Timeout: 5 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Tasks{
		Add: app.Task(TaskAdd, o.add),
		Mul: app.Task(TaskMul, mul),
		XSum: app.Task(TaskXSum, xsum,
			celerity.WithArgsSchema(`{"type":"array","minItems":1,"maxItems":1,"items":{"type":"array","items":{"type":"number"}}}`)),
		HeavyTask:       app.Task(TaskHeavy, heavyTask),
		ShowRequestInfo: app.Task(TaskShowRequestInfo, showRequestInfo),
		FlakyTask:       app.Task(TaskFlaky, flakyTask, celerity.WithMaxRetries(3)),
		FetchURL: app.Task(TaskFetchURL, o.fetchURL,
			celerity.WithAutoRetryFor(ErrConnection),
			celerity.WithRetryBackoff(time.Second, 60*time.Second, true)),
		ProgressTask:  app.Task(TaskProgress, o.progressTask),
		FireAndForget: app.Task(TaskFireAndForget, fireAndForget, celerity.WithIgnoreResult()),
		LongRunning:   app.Task(TaskLongRunning, longRunning, celerity.WithTrackStarted()),
		StrictAdd:     app.Task(TaskStrictAdd, strictAdd, celerity.WithThrows(ErrValue)),
		TaskWithHandlers: app.Task(TaskWithHandlersName, taskWithHandlers,
			celerity.WithHooks(loggingHooks)),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// arith applies an operator to the first two args. Two integers give an
// int64; a float on either side gives a float64.
func arith(call *celerity.Call, ints func(x, y int64) int64, floats func(x, y float64) float64) (any, error) {
	x, err := call.Arg(0)
	if err != nil {
		return nil, err
	}
	y, err := call.Arg(1)
	if err != nil {
		return nil, err
	}
	xi, xok := celerity.Normalize(x).(int64)
	yi, yok := celerity.Normalize(y).(int64)
	if xok && yok {
		return ints(xi, yi), nil
	}
	xf, err := call.Float(0)
	if err != nil {
		return nil, err
	}
	yf, err := call.Float(1)
	if err != nil {
		return nil, err
	}
	return floats(xf, yf), nil
}

func sum(call *celerity.Call) (any, error) {
	return arith(call, func(x, y int64) int64 { return x + y }, func(x, y float64) float64 { return x + y })
}

func (o options) add(ctx context.Context, call *celerity.Call) (any, error) {
	res, err := sum(call)
	if err != nil {
		return nil, err
	}
	call.Logger().Info(ctx, fmt.Sprintf("Adding %v and %v", call.Args[0], call.Args[1]))
	if err := sleep(ctx, o.addDelay); err != nil {
		return nil, err
	}
	return res, nil
}

func mul(_ context.Context, call *celerity.Call) (any, error) {
	return arith(call, func(x, y int64) int64 { return x * y }, func(x, y float64) float64 { return x * y })
}

// xsum sums a list of numbers; it is the usual chord callback.
func xsum(_ context.Context, call *celerity.Call) (any, error) {
	arg, err := call.Arg(0)
	if err != nil {
		return nil, err
	}
	numbers, ok := celerity.Normalize(arg).([]any)
	if !ok {
		return nil, celerity.Errorf("TypeError", "xsum: expected a list, got %T", arg)
	}
	var (
		isum  int64
		fsum  float64
		float bool
	)
	for _, n := range numbers {
		switch v := celerity.Normalize(n).(type) {
		case int64:
			isum += v
		case float64:
			fsum += v
			float = true
		default:
			return nil, celerity.Errorf("TypeError", "xsum: %v is not a number", n)
		}
	}
	if float {
		return fsum + float64(isum), nil
	}
	return isum, nil
}

func heavyTask(_ context.Context, call *celerity.Call) (any, error) {
	n, err := call.Int(0)
	if err != nil {
		return nil, err
	}
	return n * 2, nil
}

func showRequestInfo(_ context.Context, call *celerity.Call) (any, error) {
	tag, err := call.String(0)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"task_id":  call.ID,
		"args":     call.Args,
		"kwargs":   call.Kwargs,
		"retries":  call.Retries,
		"hostname": call.Hostname,
		"tag":      tag,
	}, nil
}

// flakyTask fails its first fail_times attempts, then succeeds.
func flakyTask(_ context.Context, call *celerity.Call) (any, error) {
	var failTimes int64
	if len(call.Args) > 0 {
		n, err := call.Int(0)
		if err != nil {
			return nil, err
		}
		failTimes = n
	} else if _, err := call.Kwarg("fail_times", &failTimes); err != nil {
		return nil, err
	}
	if int64(call.Retries) < failTimes {
		return nil, call.Retry(errors.New("simulated failure"), celerity.RetryCountdown(time.Second))
	}
	return "ok", nil
}

const fetchPreview = 200

func (o options) fetchURL(ctx context.Context, call *celerity.Call) (any, error) {
	url, err := call.String(0)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	// 200 characters are at most 800 bytes of UTF-8
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*fetchPreview))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	text := []rune(string(body))
	if len(text) > fetchPreview {
		text = text[:fetchPreview]
	}
	return string(text), nil
}

func (o options) progressTask(ctx context.Context, call *celerity.Call) (any, error) {
	steps, err := call.Int(0)
	if err != nil {
		return nil, err
	}
	for i := int64(0); i < steps; i++ {
		meta := map[string]any{"current": i, "total": steps, "pct": 100 * i / steps}
		if err := call.UpdateState(ctx, StateProgress, meta); err != nil {
			call.Logger().Warn(ctx, "progress update failed", "error", err)
		}
		if err := sleep(ctx, o.stepDelay); err != nil {
			return nil, err
		}
	}
	return "done", nil
}

func fireAndForget(ctx context.Context, call *celerity.Call) (any, error) {
	msg, err := call.String(0)
	if err != nil {
		return nil, err
	}
	call.Logger().Info(ctx, "fire_and_forget: "+msg)
	return "done", nil
}

func longRunning(ctx context.Context, call *celerity.Call) (any, error) {
	secs, err := call.Float(0)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, time.Duration(secs*float64(time.Second))); err != nil {
		return nil, err
	}
	return "slept " + strconv.FormatFloat(secs, 'f', -1, 64) + "s", nil
}

// strictAdd accepts integers only; anything else is an expected ValueError.
func strictAdd(_ context.Context, call *celerity.Call) (any, error) {
	x, okx := celerity.Normalize(argOrNil(call, 0)).(int64)
	y, oky := celerity.Normalize(argOrNil(call, 1)).(int64)
	if !okx || !oky {
		return nil, celerity.Errorf("ValueError", "ints only")
	}
	return x + y, nil
}

func argOrNil(call *celerity.Call, i int) any {
	v, _ := call.Arg(i)
	return v
}

func taskWithHandlers(_ context.Context, call *celerity.Call) (any, error) {
	return sum(call)
}

var loggingHooks = celerity.Hooks{
	OnSuccess: func(ctx context.Context, call *celerity.Call, retval any) {
		call.Logger().Info(ctx, fmt.Sprintf("Task %s succeeded: %v", call.ID, retval))
	},
	OnFailure: func(ctx context.Context, call *celerity.Call, err error) {
		call.Logger().Warn(ctx, fmt.Sprintf("Task %s failed: %v", call.ID, err))
	},
	AfterReturn: func(ctx context.Context, call *celerity.Call, state celerity.State, _ any, _ error) {
		call.Logger().Debug(ctx, fmt.Sprintf("Task %s finished with status %s", call.ID, state))
	},
}
