package celerity

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Call is the request a task body runs for.
type Call struct {
	ID         string
	Task       string
	Args       []any
	Kwargs     map[string]any
	Retries    int
	Hostname   string
	Queue      string
	ParentID   string
	RootID     string
	GroupID    string
	GroupIndex int
	ETA        *time.Time
	Expires    *time.Time
	// CalledDirectly is true for TaskHandle.Call; no message or backend is involved.
	CalledDirectly bool

	app    *App
	task   *Task
	logger Logger
}

func (c *Call) Arg(i int) (any, error) {
	if i < 0 || i >= len(c.Args) {
		return nil, Errorf("TypeError", "%s() missing positional argument %d", c.Task, i)
	}
	return c.Args[i], nil
}

func (c *Call) Int(i int) (int64, error) {
	v, err := c.Arg(i)
	if err != nil {
		return 0, err
	}
	switch x := Normalize(v).(type) {
	case int64:
		return x, nil
	case float64:
		if x == math.Trunc(x) {
			return int64(x), nil
		}
	}
	return 0, Errorf("TypeError", "argument %d of %s: expected integer, got %T", i, c.Task, v)
}

func (c *Call) Float(i int) (float64, error) {
	v, err := c.Arg(i)
	if err != nil {
		return 0, err
	}
	switch x := Normalize(v).(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, Errorf("TypeError", "argument %d of %s: expected number, got %T", i, c.Task, v)
}

func (c *Call) String(i int) (string, error) {
	v, err := c.Arg(i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", Errorf("TypeError", "argument %d of %s: expected string, got %T", i, c.Task, v)
	}
	return s, nil
}

// Decode converts argument i into v (a pointer).
func (c *Call) Decode(i int, v any) error {
	a, err := c.Arg(i)
	if err != nil {
		return err
	}
	if err := convert(a, v); err != nil {
		return Errorf("TypeError", "argument %d of %s: %v", i, c.Task, err)
	}
	return nil
}

// Kwarg decodes the keyword argument name into v and reports whether it was present.
func (c *Call) Kwarg(name string, v any) (bool, error) {
	a, ok := c.Kwargs[name]
	if !ok {
		return false, nil
	}
	if err := convert(a, v); err != nil {
		return true, Errorf("TypeError", "keyword %s of %s: %v", name, c.Task, err)
	}
	return true, nil
}

// RetryOption adjusts a single Retry.
type RetryOption func(*RetryError)

func RetryCountdown(d time.Duration) RetryOption { return func(r *RetryError) { r.Countdown = d } }
func RetryETA(t time.Time) RetryOption           { return func(r *RetryError) { r.ETA = &t } }
func RetryMaxRetries(n int) RetryOption          { return func(r *RetryError) { r.MaxRetries = &n } }

// Retry returns the error a task body should return to be retried.
func (c *Call) Retry(err error, opts ...RetryOption) error {
	r := &RetryError{Err: err}
	for _, o := range opts {
		o(r)
	}
	return r
}

// UpdateState stores a custom state (for example "PROGRESS") with meta.
func (c *Call) UpdateState(ctx context.Context, state State, meta map[string]any) error {
	if c.CalledDirectly || c.app == nil || c.app.backend == nil {
		return nil
	}
	return c.app.backend.StoreResult(ctx, &TaskMeta{
		ID:       c.ID,
		Name:     c.Task,
		State:    state,
		Meta:     meta,
		Retries:  c.Retries,
		Queue:    c.Queue,
		Worker:   c.Hostname,
		ParentID: c.ParentID,
		GroupID:  c.GroupID,
	})
}

func (c *Call) Logger() Logger {
	if c.logger == nil {
		return NopLogger()
	}
	return c.logger
}

// App returns the app the call runs in.
func (c *Call) App() *App { return c.app }

func (c *Call) describe() string { return fmt.Sprintf("%s[%s]", c.Task, c.ID) }
