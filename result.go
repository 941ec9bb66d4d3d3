package celerity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Result is returned when a signature is sent.
type Result interface {
	ID() string
	// Get waits for the result until ctx is done.
	Get(ctx context.Context) (any, error)
	Ready(ctx context.Context) (bool, error)
	Parent() Result
}

const (
	pollMin = 50 * time.Millisecond
	pollMax = 500 * time.Millisecond
)

// AsyncResult tracks a single task.
type AsyncResult struct {
	id  string
	app *App

	// task, args and kwargs are filled from the backend on first Meta
	mu       sync.Mutex
	task     string
	args     []any
	kwargs   map[string]any
	parent   Result
	children []Result
}

func (a *App) newAsyncResult(s Signature) *AsyncResult {
	r := &AsyncResult{id: s.ID, app: a, task: s.Task, args: s.Args, kwargs: s.Kwargs}
	for _, l := range s.Options.Link {
		r.children = append(r.children, a.resultFor(l))
	}
	return r
}

// AsyncResult returns a handle for a task id.
func (a *App) AsyncResult(id string) *AsyncResult {
	return &AsyncResult{id: id, app: a}
}

func (r *AsyncResult) ID() string { return r.id }

// Name is the task name when known to this process.
func (r *AsyncResult) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

func (r *AsyncResult) Args() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.args
}

func (r *AsyncResult) Kwargs() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kwargs
}

func (r *AsyncResult) Parent() Result { return r.parent }

// Children lists results of tasks started by this one: links known to the
// sender and child ids recorded by the worker.
func (r *AsyncResult) Children(ctx context.Context) []Result {
	out := append([]Result(nil), r.children...)
	m, err := r.Meta(ctx)
	if err != nil {
		return out
	}
	seen := map[string]bool{}
	for _, c := range out {
		seen[c.ID()] = true
	}
	for _, id := range m.Children {
		if !seen[id] {
			out = append(out, r.app.AsyncResult(id))
		}
	}
	return out
}

// Meta fetches the stored task meta. Unknown ids are PENDING.
func (r *AsyncResult) Meta(ctx context.Context) (*TaskMeta, error) {
	if r.app == nil || r.app.backend == nil {
		return nil, ErrNoBackend
	}
	m, err := r.app.backend.GetTaskMeta(ctx, r.id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task == "" {
		r.task = m.Name
	}
	if r.args == nil {
		r.args = m.Args
	}
	if r.kwargs == nil {
		r.kwargs = m.Kwargs
	}
	return m, nil
}

func (r *AsyncResult) State(ctx context.Context) (State, error) {
	m, err := r.Meta(ctx)
	if err != nil {
		return "", err
	}
	return m.State, nil
}

// Info returns the result on SUCCESS, the error on FAILURE and the custom
// meta (for example progress) otherwise.
func (r *AsyncResult) Info(ctx context.Context) (any, error) {
	m, err := r.Meta(ctx)
	if err != nil {
		return nil, err
	}
	switch m.State {
	case StateSuccess:
		return m.Result, nil
	case StateFailure, StateRevoked:
		return m.Err(), nil
	}
	if m.Meta != nil {
		return m.Meta, nil
	}
	return nil, nil
}

func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	s, err := r.State(ctx)
	if err != nil {
		return false, err
	}
	return s.Ready(), nil
}

func (r *AsyncResult) Successful(ctx context.Context) (bool, error) {
	s, err := r.State(ctx)
	return s == StateSuccess, err
}

func (r *AsyncResult) Failed(ctx context.Context) (bool, error) {
	s, err := r.State(ctx)
	return s == StateFailure, err
}

// Wait polls the backend until the task is ready or ctx is done.
func (r *AsyncResult) Wait(ctx context.Context) (*TaskMeta, error) {
	interval := pollMin
	for {
		m, err := r.Meta(ctx)
		if err != nil {
			return nil, err
		}
		if m.State.Ready() {
			return m, nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: task %s: %w", ErrTimeout, r.id, ctx.Err())
		case <-t.C:
		}
		interval = min(interval*2, pollMax)
	}
}

// Get waits for the task and returns its result or its error.
func (r *AsyncResult) Get(ctx context.Context) (any, error) {
	m, err := r.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Err(); err != nil {
		return nil, err
	}
	return m.Result, nil
}

// Decode waits for the task and converts its result into v.
func (r *AsyncResult) Decode(ctx context.Context, v any) error {
	res, err := r.Get(ctx)
	if err != nil {
		return err
	}
	return convert(res, v)
}

// Forget removes the stored result.
func (r *AsyncResult) Forget(ctx context.Context) error {
	if r.app == nil || r.app.backend == nil {
		return ErrNoBackend
	}
	return r.app.backend.Forget(ctx, r.id)
}

// Revoke marks the task revoked so workers skip it. With terminate, a worker
// currently running it cancels its context.
func (r *AsyncResult) Revoke(ctx context.Context, terminate bool) error {
	return r.app.Control().Revoke(ctx, r.id, terminate)
}

// GroupResult tracks the members of a group.
type GroupResult struct {
	id      string
	app     *App
	results []Result
	parent  Result
}

// GroupResult restores a saved group by id.
func (a *App) GroupResult(ctx context.Context, id string) (*GroupResult, error) {
	if a.backend == nil {
		return nil, ErrNoBackend
	}
	ids, err := a.backend.RestoreGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	g := &GroupResult{id: id, app: a}
	for _, tid := range ids {
		g.results = append(g.results, a.AsyncResult(tid))
	}
	return g, nil
}

func (g *GroupResult) ID() string        { return g.id }
func (g *GroupResult) Parent() Result    { return g.parent }
func (g *GroupResult) Results() []Result { return g.results }

func (g *GroupResult) Ready(ctx context.Context) (bool, error) {
	for _, r := range g.results {
		ok, err := r.Ready(ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Completed counts members that finished successfully.
func (g *GroupResult) Completed(ctx context.Context) (int, error) {
	n := 0
	for _, r := range g.results {
		switch x := r.(type) {
		case *AsyncResult:
			ok, err := x.Successful(ctx)
			if err != nil {
				return 0, err
			}
			if ok {
				n++
			}
		default:
			ok, err := r.Ready(ctx)
			if err != nil {
				return 0, err
			}
			if ok {
				n++
			}
		}
	}
	return n, nil
}

// Get waits for every member and returns their results in order. The first
// member error is returned.
func (g *GroupResult) Get(ctx context.Context) (any, error) {
	out := make([]any, len(g.results))
	for i, r := range g.results {
		v, err := r.Get(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Join is Get with a typed return.
func (g *GroupResult) Join(ctx context.Context) ([]any, error) {
	v, err := g.Get(ctx)
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

// Forget removes the stored group and member results.
func (g *GroupResult) Forget(ctx context.Context) error {
	if g.app == nil || g.app.backend == nil {
		return ErrNoBackend
	}
	var errs []error
	for _, r := range g.results {
		if ar, ok := r.(*AsyncResult); ok {
			errs = append(errs, ar.Forget(ctx))
		}
	}
	errs = append(errs, g.app.backend.ForgetGroup(ctx, g.id))
	return errors.Join(errs...)
}

func setParent(r Result, p Result) {
	switch x := r.(type) {
	case *AsyncResult:
		if x.parent == nil {
			x.parent = p
			return
		}
		setParent(x.parent, p)
	case *GroupResult:
		if x.parent == nil {
			x.parent = p
		}
	}
}

func (a *App) resultFor(s Signature) Result {
	switch s.Kind {
	case KindGroup:
		g := &GroupResult{id: s.ID, app: a}
		for _, m := range s.Tasks {
			g.results = append(g.results, a.resultFor(m))
		}
		return g
	case KindChord:
		header := &GroupResult{id: s.ID, app: a}
		for _, m := range s.Tasks {
			header.results = append(header.results, a.resultFor(m))
		}
		body := a.newAsyncResult(*s.Body)
		body.parent = header
		return body
	case KindChain:
		var prev Result
		for _, step := range s.Tasks {
			r := a.resultFor(step)
			if prev != nil {
				setParent(r, prev)
			}
			prev = r
		}
		return prev
	}
	return a.newAsyncResult(s)
}
