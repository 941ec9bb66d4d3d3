package celerity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	builtinMap     = "celerity.map"
	builtinStarmap = "celerity.starmap"
	builtinCleanup = "celerity.backend_cleanup"
)

// sendContext carries the lineage of a message sent from a worker or a canvas.
type sendContext struct {
	parentID   string
	rootID     string
	groupID    string
	groupIndex int
	groupSize  int
	chord      *Signature
}

// Apply sends any signature: task, chain, group or chord.
func (a *App) Apply(ctx context.Context, s Signature, opts ...ApplyOption) (Result, error) {
	s = s.Set(opts...)
	s.assignIDs()
	if s.Kind == KindChain {
		s.Tasks = flattenChain(s)
	}
	res := a.resultFor(s)
	if err := a.dispatch(ctx, s, nil, sendContext{}); err != nil {
		return nil, err
	}
	return res, nil
}

// SendTask sends a task by name; the task does not need to be registered here.
func (a *App) SendTask(ctx context.Context, name string, args []any, opts ...ApplyOption) (*AsyncResult, error) {
	return a.sendSignature(ctx, a.NewSignature(name, args...), opts...)
}

func (a *App) sendSignature(ctx context.Context, s Signature, opts ...ApplyOption) (*AsyncResult, error) {
	s = s.Set(opts...)
	s.assignIDs()
	res := a.newAsyncResult(s)
	if err := a.publishSig(ctx, s, sendContext{}); err != nil {
		return nil, err
	}
	return res, nil
}

// dispatch sends s followed by rest as a chain.
func (a *App) dispatch(ctx context.Context, s Signature, rest []Signature, sc sendContext) error {
	switch s.Kind {
	case KindTask:
		s.Chain = append(append([]Signature(nil), s.Chain...), rest...)
		return a.publishSig(ctx, s, sc)
	case KindChain:
		steps := flattenChain(s)
		if len(steps) == 0 {
			return fmt.Errorf("empty chain")
		}
		steps = append(steps, rest...)
		if s.Options.Queue != "" {
			for i := range steps {
				if steps[i].Kind == KindTask && steps[i].Options.Queue == "" {
					steps[i].Options.Queue = s.Options.Queue
				}
			}
		}
		steps[0].Options.Countdown = max(steps[0].Options.Countdown, s.Options.Countdown)
		if steps[0].Options.ETA == nil {
			steps[0].Options.ETA = s.Options.ETA
		}
		last := &steps[len(steps)-1]
		last.Options.Link = append(last.Options.Link, s.Options.Link...)
		last.Options.LinkError = append(last.Options.LinkError, s.Options.LinkError...)
		return a.dispatch(ctx, steps[0], steps[1:], sc)
	case KindGroup:
		if len(rest) > 0 {
			body := rest[0]
			return a.applyChord(ctx, Signature{Kind: KindChord, ID: s.ID, Tasks: s.Tasks, Body: &body, Options: s.Options}, rest[1:], sc)
		}
		return a.applyGroup(ctx, s, sc)
	case KindChord:
		return a.applyChord(ctx, s, rest, sc)
	}
	return fmt.Errorf("unknown signature kind %q", s.Kind)
}

// flattenChain inlines nested chains and turns "group then step" into a chord.
func flattenChain(s Signature) []Signature {
	var steps []Signature
	for _, t := range s.Tasks {
		if t.Kind == KindChain {
			steps = append(steps, flattenChain(t)...)
			continue
		}
		steps = append(steps, t)
	}
	out := make([]Signature, 0, len(steps))
	for i := 0; i < len(steps); i++ {
		st := steps[i]
		if st.Kind == KindGroup && i+1 < len(steps) {
			body := steps[i+1]
			out = append(out, Signature{Kind: KindChord, ID: st.ID, Tasks: st.Tasks, Body: &body, Options: st.Options, app: st.app})
			i++
			continue
		}
		out = append(out, st)
	}
	return out
}

func (a *App) applyGroup(ctx context.Context, s Signature, sc sendContext) error {
	ids := make([]string, len(s.Tasks))
	for i, m := range s.Tasks {
		ids[i] = memberID(m)
	}
	if a.backend != nil {
		if err := a.backend.SaveGroup(ctx, s.ID, ids); err != nil {
			return fmt.Errorf("save group %s: %w", s.ID, err)
		}
	}
	for i, m := range s.Tasks {
		if m.Kind == KindTask && m.Options.Queue == "" {
			m.Options.Queue = s.Options.Queue
		}
		msc := sendContext{parentID: sc.parentID, rootID: sc.rootID}
		if m.Kind == KindTask {
			msc.groupID, msc.groupIndex, msc.groupSize = s.ID, i, len(s.Tasks)
		}
		if err := a.dispatch(ctx, m, nil, msc); err != nil {
			return err
		}
	}
	return nil
}

// memberID is the id a group member's result is tracked under.
func memberID(s Signature) string {
	switch s.Kind {
	case KindChain:
		steps := flattenChain(s)
		if len(steps) > 0 {
			return memberID(steps[len(steps)-1])
		}
	case KindChord:
		if s.Body != nil {
			return s.Body.ID
		}
	}
	return s.ID
}

func (a *App) applyChord(ctx context.Context, s Signature, rest []Signature, sc sendContext) error {
	if a.backend == nil {
		return fmt.Errorf("chord: %w", ErrNoBackend)
	}
	if s.Body == nil {
		return fmt.Errorf("chord %s without body", s.ID)
	}
	body := s.Body.Clone()
	body.Chain = append(body.Chain, rest...)
	for _, m := range s.Tasks {
		if m.Kind != KindTask {
			return fmt.Errorf("chord %s: header members must be task signatures, got %s", s.ID, m.Kind)
		}
	}
	if len(s.Tasks) == 0 {
		return a.dispatch(ctx, body.withParentResult([]any{}), nil, sendContext{parentID: sc.parentID, rootID: sc.rootID})
	}
	ids := make([]string, len(s.Tasks))
	for i, m := range s.Tasks {
		ids[i] = m.ID
	}
	if err := a.backend.SaveGroup(ctx, s.ID, ids); err != nil {
		return fmt.Errorf("save chord group %s: %w", s.ID, err)
	}
	for i, m := range s.Tasks {
		if m.Options.Queue == "" {
			m.Options.Queue = s.Options.Queue
		}
		msc := sendContext{
			parentID:   sc.parentID,
			rootID:     sc.rootID,
			groupID:    s.ID,
			groupIndex: i,
			groupSize:  len(s.Tasks),
			chord:      &body,
		}
		if err := a.publishSig(ctx, m, msc); err != nil {
			return err
		}
	}
	return nil
}

// publishSig turns a task signature into a TaskMessage and sends it.
func (a *App) publishSig(ctx context.Context, s Signature, sc sendContext) error {
	if s.Kind != KindTask {
		return a.dispatch(ctx, s, nil, sc)
	}
	if s.Task == "" {
		return fmt.Errorf("signature without task name")
	}
	s.assignIDs()
	now := time.Now().UTC()
	tm := &TaskMessage{
		ID:         s.ID,
		Task:       s.Task,
		Args:       s.Args,
		Kwargs:     s.Kwargs,
		ParentID:   sc.parentID,
		RootID:     sc.rootID,
		GroupID:    sc.groupID,
		GroupIndex: sc.groupIndex,
		GroupSize:  sc.groupSize,
		Chord:      sc.chord,
		Chain:      s.Chain,
		Link:       s.Options.Link,
		LinkError:  s.Options.LinkError,
		Origin:     a.hostname,
		SentAt:     now,
	}
	if tm.Args == nil {
		tm.Args = []any{}
	}
	if tm.RootID == "" {
		tm.RootID = tm.ID
	}
	var task *Task
	if t, ok := a.lookup(s.Task); ok {
		task = t
		tm.IgnoreResult = t.IgnoreResult
	}
	tm.Queue = a.router.Route(s.Task, s.Options.Queue, task)
	switch {
	case s.Options.ETA != nil:
		eta := s.Options.ETA.UTC()
		tm.ETA = &eta
	case s.Options.Countdown > 0:
		eta := now.Add(s.Options.Countdown)
		tm.ETA = &eta
	}
	switch {
	case s.Options.ExpiresAt != nil:
		exp := s.Options.ExpiresAt.UTC()
		tm.Expires = &exp
	case s.Options.ExpiresIn > 0:
		exp := now.Add(s.Options.ExpiresIn)
		tm.Expires = &exp
	}
	return a.publish(ctx, tm, s.Options.IdempotencyKey)
}

type queueDeclarer interface {
	DeclareQueue(ctx context.Context, topic, group string) error
}

// publish encodes tm and hands it to the broker, delayed when it has an ETA.
func (a *App) publish(ctx context.Context, tm *TaskMessage, key string) error {
	topic := a.topic(tm.Queue)
	msg, err := encodeTask(a.taskSer, topic, tm)
	if err != nil {
		return err
	}
	msg.Key = key
	if d, ok := a.mq.(queueDeclarer); ok {
		if err := d.DeclareQueue(ctx, topic, a.cfg.Worker.Group); err != nil {
			return fmt.Errorf("declare queue %s: %w", tm.Queue, err)
		}
	}
	var delay time.Duration
	if tm.ETA != nil {
		delay = time.Until(*tm.ETA)
	}
	if delay > 0 {
		err = a.mq.PublishDelay(ctx, msg, delay)
	} else {
		err = a.mq.Publish(ctx, msg)
	}
	if err != nil {
		return fmt.Errorf("send %s[%s]: %w", tm.Task, tm.ID, err)
	}
	a.metrics.sent(tm.Task, tm.Queue)
	a.logger.Debug(ctx, "task sent", "task", tm.Task, "id", tm.ID, "queue", tm.Queue, "eta", tm.ETA)
	return nil
}

// builtinSig wraps inner in one of the map builtins, routed like inner.
func (a *App) builtinSig(name string, inner *Task, args []any) Signature {
	return Signature{
		Task:    name,
		Args:    args,
		Options: SignatureOptions{Queue: a.router.Route(inner.Name, "", inner)},
		app:     a,
	}
}

func (a *App) registerBuiltins() {
	a.mustRegister(newTask(builtinStarmap, a.runStarmap, WithMaxRetries(0)))
	a.mustRegister(newTask(builtinMap, a.runMap, WithMaxRetries(0)))
	a.mustRegister(newTask(builtinCleanup, a.runCleanup, WithMaxRetries(0), WithIgnoreResult()))
}

func (a *App) runStarmap(ctx context.Context, call *Call) (any, error) {
	return a.runEach(ctx, call, func(item any) []any {
		if args, ok := item.([]any); ok {
			return args
		}
		return []any{item}
	})
}

func (a *App) runMap(ctx context.Context, call *Call) (any, error) {
	return a.runEach(ctx, call, func(item any) []any { return []any{item} })
}

func (a *App) runEach(ctx context.Context, call *Call, argsOf func(any) []any) (any, error) {
	name, err := call.String(0)
	if err != nil {
		return nil, err
	}
	var items []any
	ok := len(call.Args) > 1
	if ok {
		items, ok = call.Args[1].([]any)
	}
	if !ok {
		return nil, Errorf("TypeError", "%s expects a list of items", call.Task)
	}
	task, ok := a.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		sub := &Call{
			ID:       call.ID,
			Task:     task.Name,
			Args:     argsOf(it),
			Retries:  call.Retries,
			Hostname: call.Hostname,
			Queue:    call.Queue,
			ParentID: call.ParentID,
			RootID:   call.RootID,
			GroupID:  call.GroupID,
			app:      a,
			task:     task,
			logger:   call.Logger(),
		}
		res, err := task.Fn(ctx, sub)
		if err != nil {
			var re *RetryError
			if errors.As(err, &re) {
				return nil, fmt.Errorf("%s: retry is not supported inside %s: %w", task.Name, call.Task, re.Err)
			}
			return nil, err
		}
		out = append(out, Normalize(res))
	}
	return out, nil
}

func (a *App) runCleanup(ctx context.Context, call *Call) (any, error) {
	if a.backend == nil {
		return 0, nil
	}
	n, err := a.backend.Cleanup(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	call.Logger().Info(ctx, "backend cleanup", "removed", n)
	return n, nil
}
