package celerity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Queues to consume. Defaults to the default queue.
	Queues []string
	// SendEvents overrides Config.Worker.SendTaskEvents when set.
	SendEvents *bool
	// Middlewares run inside the default stack (recovery, tracing, metrics, idempotency).
	Middlewares []Middleware
}

// Worker consumes task queues and executes registered tasks.
type Worker struct {
	a      *App
	opts   WorkerOptions
	logger Logger
	em     *emitter

	mu         sync.Mutex
	active     map[string]*activeEntry
	reserved   map[string]ActiveTask
	revoked    map[string]time.Time
	processed  map[string]int64
	startedAt  time.Time
	stops      []func(context.Context) error
	hbCancel   context.CancelFunc
	hbDone     chan struct{}
	running    bool
	shutdown   chan struct{}
	shutdownMu sync.Once
}

type activeEntry struct {
	info       ActiveTask
	cancel     context.CancelFunc
	terminated bool
}

// Worker builds a worker for this app. Call Start or Run.
func (a *App) Worker(opts WorkerOptions) *Worker {
	if len(opts.Queues) == 0 {
		opts.Queues = []string{a.router.DefaultQueue()}
	}
	send := a.cfg.Worker.SendTaskEvents
	if opts.SendEvents != nil {
		send = *opts.SendEvents
	}
	return &Worker{
		a:         a,
		opts:      opts,
		logger:    a.logger.With("worker", a.hostname),
		em:        &emitter{a: a, enabled: send, hostname: a.hostname},
		active:    map[string]*activeEntry{},
		reserved:  map[string]ActiveTask{},
		revoked:   map[string]time.Time{},
		processed: map[string]int64{},
		shutdown:  make(chan struct{}),
	}
}

// Start subscribes the queues and the control topic and starts heartbeats.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.running = true
	w.startedAt = time.Now().UTC()
	w.mu.Unlock()

	mws := w.a.workerMiddleware(w.opts.Middlewares...)
	for _, q := range w.opts.Queues {
		stop, err := w.a.mq.Consume(ctx, w.a.topic(q), w.a.cfg.Worker.Group, w.handle, mws...)
		if err != nil {
			_ = w.Stop(context.Background())
			return fmt.Errorf("consume %s: %w", q, err)
		}
		w.stops = append(w.stops, stop)
	}
	stop, err := w.a.sys.Subscribe(ctx, w.a.controlTopic(), "pidbox-"+w.a.hostname, nil, w.onControl)
	if err != nil {
		_ = w.Stop(context.Background())
		return fmt.Errorf("subscribe control: %w", err)
	}
	w.stops = append(w.stops, stop)

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.hbCancel = cancel
	w.hbDone = make(chan struct{})
	go w.heartbeatLoop(hbCtx)

	w.em.emit(ctx, TaskEvent{Type: EventWorkerOnline})
	w.logger.Info(ctx, "worker ready", "queues", w.opts.Queues, "concurrency", w.a.cfg.Broker.Concurrency, "tasks", len(w.a.Tasks()))
	return nil
}

// Run starts the worker and blocks until ctx is done or a shutdown command
// arrives, then stops it within grace.
func (w *Worker) Run(ctx context.Context, grace time.Duration) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-w.shutdown:
		w.logger.Info(ctx, "shutdown requested by control command")
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return w.Stop(sctx)
}

// Done is closed when a shutdown control command is received.
func (w *Worker) Done() <-chan struct{} { return w.shutdown }

// Stop stops consuming and waits for in-flight tasks within ctx.
func (w *Worker) Stop(ctx context.Context) error {
	var errs []error
	for _, s := range w.stops {
		errs = append(errs, s(ctx))
	}
	w.stops = nil
	if w.hbCancel != nil {
		w.hbCancel()
		<-w.hbDone
		w.hbCancel = nil
	}
	w.em.emit(ctx, TaskEvent{Type: EventWorkerOffline})
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return errors.Join(errs...)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer close(w.hbDone)
	interval := w.a.cfg.Worker.HeartbeatInterval
	t := time.NewTicker(interval)
	defer t.Stop()
	w.beat(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.beat(ctx, interval)
		}
	}
}

func (w *Worker) beat(ctx context.Context, interval time.Duration) {
	info := w.Info()
	if w.a.backend != nil {
		if err := w.a.backend.PutWorker(ctx, info, 3*interval); err != nil && ctx.Err() == nil {
			w.logger.Warn(ctx, "heartbeat failed", "error", err)
		}
	}
	var total int64
	for _, n := range info.Processed {
		total += n
	}
	w.em.emit(ctx, TaskEvent{Type: EventWorkerBeat, Active: len(info.Active), Processed: total})
}

// Info is a snapshot of the worker state.
func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := WorkerInfo{
		Hostname:    w.a.hostname,
		PID:         os.Getpid(),
		Queues:      append([]string(nil), w.opts.Queues...),
		Concurrency: w.a.cfg.Broker.Concurrency,
		Registered:  w.a.Tasks(),
		Processed:   make(map[string]int64, len(w.processed)),
		StartedAt:   w.startedAt,
		LastSeen:    time.Now().UTC(),
	}
	for _, e := range w.active {
		info.Active = append(info.Active, e.info)
	}
	for _, r := range w.reserved {
		info.Reserved = append(info.Reserved, r)
	}
	for k, v := range w.processed {
		info.Processed[k] = v
	}
	sort.Slice(info.Active, func(i, j int) bool { return info.Active[i].StartedAt.Before(info.Active[j].StartedAt) })
	sort.Slice(info.Reserved, func(i, j int) bool { return info.Reserved[i].StartedAt.Before(info.Reserved[j].StartedAt) })
	return info
}

// handle processes one task delivery. It returns an error only when the
// delivery should be redelivered.
func (w *Worker) handle(ctx context.Context, msg Message) error {
	tm, err := decodeTask(w.a.accept, msg)
	if err != nil {
		w.logger.Error(ctx, "message rejected", "topic", msg.Topic, "error", err)
		return nil
	}
	log := w.logger.With("task", tm.Task, "id", tm.ID)
	w.em.emit(ctx, TaskEvent{Type: EventTaskReceived, UUID: tm.ID, Name: tm.Task, Args: tm.Args, Kwargs: tm.Kwargs, Retries: tm.Retries, ETA: tm.ETA, Queue: tm.Queue})

	task, ok := w.a.lookup(tm.Task)
	if !ok {
		log.Error(ctx, "received unregistered task")
		return w.finish(ctx, tm, nil, &TaskMeta{State: StateFailure, Error: &ErrorInfo{Type: errTypeNotRegistered, Message: tm.Task}}, true)
	}
	if w.isRevoked(ctx, tm.ID) {
		log.Info(ctx, "discarding revoked task")
		w.em.emit(ctx, TaskEvent{Type: EventTaskRevoked, UUID: tm.ID, Name: tm.Task})
		return w.finish(ctx, tm, task, &TaskMeta{State: StateRevoked}, true)
	}
	if tm.expired(time.Now()) {
		log.Info(ctx, "discarding expired task", "expires", tm.Expires)
		w.em.emit(ctx, TaskEvent{Type: EventTaskRevoked, UUID: tm.ID, Name: tm.Task})
		return w.finish(ctx, tm, task, &TaskMeta{State: StateRevoked, Error: &ErrorInfo{Type: errTypeRevoked, Message: "expired"}}, true)
	}
	if task.limiter != nil {
		w.reserve(tm)
		err := task.limiter.Wait(ctx)
		w.unreserve(tm.ID)
		if err != nil {
			return err
		}
	}
	return w.execute(ctx, task, tm)
}

func (w *Worker) execute(ctx context.Context, task *Task, tm *TaskMessage) error {
	call := &Call{
		ID:         tm.ID,
		Task:       tm.Task,
		Args:       tm.Args,
		Kwargs:     tm.Kwargs,
		Retries:    tm.Retries,
		Hostname:   w.a.hostname,
		Queue:      tm.Queue,
		ParentID:   tm.ParentID,
		RootID:     tm.RootID,
		GroupID:    tm.GroupID,
		GroupIndex: tm.GroupIndex,
		ETA:        tm.ETA,
		Expires:    tm.Expires,
		app:        w.a,
		task:       task,
		logger:     w.logger.With("task", tm.Task, "id", tm.ID),
	}
	runCtx, cancel := context.WithCancel(ctx)
	if task.TimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.TimeLimit)
	}
	defer cancel()
	w.track(tm, cancel)
	defer w.untrack(tm.ID)

	if task.TrackStarted && w.storesResult(task, tm) {
		if err := w.a.backend.StoreResult(ctx, w.meta(tm, &TaskMeta{State: StateStarted})); err != nil {
			return fmt.Errorf("store STARTED: %w", err)
		}
	}
	w.em.emit(ctx, TaskEvent{Type: EventTaskStarted, UUID: tm.ID, Name: tm.Task})
	w.a.metrics.started(tm.Task)
	start := time.Now()

	result, err := w.run(runCtx, task, call)
	runtime := time.Since(start)

	if ctx.Err() != nil && runCtx.Err() != nil && !w.terminated(tm.ID) {
		// worker stopping: hand the message back to the broker
		w.a.metrics.finished(tm.Task, StatePending, runtime)
		return ctx.Err()
	}
	if w.terminated(tm.ID) {
		call.Logger().Info(ctx, "task terminated", "runtime", runtime)
		w.a.metrics.finished(tm.Task, StateRevoked, runtime)
		w.em.emit(ctx, TaskEvent{Type: EventTaskRevoked, UUID: tm.ID, Name: tm.Task, Runtime: runtime.Seconds()})
		return w.finish(ctx, tm, task, &TaskMeta{State: StateRevoked, Error: &ErrorInfo{Type: errTypeRevoked, Message: "terminated"}}, true)
	}
	if err == nil {
		return w.succeed(ctx, task, tm, call, result, runtime)
	}
	var re *RetryError
	if !errors.As(err, &re) && task.AutoRetryFor != nil && task.AutoRetryFor(err) {
		re = &RetryError{Err: err}
	}
	if re != nil {
		maxRetries := task.MaxRetries
		if re.MaxRetries != nil {
			maxRetries = *re.MaxRetries
		}
		if maxRetries < 0 || tm.Retries < maxRetries {
			return w.retry(ctx, task, tm, call, re, runtime)
		}
		err = re.Err
		if err == nil {
			err = &MaxRetriesExceededError{TaskID: tm.ID, Task: tm.Task, Retries: tm.Retries}
		}
	}
	return w.fail(ctx, task, tm, call, err, runtime)
}

// run calls the task body and enforces the time limit and termination even
// when the body ignores its context.
func (w *Worker) run(ctx context.Context, task *Task, call *Call) (any, error) {
	if err := task.validateArgs(call.Args); err != nil {
		return nil, err
	}
	type outcome struct {
		res any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: Errorf(errTypePanic, "%v", r)}
			}
		}()
		res, err := task.Fn(ctx, call)
		ch <- outcome{res: res, err: err}
	}()
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, Errorf(errTypeTimeLimit, "%s exceeded time limit (%s)", call.describe(), task.TimeLimit)
		}
		return nil, ctx.Err()
	}
}

func (w *Worker) succeed(ctx context.Context, task *Task, tm *TaskMessage, call *Call, result any, runtime time.Duration) error {
	children := childIDs(tm)
	if w.storesResult(task, tm) {
		if err := w.a.backend.StoreResult(ctx, w.meta(tm, &TaskMeta{State: StateSuccess, Result: result, Children: children})); err != nil {
			return fmt.Errorf("store SUCCESS: %w", err)
		}
	}
	call.Logger().Info(ctx, "task succeeded", "runtime", runtime, "result", result)
	w.a.metrics.finished(tm.Task, StateSuccess, runtime)
	w.em.emit(ctx, TaskEvent{Type: EventTaskSucceeded, UUID: tm.ID, Name: tm.Task, Result: result, Runtime: runtime.Seconds()})
	w.count(tm.Task)

	if h := task.Hooks.OnSuccess; h != nil {
		h(ctx, call, result)
	}
	if h := task.Hooks.AfterReturn; h != nil {
		h(ctx, call, StateSuccess, result, nil)
	}

	sc := sendContext{parentID: tm.ID, rootID: tm.RootID}
	for _, l := range tm.Link {
		if err := w.a.dispatch(ctx, l.withParentResult(result), nil, sc); err != nil {
			call.Logger().Error(ctx, "send link failed", "link", l.String(), "error", err)
		}
	}
	if len(tm.Chain) > 0 {
		next := tm.Chain[0].withParentResult(result)
		if err := w.a.dispatch(ctx, next, tm.Chain[1:], sc); err != nil {
			call.Logger().Error(ctx, "send next chain step failed", "next", next.String(), "error", err)
		}
	}
	w.chordStep(ctx, tm)
	return nil
}

func (w *Worker) retry(ctx context.Context, task *Task, tm *TaskMessage, call *Call, re *RetryError, runtime time.Duration) error {
	var countdown time.Duration
	switch {
	case re.ETA != nil:
		countdown = time.Until(*re.ETA)
	case re.Countdown > 0:
		countdown = re.Countdown
	default:
		countdown = task.retryCountdown(tm.Retries)
	}
	next := *tm
	next.Retries = tm.Retries + 1
	next.SentAt = time.Now().UTC()
	next.ETA = nil
	if countdown > 0 {
		eta := next.SentAt.Add(countdown)
		next.ETA = &eta
	}
	if err := w.a.publish(ctx, &next, ""); err != nil {
		return fmt.Errorf("retry %s: %w", call.describe(), err)
	}
	if w.storesResult(task, tm) {
		if err := w.a.backend.StoreResult(ctx, w.meta(tm, &TaskMeta{State: StateRetry, Error: errorInfo(re.Err)})); err != nil {
			call.Logger().Warn(ctx, "store RETRY failed", "error", err)
		}
	}
	call.Logger().Info(ctx, "task retry", "in", countdown, "retries", next.Retries, "error", re.Err)
	w.a.metrics.finished(tm.Task, StateRetry, runtime)
	exc := ""
	if re.Err != nil {
		exc = re.Err.Error()
	}
	w.em.emit(ctx, TaskEvent{Type: EventTaskRetried, UUID: tm.ID, Name: tm.Task, Exception: exc, Retries: next.Retries})
	if h := task.Hooks.OnRetry; h != nil {
		h(ctx, call, re.Err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, task *Task, tm *TaskMessage, call *Call, err error, runtime time.Duration) error {
	if w.storesResult(task, tm) {
		if serr := w.a.backend.StoreResult(ctx, w.meta(tm, &TaskMeta{State: StateFailure, Error: errorInfo(err)})); serr != nil {
			return fmt.Errorf("store FAILURE: %w", serr)
		}
	}
	if task.expected(err) {
		call.Logger().Info(ctx, "task raised expected error", "error", err, "runtime", runtime)
	} else {
		call.Logger().Error(ctx, "task failed", "error", err, "runtime", runtime)
	}
	w.a.metrics.finished(tm.Task, StateFailure, runtime)
	w.em.emit(ctx, TaskEvent{Type: EventTaskFailed, UUID: tm.ID, Name: tm.Task, Exception: err.Error(), Runtime: runtime.Seconds()})
	w.count(tm.Task)

	if h := task.Hooks.OnFailure; h != nil {
		h(ctx, call, err)
	}
	if h := task.Hooks.AfterReturn; h != nil {
		h(ctx, call, StateFailure, nil, err)
	}
	w.sendErrbacks(ctx, tm.LinkError, tm.ID, tm)
	w.chordStep(ctx, tm)
	return nil
}

// finish records a task that ended without running (unregistered, revoked, expired).
func (w *Worker) finish(ctx context.Context, tm *TaskMessage, task *Task, m *TaskMeta, store bool) error {
	if store && w.a.backend != nil {
		if err := w.a.backend.StoreResult(ctx, w.meta(tm, m)); err != nil {
			return fmt.Errorf("store %s: %w", m.State, err)
		}
	}
	if m.State == StateFailure {
		w.sendErrbacks(ctx, tm.LinkError, tm.ID, tm)
	}
	if task != nil {
		w.count(tm.Task)
	}
	w.chordStep(ctx, tm)
	return nil
}

func (w *Worker) sendErrbacks(ctx context.Context, sigs []Signature, failedID string, tm *TaskMessage) {
	sc := sendContext{parentID: tm.ID, rootID: tm.RootID}
	for _, l := range sigs {
		if err := w.a.dispatch(ctx, l.withArgs([]any{failedID}), nil, sc); err != nil {
			w.logger.Error(ctx, "send errback failed", "errback", l.String(), "error", err)
		}
	}
}

// chordStep counts a finished header task and sends the body after the last one.
func (w *Worker) chordStep(ctx context.Context, tm *TaskMessage) {
	if tm.Chord == nil || w.a.backend == nil || tm.GroupID == "" {
		return
	}
	b := w.a.backend
	n, err := b.IncrChord(ctx, tm.GroupID)
	if err != nil {
		w.logger.Error(ctx, "chord counter failed", "group", tm.GroupID, "error", err)
		return
	}
	if n < int64(tm.GroupSize) {
		return
	}
	body := tm.Chord.Clone()
	ids, err := b.RestoreGroup(ctx, tm.GroupID)
	if err == nil && len(ids) == 0 {
		err = fmt.Errorf("group %s not found", tm.GroupID)
	}
	if err != nil {
		w.failChord(ctx, body, tm, &ChordError{GroupID: tm.GroupID, TaskID: tm.ID, Cause: err.Error()})
		return
	}
	results := make([]any, len(ids))
	for i, id := range ids {
		m, err := b.GetTaskMeta(ctx, id)
		if err != nil {
			w.failChord(ctx, body, tm, &ChordError{GroupID: tm.GroupID, TaskID: id, Cause: err.Error()})
			return
		}
		if m.State != StateSuccess {
			cause := string(m.State)
			if e := m.Err(); e != nil {
				cause = e.Error()
			}
			w.failChord(ctx, body, tm, &ChordError{GroupID: tm.GroupID, TaskID: id, Cause: cause})
			return
		}
		results[i] = m.Result
	}
	sc := sendContext{parentID: tm.ID, rootID: tm.RootID}
	if err := w.a.dispatch(ctx, body.withParentResult(results), nil, sc); err != nil {
		w.logger.Error(ctx, "send chord body failed", "group", tm.GroupID, "error", err)
	}
}

func (w *Worker) failChord(ctx context.Context, body Signature, tm *TaskMessage, cerr *ChordError) {
	w.logger.Error(ctx, "chord failed", "group", cerr.GroupID, "error", cerr)
	if body.Kind == KindTask {
		m := &TaskMeta{ID: body.ID, Name: body.Task, State: StateFailure, Error: errorInfo(cerr), GroupID: tm.GroupID}
		if err := w.a.backend.StoreResult(ctx, m); err != nil {
			w.logger.Error(ctx, "store chord failure failed", "error", err)
		}
	}
	w.sendErrbacks(ctx, body.Options.LinkError, body.ID, tm)
}

func (w *Worker) storesResult(task *Task, tm *TaskMessage) bool {
	if w.a.backend == nil {
		return false
	}
	ignore := tm.IgnoreResult || (task != nil && task.IgnoreResult)
	return !ignore || tm.Chord != nil || tm.GroupID != ""
}

func (w *Worker) meta(tm *TaskMessage, m *TaskMeta) *TaskMeta {
	m.ID = tm.ID
	m.Name = tm.Task
	m.Args = tm.Args
	m.Kwargs = tm.Kwargs
	m.Retries = tm.Retries
	m.Queue = tm.Queue
	m.Worker = w.a.hostname
	m.ParentID = tm.ParentID
	m.GroupID = tm.GroupID
	return m
}

func childIDs(tm *TaskMessage) []string {
	var ids []string
	for _, l := range tm.Link {
		ids = append(ids, memberID(l))
	}
	if len(tm.Chain) > 0 {
		ids = append(ids, memberID(tm.Chain[0]))
	}
	return ids
}

func (w *Worker) track(tm *TaskMessage, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[tm.ID] = &activeEntry{
		info:   ActiveTask{ID: tm.ID, Name: tm.Task, Args: tm.Args, Queue: tm.Queue, StartedAt: time.Now().UTC()},
		cancel: cancel,
	}
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.active, id)
	w.mu.Unlock()
}

func (w *Worker) terminated(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.active[id]
	return ok && e.terminated
}

func (w *Worker) reserve(tm *TaskMessage) {
	w.mu.Lock()
	w.reserved[tm.ID] = ActiveTask{ID: tm.ID, Name: tm.Task, Args: tm.Args, Queue: tm.Queue, StartedAt: time.Now().UTC()}
	w.mu.Unlock()
}

func (w *Worker) unreserve(id string) {
	w.mu.Lock()
	delete(w.reserved, id)
	w.mu.Unlock()
}

func (w *Worker) count(task string) {
	w.mu.Lock()
	w.processed[task]++
	w.mu.Unlock()
}

func (w *Worker) isRevoked(ctx context.Context, id string) bool {
	w.mu.Lock()
	_, ok := w.revoked[id]
	w.mu.Unlock()
	if ok {
		return true
	}
	if w.a.backend == nil {
		return false
	}
	m, err := w.a.backend.GetTaskMeta(ctx, id)
	return err == nil && m.State == StateRevoked
}

// onControl applies broadcast control commands.
func (w *Worker) onControl(ctx context.Context, e Event) error {
	var cm ControlMessage
	if err := json.Unmarshal(e.Payload, &cm); err != nil {
		w.logger.Warn(ctx, "bad control message", "error", err)
		return nil
	}
	if cm.SentAt.Before(w.startedAt) || !cm.addressedTo(w.a.hostname) {
		return nil
	}
	switch cm.Command {
	case CommandRevoke:
		w.mu.Lock()
		w.revoked[cm.TaskID] = time.Now()
		if e, ok := w.active[cm.TaskID]; ok && cm.Terminate {
			e.terminated = true
			e.cancel()
		}
		w.mu.Unlock()
		w.logger.Info(ctx, "task revoked", "id", cm.TaskID, "terminate", cm.Terminate)
	case CommandShutdown:
		w.shutdownMu.Do(func() { close(w.shutdown) })
	default:
		w.logger.Warn(ctx, "unknown control command", "command", cm.Command)
	}
	return nil
}
