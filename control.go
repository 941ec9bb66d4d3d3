package celerity

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// Control commands broadcast on the control topic.
const (
	CommandRevoke   = "revoke"
	CommandShutdown = "shutdown"
)

// ControlMessage is the payload of a broadcast command.
type ControlMessage struct {
	Command   string `json:"command"`
	TaskID    string `json:"task_id,omitempty"`
	Terminate bool   `json:"terminate,omitempty"`
	// Destination limits the command to these hostnames. Empty means all workers.
	Destination []string  `json:"destination,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

func (m ControlMessage) addressedTo(hostname string) bool {
	return len(m.Destination) == 0 || slices.Contains(m.Destination, hostname)
}

// Control sends commands to workers and purges queues.
type Control struct{ a *App }

func (a *App) Control() *Control { return &Control{a: a} }

// Revoke marks id revoked in the backend when it has not finished yet and
// tells every worker to skip it. With terminate, a worker running it cancels
// the task context.
func (c *Control) Revoke(ctx context.Context, id string, terminate bool) error {
	if b := c.a.backend; b != nil {
		m, err := b.GetTaskMeta(ctx, id)
		if err != nil {
			return fmt.Errorf("revoke %s: %w", id, err)
		}
		if !m.State.Ready() {
			m.State = StateRevoked
			m.Error = &ErrorInfo{Type: errTypeRevoked, Message: "revoked"}
			if err := b.StoreResult(ctx, m); err != nil {
				return fmt.Errorf("revoke %s: %w", id, err)
			}
		}
	}
	return c.broadcast(ctx, ControlMessage{Command: CommandRevoke, TaskID: id, Terminate: terminate})
}

// Shutdown asks workers to stop. Without destination every worker stops.
func (c *Control) Shutdown(ctx context.Context, destination ...string) error {
	return c.broadcast(ctx, ControlMessage{Command: CommandShutdown, Destination: destination})
}

func (c *Control) broadcast(ctx context.Context, cm ControlMessage) error {
	cm.SentAt = time.Now().UTC()
	body, err := json.Marshal(cm)
	if err != nil {
		return err
	}
	return c.a.sys.Publish(ctx, Event{Topic: c.a.controlTopic(), Type: cm.Command, Subject: cm.TaskID, Payload: body})
}

// Purge drops every waiting message of queues, all known queues when none
// are given, and returns how many were removed.
func (c *Control) Purge(ctx context.Context, queues ...string) (int, error) {
	p, ok := c.a.mq.(Purger)
	if !ok {
		return 0, ErrNotSupported
	}
	if len(queues) == 0 {
		queues = c.a.router.Queues()
	}
	total := 0
	for _, q := range queues {
		n, err := p.Purge(ctx, c.a.topic(q), c.a.cfg.Worker.Group)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", q, err)
		}
		total += n
	}
	return total, nil
}

// Inspect queries worker state. Worker answers come from heartbeats stored in
// the result backend, so they are at most one heartbeat interval old.
func (c *Control) Inspect(destination ...string) *Inspector {
	return &Inspector{a: c.a, destination: destination}
}

// Inspector reads worker state.
type Inspector struct {
	a           *App
	destination []string
}

func (i *Inspector) workers(ctx context.Context) ([]WorkerInfo, error) {
	if i.a.backend == nil {
		return nil, ErrNoBackend
	}
	ws, err := i.a.backend.Workers(ctx)
	if err != nil {
		return nil, err
	}
	out := ws[:0]
	for _, w := range ws {
		if len(i.destination) == 0 || slices.Contains(i.destination, w.Hostname) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Hostname < out[b].Hostname })
	return out, nil
}

// Ping returns the last heartbeat time of every live worker.
func (i *Inspector) Ping(ctx context.Context) (map[string]time.Time, error) {
	ws, err := i.workers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(ws))
	for _, w := range ws {
		out[w.Hostname] = w.LastSeen
	}
	return out, nil
}

// Active lists executing tasks per worker.
func (i *Inspector) Active(ctx context.Context) (map[string][]ActiveTask, error) {
	return i.collect(ctx, func(w WorkerInfo) []ActiveTask { return w.Active })
}

// Reserved lists tasks received but waiting for their rate limit per worker.
func (i *Inspector) Reserved(ctx context.Context) (map[string][]ActiveTask, error) {
	return i.collect(ctx, func(w WorkerInfo) []ActiveTask { return w.Reserved })
}

func (i *Inspector) collect(ctx context.Context, pick func(WorkerInfo) []ActiveTask) (map[string][]ActiveTask, error) {
	ws, err := i.workers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]ActiveTask, len(ws))
	for _, w := range ws {
		out[w.Hostname] = pick(w)
	}
	return out, nil
}

// Registered lists task names per worker.
func (i *Inspector) Registered(ctx context.Context) (map[string][]string, error) {
	ws, err := i.workers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(ws))
	for _, w := range ws {
		out[w.Hostname] = w.Registered
	}
	return out, nil
}

// Stats returns the full heartbeat of every worker.
func (i *Inspector) Stats(ctx context.Context) (map[string]WorkerInfo, error) {
	ws, err := i.workers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]WorkerInfo, len(ws))
	for _, w := range ws {
		out[w.Hostname] = w
	}
	return out, nil
}

// ScheduledTask is a task waiting in the broker for its ETA.
type ScheduledTask struct {
	ETA     time.Time `json:"eta"`
	ID      string    `json:"id"`
	Task    string    `json:"task"`
	Args    []any     `json:"args,omitempty"`
	Queue   string    `json:"queue,omitempty"`
	Retries int       `json:"retries,omitempty"`
}

// Scheduled lists tasks held back by countdown, ETA or retry delays.
func (i *Inspector) Scheduled(ctx context.Context) ([]ScheduledTask, error) {
	dl, ok := i.a.mq.(DelayedLister)
	if !ok {
		return nil, ErrNotSupported
	}
	msgs, err := dl.Delayed(ctx)
	if err != nil {
		return nil, err
	}
	var out []ScheduledTask
	for _, m := range msgs {
		if m.Headers[headerTask] == "" {
			continue
		}
		tm, err := decodeTask(i.a.accept, m.Message)
		if err != nil {
			continue
		}
		out = append(out, ScheduledTask{ETA: m.DeliverAt, ID: tm.ID, Task: tm.Task, Args: tm.Args, Queue: tm.Queue, Retries: tm.Retries})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ETA.Before(out[b].ETA) })
	return out, nil
}
