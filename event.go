package celerity

import (
	"context"
	"time"
)

// Event is a message on the event bus.
type Event struct {
	Topic    string
	Type     string
	Subject  string
	Metadata map[string]string
	Payload  []byte
}

type Filter func(e Event) bool

// EventBus provides publish/subscribe on top of the broker.
type EventBus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, topic, group string, filter Filter, handler func(context.Context, Event) error, mws ...EventMiddleware) (stop func(context.Context) error, err error)
}

// Event types emitted by workers.
const (
	EventTaskSent      = "task-sent"
	EventTaskReceived  = "task-received"
	EventTaskStarted   = "task-started"
	EventTaskSucceeded = "task-succeeded"
	EventTaskFailed    = "task-failed"
	EventTaskRetried   = "task-retried"
	EventTaskRevoked   = "task-revoked"
	EventWorkerOnline  = "worker-online"
	EventWorkerOffline = "worker-offline"
	EventWorkerBeat    = "worker-heartbeat"
)

// TaskEvent is the payload of task and worker events.
type TaskEvent struct {
	Type      string         `json:"type"`
	UUID      string         `json:"uuid,omitempty"`
	Name      string         `json:"name,omitempty"`
	Hostname  string         `json:"hostname"`
	Timestamp time.Time      `json:"timestamp"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Result    any            `json:"result,omitempty"`
	Exception string         `json:"exception,omitempty"`
	Retries   int            `json:"retries,omitempty"`
	ETA       *time.Time     `json:"eta,omitempty"`
	Queue     string         `json:"queue,omitempty"`
	Runtime   float64        `json:"runtime,omitempty"`
	Active    int            `json:"active,omitempty"`
	Processed int64          `json:"processed,omitempty"`
}

func FilterByType(t string) Filter { return func(e Event) bool { return e.Type == t } }

// FilterByPrefix keeps events whose type starts with p, for example "task-".
func FilterByPrefix(p string) Filter {
	return func(e Event) bool { return len(e.Type) >= len(p) && e.Type[:len(p)] == p }
}
