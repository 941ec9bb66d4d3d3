package celerity

import (
	"context"
	"fmt"
	"time"
)

// Backend stores task states and results, group membership, chord counters
// and worker heartbeats.
type Backend interface {
	StoreResult(ctx context.Context, meta *TaskMeta) error
	// GetTaskMeta returns a PENDING meta for unknown ids.
	GetTaskMeta(ctx context.Context, id string) (*TaskMeta, error)
	Forget(ctx context.Context, id string) error

	SaveGroup(ctx context.Context, id string, taskIDs []string) error
	RestoreGroup(ctx context.Context, id string) ([]string, error)
	ForgetGroup(ctx context.Context, id string) error
	// IncrChord counts finished header tasks of a chord and returns the new count.
	IncrChord(ctx context.Context, groupID string) (int64, error)

	PutWorker(ctx context.Context, info WorkerInfo, ttl time.Duration) error
	Workers(ctx context.Context) ([]WorkerInfo, error)

	// Cleanup removes expired entries and returns how many went away.
	Cleanup(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// ActiveTask is a task currently executing on a worker.
type ActiveTask struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Args      []any     `json:"args,omitempty" yaml:"args,omitempty"`
	Queue     string    `json:"queue,omitempty" yaml:"queue,omitempty"`
	StartedAt time.Time `json:"time_start" yaml:"time_start"`
}

// WorkerInfo is the heartbeat a worker publishes.
type WorkerInfo struct {
	Hostname    string           `json:"hostname" yaml:"hostname"`
	PID         int              `json:"pid" yaml:"pid"`
	Queues      []string         `json:"queues" yaml:"queues"`
	Concurrency int              `json:"concurrency" yaml:"concurrency"`
	Registered  []string         `json:"registered" yaml:"registered"`
	Active      []ActiveTask     `json:"active" yaml:"active"`
	Reserved    []ActiveTask     `json:"reserved" yaml:"reserved"`
	Processed   map[string]int64 `json:"total" yaml:"total"`
	StartedAt   time.Time        `json:"started_at" yaml:"started_at"`
	LastSeen    time.Time        `json:"last_seen" yaml:"last_seen"`
}

// metaCodec encodes backend values with the result serializer.
type metaCodec struct{ ser Serializer }

func (c metaCodec) encode(v any) ([]byte, error) {
	b, err := c.ser.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

func (c metaCodec) decodeMeta(b []byte) (*TaskMeta, error) {
	var m TaskMeta
	if err := c.ser.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	m.normalize()
	return &m, nil
}

func (c metaCodec) decodeIDs(b []byte) ([]string, error) {
	var ids []string
	if err := c.ser.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	return ids, nil
}

func (c metaCodec) decodeWorker(b []byte) (WorkerInfo, error) {
	var w WorkerInfo
	if err := c.ser.Unmarshal(b, &w); err != nil {
		return w, fmt.Errorf("decode worker: %w", err)
	}
	for i := range w.Active {
		w.Active[i].Args, _ = Normalize(w.Active[i].Args).([]any)
	}
	return w, nil
}

func stampDone(m *TaskMeta) {
	if m.State.Ready() && m.DateDone == nil {
		now := time.Now().UTC()
		m.DateDone = &now
	}
}

func newBackend(ctx context.Context, cfg Config, ser Serializer, logger Logger) (Backend, error) {
	switch cfg.Backend.Provider {
	case BackendDisabled:
		return nil, nil
	case BackendMemory:
		return newMemoryBackend(ser, cfg.ResultExpires), nil
	case BackendRedis:
		return newRedisBackend(cfg.Backend, ser, cfg.ResultExpires)
	case BackendSQLite, BackendPostgres:
		return newSQLBackend(ctx, cfg.Backend, ser, cfg.ResultExpires, logger)
	}
	return nil, fmt.Errorf("unsupported result backend %q", cfg.Backend.Provider)
}
