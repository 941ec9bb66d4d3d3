package celerity

import "time"

// State is a task state as stored in the result backend.
type State string

const (
	StatePending  State = "PENDING"
	StateReceived State = "RECEIVED"
	StateStarted  State = "STARTED"
	StateRetry    State = "RETRY"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
	StateRevoked  State = "REVOKED"
)

// Ready reports whether s is final.
func (s State) Ready() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// TaskMeta is what the result backend keeps per task.
type TaskMeta struct {
	ID       string         `json:"task_id" yaml:"task_id"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	State    State          `json:"status" yaml:"status"`
	Result   any            `json:"result,omitempty" yaml:"result,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty" yaml:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
	Args     []any          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	Retries  int            `json:"retries" yaml:"retries"`
	Queue    string         `json:"queue,omitempty" yaml:"queue,omitempty"`
	Worker   string         `json:"worker,omitempty" yaml:"worker,omitempty"`
	ParentID string         `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	GroupID  string         `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	Children []string       `json:"children,omitempty" yaml:"children,omitempty"`
	DateDone *time.Time     `json:"date_done,omitempty" yaml:"date_done,omitempty"`
}

func pendingMeta(id string) *TaskMeta { return &TaskMeta{ID: id, State: StatePending} }

// Err returns the stored failure as a *TaskError, or nil.
func (m *TaskMeta) Err() error {
	switch m.State {
	case StateFailure:
		if m.Error == nil {
			return &TaskError{TaskID: m.ID, Type: "Error"}
		}
		return &TaskError{TaskID: m.ID, Type: m.Error.Type, Message: m.Error.Message}
	case StateRevoked:
		return &TaskError{TaskID: m.ID, Type: errTypeRevoked, Message: "task " + m.ID + " revoked"}
	}
	return nil
}

func (m *TaskMeta) normalize() {
	m.Result = Normalize(m.Result)
	if m.Meta != nil {
		m.Meta, _ = Normalize(m.Meta).(map[string]any)
	}
	for i := range m.Args {
		m.Args[i] = Normalize(m.Args[i])
	}
	if m.Kwargs != nil {
		m.Kwargs, _ = Normalize(m.Kwargs).(map[string]any)
	}
}
