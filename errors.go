package celerity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoBackend is returned by result operations when no result backend is configured.
	ErrNoBackend = errors.New("celerity: no result backend configured")
	// ErrTaskNotRegistered is returned when a task name is unknown to the app.
	ErrTaskNotRegistered = errors.New("celerity: task not registered")
	// ErrTimeout is returned when waiting for a result outlives its context.
	ErrTimeout = errors.New("celerity: timed out waiting for result")
)

// ErrValidation matches, with errors.Is, the failure of a task whose
// arguments violate its ArgsSchema.
var ErrValidation error = &TaskError{Type: errTypeSchema}

// TaskError is the error of a task that ended in FAILURE or REVOKED. Tasks
// may also return one (see Errorf) to give their failure a stable type name.
type TaskError struct {
	TaskID  string
	Type    string
	Message string
}

// Errorf returns a *TaskError of the given type, for example
// Errorf("ValueError", "ints only").
func Errorf(typ, format string, args ...any) *TaskError {
	return &TaskError{Type: typ, Message: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

// Is matches another *TaskError of the same Type; an empty Message on target
// matches any message.
func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// RetryError is returned by Call.Retry; the worker re-sends the task.
type RetryError struct {
	Err        error
	Countdown  time.Duration
	ETA        *time.Time
	MaxRetries *int
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "retry requested"
	}
	return "retry requested: " + e.Err.Error()
}

func (e *RetryError) Unwrap() error { return e.Err }

// MaxRetriesExceededError ends a task that asked for one retry too many.
type MaxRetriesExceededError struct {
	TaskID  string
	Task    string
	Retries int
	Err     error
}

func (e *MaxRetriesExceededError) Error() string {
	msg := fmt.Sprintf("can't retry %s[%s]: max retries (%d) exceeded", e.Task, e.TaskID, e.Retries)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Err }

// ChordError is stored on a chord body whose header had a failed task.
type ChordError struct {
	GroupID string
	TaskID  string
	Cause   string
}

func (e *ChordError) Error() string {
	return fmt.Sprintf("dependency %s of chord %s raised %s", e.TaskID, e.GroupID, e.Cause)
}

// ErrorInfo is the stored form of a task error.
type ErrorInfo struct {
	Type    string `json:"exc_type" yaml:"exc_type"`
	Message string `json:"exc_message" yaml:"exc_message"`
}

const (
	errTypeTimeLimit     = "TimeLimitExceeded"
	errTypeNotRegistered = "NotRegistered"
	errTypeRevoked       = "TaskRevokedError"
	errTypeMaxRetries    = "MaxRetriesExceededError"
	errTypeChord         = "ChordError"
	errTypeSchema        = "ValidationError"
	errTypePanic         = "Panic"
)

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return &ErrorInfo{Type: te.Type, Message: te.Message}
	}
	var mr *MaxRetriesExceededError
	if errors.As(err, &mr) {
		return &ErrorInfo{Type: errTypeMaxRetries, Message: mr.Error()}
	}
	var ce *ChordError
	if errors.As(err, &ce) {
		return &ErrorInfo{Type: errTypeChord, Message: ce.Error()}
	}
	typ := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	return &ErrorInfo{Type: typ, Message: err.Error()}
}
