package celerity

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf("ValueError", "ints only, got %d", 3))

	assert.ErrorIs(t, err, &TaskError{Type: "ValueError"})
	assert.ErrorIs(t, err, &TaskError{Type: "ValueError", Message: "ints only, got 3"})
	assert.NotErrorIs(t, err, &TaskError{Type: "ValueError", Message: "other"})
	assert.NotErrorIs(t, err, &TaskError{Type: "TypeError"})
	assert.Equal(t, "wrapped: ValueError: ints only, got 3", err.Error())
	assert.Equal(t, "Panic", (&TaskError{Type: "Panic"}).Error())
}

func TestErrorInfo(t *testing.T) {
	cause := errors.New("io failure")
	tests := []struct {
		name string
		err  error
		want *ErrorInfo
	}{
		{"nil", nil, nil},
		{"task error", Errorf("KeyError", "missing"), &ErrorInfo{Type: "KeyError", Message: "missing"}},
		{"max retries", &MaxRetriesExceededError{TaskID: "1", Task: "t.x", Retries: 3, Err: cause},
			&ErrorInfo{Type: errTypeMaxRetries, Message: "can't retry t.x[1]: max retries (3) exceeded: io failure"}},
		{"chord", &ChordError{GroupID: "g", TaskID: "t", Cause: "ValueError: boom"},
			&ErrorInfo{Type: errTypeChord, Message: "dependency t of chord g raised ValueError: boom"}},
		{"plain error", cause, &ErrorInfo{Type: "errors.errorString", Message: "io failure"}},
		{"path error", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, &ErrorInfo{Type: "fs.PathError", Message: "open /x: file does not exist"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorInfo(tt.err))
		})
	}
}

func TestTaskMeta_Err(t *testing.T) {
	assert.NoError(t, (&TaskMeta{State: StateSuccess}).Err())
	assert.ErrorIs(t, (&TaskMeta{ID: "1", State: StateFailure}).Err(), &TaskError{Type: "Error"})
	assert.ErrorIs(t, (&TaskMeta{ID: "1", State: StateRevoked}).Err(), &TaskError{Type: errTypeRevoked})
}

func TestRetryError_Unwrap(t *testing.T) {
	cause := errors.New("timeout")
	c := &Call{}
	err := c.Retry(cause, RetryCountdown(5), RetryMaxRetries(1))
	var re *RetryError
	assert.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, *re.MaxRetries)
	assert.Equal(t, "retry requested", (&RetryError{}).Error())
}
