package celerity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_Args(t *testing.T) {
	c := &Call{Task: "t.x", Args: []any{json.Number("3"), 2.0, 2.5, "s", int64(9)}}

	n, err := c.Int(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = c.Int(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = c.Int(2)
	assert.ErrorIs(t, err, &TaskError{Type: "TypeError"})
	_, err = c.Int(3)
	assert.ErrorIs(t, err, &TaskError{Type: "TypeError"})

	f, err := c.Float(4)
	require.NoError(t, err)
	assert.Equal(t, 9.0, f)
	_, err = c.Float(3)
	assert.Error(t, err)

	s, err := c.String(3)
	require.NoError(t, err)
	assert.Equal(t, "s", s)
	_, err = c.String(0)
	assert.Error(t, err)

	_, err = c.Arg(5)
	assert.ErrorIs(t, err, &TaskError{Type: "TypeError", Message: "t.x() missing positional argument 5"})
	_, err = c.Arg(-1)
	assert.Error(t, err)
}

func TestCall_DecodeAndKwarg(t *testing.T) {
	type point struct {
		X int    `json:"x"`
		Y int    `json:"y"`
		L string `json:"label"`
	}
	c := &Call{
		Task:   "t.plot",
		Args:   []any{map[string]any{"x": int64(1), "y": int64(2), "label": "a"}, "not a point"},
		Kwargs: map[string]any{"scale": 1.5, "tags": []any{"a", "b"}},
	}

	var p point
	require.NoError(t, c.Decode(0, &p))
	assert.Equal(t, point{X: 1, Y: 2, L: "a"}, p)
	assert.ErrorIs(t, c.Decode(1, &p), &TaskError{Type: "TypeError"})

	var scale float64
	ok, err := c.Kwarg("scale", &scale)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.5, scale)

	var tags []string
	ok, err = c.Kwarg("tags", &tags)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, tags)

	ok, err = c.Kwarg("missing", &tags)
	require.NoError(t, err)
	assert.False(t, ok)

	var n int
	_, err = c.Kwarg("tags", &n)
	assert.Error(t, err)
}

func TestCall_DirectHelpers(t *testing.T) {
	c := &Call{CalledDirectly: true}
	assert.NoError(t, c.UpdateState(context.Background(), "PROGRESS", nil))
	assert.NotNil(t, c.Logger())
	assert.Nil(t, c.App())
}
