package celerity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"json int", json.Number("42"), int64(42)},
		{"json float", json.Number("1.5"), 1.5},
		{"int", 7, int64(7)},
		{"int32", int32(7), int64(7)},
		{"uint64", uint64(7), int64(7)},
		{"float32", float32(0.5), 0.5},
		{"string", "x", "x"},
		{"nil", nil, nil},
		{"slice", []any{json.Number("1"), []any{2}}, []any{int64(1), []any{int64(2)}}},
		{"map", map[string]any{"a": json.Number("3")}, map[string]any{"a": int64(3)}},
		{"yaml map", map[any]any{1: "one", "k": 2}, map[string]any{"1": "one", "k": int64(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestLookupSerializer(t *testing.T) {
	for _, name := range []string{SerializerJSON, SerializerYAML} {
		s, err := LookupSerializer(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
	_, err := LookupSerializer("pickle")
	assert.ErrorContains(t, err, `unknown serializer "pickle"`)
}

func TestAcceptSet(t *testing.T) {
	set, err := acceptSet([]string{"json", "application/x-yaml"})
	require.NoError(t, err)
	assert.Contains(t, set, "application/json")
	assert.Contains(t, set, "application/x-yaml")

	_, err = acceptSet([]string{"application/x-python-serialize"})
	assert.Error(t, err)
}

func TestTaskMessage_RoundTrip(t *testing.T) {
	eta := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	accept, err := acceptSet([]string{"json", "yaml"})
	require.NoError(t, err)

	for _, ser := range []Serializer{jsonSerializer{}, yamlSerializer{}} {
		t.Run(ser.Name(), func(t *testing.T) {
			in := &TaskMessage{
				ID:      "id-1",
				Task:    "proj.tasks.add",
				Args:    []any{4, 4.5, "x", []any{1, 2}},
				Kwargs:  map[string]any{"n": 3},
				Retries: 1,
				ETA:     &eta,
				Queue:   "celery",
				Link:    []Signature{{Kind: KindTask, Task: "proj.tasks.mul", Args: []any{2}}},
			}
			msg, err := encodeTask(ser, "proj.celery", in)
			require.NoError(t, err)
			assert.Equal(t, ser.ContentType(), msg.Headers[headerContentType])
			assert.Equal(t, "proj.tasks.add", msg.Headers[headerTask])
			assert.Equal(t, "id-1", msg.Headers[headerTaskID])

			out, err := decodeTask(accept, msg)
			require.NoError(t, err)
			assert.Equal(t, []any{int64(4), 4.5, "x", []any{int64(1), int64(2)}}, out.Args)
			assert.Equal(t, map[string]any{"n": int64(3)}, out.Kwargs)
			assert.True(t, eta.Equal(*out.ETA))
			require.Len(t, out.Link, 1)
			assert.Equal(t, "proj.tasks.mul", out.Link[0].Task)
		})
	}
}

func TestDecodeTask_RefusesContentType(t *testing.T) {
	accept, err := acceptSet([]string{"json"})
	require.NoError(t, err)
	msg, err := encodeTask(yamlSerializer{}, "celery", &TaskMessage{ID: "1", Task: "t"})
	require.NoError(t, err)

	_, err = decodeTask(accept, msg)
	assert.ErrorContains(t, err, "refusing message")

	// a missing content type means json
	_, err = decodeTask(accept, Message{Body: []byte(`{"id":"2","task":"t","args":[]}`)})
	assert.NoError(t, err)

	_, err = decodeTask(accept, Message{Body: []byte(`{`)})
	assert.ErrorContains(t, err, "decode task message")
}
