package celerity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"go.yaml.in/yaml/v3"
)

const (
	SerializerJSON = "json"
	SerializerYAML = "yaml"
)

// Serializer encodes task messages and results.
type Serializer interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string                  { return SerializerJSON }
func (jsonSerializer) ContentType() string           { return "application/json" }
func (jsonSerializer) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

type yamlSerializer struct{}

func (yamlSerializer) Name() string                       { return SerializerYAML }
func (yamlSerializer) ContentType() string                { return "application/x-yaml" }
func (yamlSerializer) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (yamlSerializer) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }

var serializers = map[string]Serializer{
	SerializerJSON: jsonSerializer{},
	SerializerYAML: yamlSerializer{},
}

// LookupSerializer returns the serializer registered under name.
func LookupSerializer(name string) (Serializer, error) {
	s, ok := serializers[name]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
	return s, nil
}

func serializerByContentType(ct string) (Serializer, bool) {
	for _, s := range serializers {
		if s.ContentType() == ct {
			return s, true
		}
	}
	return nil, false
}

// Normalize rewrites decoded values into plain Go types: json.Number and
// integer kinds become int64 (float64 when fractional), nested slices and maps
// are normalized recursively, yaml maps with non-string keys become
// map[string]any.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = Normalize(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = Normalize(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[fmt.Sprint(k)] = Normalize(vv)
		}
		return out
	default:
		return v
	}
}

// convert copies a normalized value into v (a pointer) through JSON.
func convert(src any, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
