package celerity

import (
	"fmt"
	"os"
	"time"
)

const (
	headerContentType = "content-type"
	headerTask        = "task"
	headerTaskID      = "id"
)

// TaskMessage is the body of every task delivery.
type TaskMessage struct {
	ID      string         `json:"id" yaml:"id"`
	Task    string         `json:"task" yaml:"task"`
	Args    []any          `json:"args" yaml:"args"`
	Kwargs  map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	Retries int            `json:"retries" yaml:"retries"`
	ETA     *time.Time     `json:"eta,omitempty" yaml:"eta,omitempty"`
	Expires *time.Time     `json:"expires,omitempty" yaml:"expires,omitempty"`
	Queue   string         `json:"queue,omitempty" yaml:"queue,omitempty"`

	ParentID   string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	RootID     string `json:"root_id,omitempty" yaml:"root_id,omitempty"`
	GroupID    string `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	GroupIndex int    `json:"group_index,omitempty" yaml:"group_index,omitempty"`
	GroupSize  int    `json:"group_size,omitempty" yaml:"group_size,omitempty"`

	// Chord is the body to send once every task of the group has finished.
	Chord *Signature `json:"chord,omitempty" yaml:"chord,omitempty"`
	// Chain holds the steps that follow this task.
	Chain     []Signature `json:"chain,omitempty" yaml:"chain,omitempty"`
	Link      []Signature `json:"link,omitempty" yaml:"link,omitempty"`
	LinkError []Signature `json:"link_error,omitempty" yaml:"link_error,omitempty"`

	IgnoreResult bool      `json:"ignore_result,omitempty" yaml:"ignore_result,omitempty"`
	Origin       string    `json:"origin,omitempty" yaml:"origin,omitempty"`
	SentAt       time.Time `json:"sent_at" yaml:"sent_at"`
}

func (m *TaskMessage) expired(now time.Time) bool {
	return m.Expires != nil && now.After(*m.Expires)
}

func (m *TaskMessage) normalize() {
	for i := range m.Args {
		m.Args[i] = Normalize(m.Args[i])
	}
	if m.Kwargs != nil {
		m.Kwargs, _ = Normalize(m.Kwargs).(map[string]any)
	}
}

// encodeTask serializes m into a broker Message for topic.
func encodeTask(ser Serializer, topic string, m *TaskMessage) (Message, error) {
	body, err := ser.Marshal(m)
	if err != nil {
		return Message{}, fmt.Errorf("encode task %s[%s]: %w", m.Task, m.ID, err)
	}
	return Message{
		Topic: topic,
		Body:  body,
		Headers: map[string]string{
			headerContentType: ser.ContentType(),
			headerTask:        m.Task,
			headerTaskID:      m.ID,
			headerRetryCount:  "0",
		},
	}, nil
}

// decodeTask reverses encodeTask. Content types outside accept are refused.
func decodeTask(accept map[string]Serializer, msg Message) (*TaskMessage, error) {
	ct := msg.Headers[headerContentType]
	if ct == "" {
		ct = jsonSerializer{}.ContentType()
	}
	ser, ok := accept[ct]
	if !ok {
		return nil, fmt.Errorf("refusing message with content type %q", ct)
	}
	var m TaskMessage
	if err := ser.Unmarshal(msg.Body, &m); err != nil {
		return nil, fmt.Errorf("decode task message: %w", err)
	}
	m.normalize()
	return &m, nil
}

func acceptSet(names []string) (map[string]Serializer, error) {
	out := make(map[string]Serializer, len(names))
	for _, n := range names {
		s, err := LookupSerializer(n)
		if err != nil {
			if s2, ok := serializerByContentType(n); ok {
				s = s2
			} else {
				return nil, fmt.Errorf("accept_content: %w", err)
			}
		}
		out[s.ContentType()] = s
	}
	return out, nil
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		h = "localhost"
	}
	return "celery@" + h
}
