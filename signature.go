package celerity

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignatureKind tells task, chain, group and chord signatures apart.
type SignatureKind string

const (
	KindTask  SignatureKind = ""
	KindChain SignatureKind = "chain"
	KindGroup SignatureKind = "group"
	KindChord SignatureKind = "chord"
)

// SignatureOptions are the execution options carried by a signature.
type SignatureOptions struct {
	Queue          string        `json:"queue,omitempty" yaml:"queue,omitempty"`
	Countdown      time.Duration `json:"countdown,omitempty" yaml:"countdown,omitempty"`
	ETA            *time.Time    `json:"eta,omitempty" yaml:"eta,omitempty"`
	ExpiresIn      time.Duration `json:"expires_in,omitempty" yaml:"expires_in,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Link           []Signature   `json:"link,omitempty" yaml:"link,omitempty"`
	LinkError      []Signature   `json:"link_error,omitempty" yaml:"link_error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
}

// Signature describes a task invocation, or a chain, group or chord of them,
// that can be passed around and sent later.
type Signature struct {
	Kind SignatureKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// ID is the task id for task signatures and the group id for groups and chords.
	ID        string           `json:"id,omitempty" yaml:"id,omitempty"`
	Task      string           `json:"task,omitempty" yaml:"task,omitempty"`
	Args      []any            `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs    map[string]any   `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	Immutable bool             `json:"immutable,omitempty" yaml:"immutable,omitempty"`
	Options   SignatureOptions `json:"options,omitempty" yaml:"options,omitempty"`

	// Tasks are the steps of a chain, the members of a group or a chord header.
	Tasks []Signature `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	// Body is the chord callback.
	Body *Signature `json:"body,omitempty" yaml:"body,omitempty"`
	// Chain holds the steps following this signature once it has run.
	Chain []Signature `json:"chain,omitempty" yaml:"chain,omitempty"`

	app *App
}

// NewSignature builds a task signature by name, for tasks not registered locally.
func (a *App) NewSignature(task string, args ...any) Signature {
	return Signature{Task: task, Args: args, app: a}
}

// Chain runs sigs one after the other, each receiving the previous result.
func Chain(sigs ...Signature) Signature {
	return Signature{Kind: KindChain, Tasks: sigs, app: firstApp(sigs)}
}

// Group runs sigs in parallel.
func Group(sigs ...Signature) Signature {
	return Signature{Kind: KindGroup, Tasks: sigs, app: firstApp(sigs)}
}

// Chord runs header in parallel, then body with the list of header results.
func Chord(header []Signature, body Signature) Signature {
	app := firstApp(header)
	if app == nil {
		app = body.app
	}
	return Signature{Kind: KindChord, Tasks: header, Body: &body, app: app}
}

func firstApp(sigs []Signature) *App {
	for _, s := range sigs {
		if s.app != nil {
			return s.app
		}
		if a := firstApp(s.Tasks); a != nil {
			return a
		}
	}
	return nil
}

// ApplyOption sets execution options on a signature.
type ApplyOption func(*Signature)

// Countdown delays execution by d.
func Countdown(d time.Duration) ApplyOption { return func(s *Signature) { s.Options.Countdown = d } }

// ETA runs the task no earlier than t.
func ETA(t time.Time) ApplyOption { return func(s *Signature) { s.Options.ETA = &t } }

// Expires revokes the task when not started within d of sending.
func Expires(d time.Duration) ApplyOption { return func(s *Signature) { s.Options.ExpiresIn = d } }

// ExpiresAt revokes the task when not started by t.
func ExpiresAt(t time.Time) ApplyOption { return func(s *Signature) { s.Options.ExpiresAt = &t } }

// OnQueue overrides routing.
func OnQueue(q string) ApplyOption { return func(s *Signature) { s.Options.Queue = q } }

// Link sends sig with the task result once the task succeeds.
func Link(sig Signature) ApplyOption {
	return func(s *Signature) { s.Options.Link = append(s.Options.Link, sig) }
}

// LinkError sends sig with the failed task id once the task fails.
func LinkError(sig Signature) ApplyOption {
	return func(s *Signature) { s.Options.LinkError = append(s.Options.LinkError, sig) }
}

// WithTaskID fixes the task id instead of generating one.
func WithTaskID(id string) ApplyOption { return func(s *Signature) { s.ID = id } }

// WithKwargs merges keyword arguments.
func WithKwargs(kw map[string]any) ApplyOption {
	return func(s *Signature) {
		if s.Kwargs == nil {
			s.Kwargs = map[string]any{}
		}
		maps.Copy(s.Kwargs, kw)
	}
}

// WithIdempotencyKey makes workers run the message at most once per key when
// idempotency is configured.
func WithIdempotencyKey(k string) ApplyOption {
	return func(s *Signature) { s.Options.IdempotencyKey = k }
}

// Set returns a copy of s with opts applied.
func (s Signature) Set(opts ...ApplyOption) Signature {
	c := s.Clone()
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Clone copies s deeply enough that the copy can be modified freely.
func (s Signature) Clone() Signature {
	c := s
	c.Args = append([]any(nil), s.Args...)
	if s.Kwargs != nil {
		c.Kwargs = maps.Clone(s.Kwargs)
	}
	c.Options.Link = cloneSigs(s.Options.Link)
	c.Options.LinkError = cloneSigs(s.Options.LinkError)
	c.Tasks = cloneSigs(s.Tasks)
	c.Chain = cloneSigs(s.Chain)
	if s.Body != nil {
		b := s.Body.Clone()
		c.Body = &b
	}
	return c
}

func cloneSigs(in []Signature) []Signature {
	if in == nil {
		return nil
	}
	out := make([]Signature, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// Pipe chains next after s.
func (s Signature) Pipe(next ...Signature) Signature {
	return Chain(append([]Signature{s}, next...)...)
}

// Delay sends the signature with args prepended to its own.
func (s Signature) Delay(ctx context.Context, args ...any) (Result, error) {
	return s.withArgs(args).ApplyAsync(ctx)
}

// ApplyAsync sends the signature.
func (s Signature) ApplyAsync(ctx context.Context, opts ...ApplyOption) (Result, error) {
	if s.app == nil {
		return nil, fmt.Errorf("signature %s is not bound to an app", s)
	}
	return s.app.Apply(ctx, s, opts...)
}

func (s Signature) withArgs(args []any) Signature {
	if len(args) == 0 {
		return s
	}
	c := s.Clone()
	switch c.Kind {
	case KindTask:
		if !c.Immutable {
			c.Args = append(append([]any(nil), args...), c.Args...)
		}
	case KindChain:
		if len(c.Tasks) > 0 {
			c.Tasks[0] = c.Tasks[0].withArgs(args)
		}
	case KindGroup, KindChord:
		for i := range c.Tasks {
			c.Tasks[i] = c.Tasks[i].withArgs(args)
		}
	}
	return c
}

// withParentResult prepends the result of the previous step.
func (s Signature) withParentResult(result any) Signature {
	return s.withArgs([]any{result})
}

// assignIDs fills in every missing task and group id.
func (s *Signature) assignIDs() {
	if s.ID == "" && s.Kind != KindChain {
		s.ID = uuid.NewString()
	}
	for i := range s.Tasks {
		s.Tasks[i].assignIDs()
	}
	if s.Body != nil {
		s.Body.assignIDs()
	}
	for i := range s.Options.Link {
		s.Options.Link[i].assignIDs()
	}
	for i := range s.Options.LinkError {
		s.Options.LinkError[i].assignIDs()
	}
}

func (s Signature) String() string {
	switch s.Kind {
	case KindChain:
		return joinSigs(s.Tasks, " | ")
	case KindGroup:
		return "group(" + joinSigs(s.Tasks, ", ") + ")"
	case KindChord:
		body := ""
		if s.Body != nil {
			body = s.Body.String()
		}
		return "chord(" + joinSigs(s.Tasks, ", ") + "; " + body + ")"
	}
	parts := make([]string, 0, len(s.Args)+len(s.Kwargs))
	for _, a := range s.Args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	for k, v := range s.Kwargs {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return s.Task + "(" + strings.Join(parts, ", ") + ")"
}

func joinSigs(sigs []Signature, sep string) string {
	parts := make([]string, len(sigs))
	for i, s := range sigs {
		parts[i] = s.String()
	}
	return strings.Join(parts, sep)
}
