package celerity

import (
	"context"
	"encoding/json"
	"time"
)

const headerEventType = "type"

type bus struct{ a *App }

func newBus(a *App) EventBus { return &bus{a: a} }

func (b *bus) Publish(ctx context.Context, e Event) error {
	headers := copyHeaders(e.Metadata)
	if e.Type != "" {
		headers[headerEventType] = e.Type
	}
	return b.a.mq.Publish(ctx, Message{Topic: e.Topic, Key: e.Subject, Body: e.Payload, Headers: headers})
}

func (b *bus) Subscribe(ctx context.Context, topic, group string, filter Filter, handler func(context.Context, Event) error, mws ...EventMiddleware) (func(context.Context) error, error) {
	fn := func(ctx context.Context, m Message) error {
		e := messageEvent(m)
		if filter != nil && !filter(e) {
			return nil
		}
		return handler(ctx, e)
	}
	q := make([]Middleware, 0, len(mws))
	for i := range mws {
		mw := mws[i]
		q = append(q, func(next Handler) Handler {
			return func(ctx context.Context, m Message) error {
				wrapped := func(ctx context.Context, _ Event) error { return next(ctx, m) }
				return mw(wrapped)(ctx, messageEvent(m))
			}
		})
	}
	return b.a.mq.Consume(ctx, topic, group, fn, q...)
}

func messageEvent(m Message) Event {
	return Event{Topic: m.Topic, Type: m.Headers[headerEventType], Subject: m.Key, Payload: m.Body, Metadata: m.Headers}
}

// emitter publishes TaskEvents on the events topic when enabled.
type emitter struct {
	a        *App
	enabled  bool
	hostname string
}

func (em *emitter) emit(ctx context.Context, ev TaskEvent) {
	if !em.enabled {
		return
	}
	ev.Hostname = em.hostname
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		em.a.logger.Warn(ctx, "encode event failed", "type", ev.Type, "error", err)
		return
	}
	e := Event{Topic: em.a.EventsTopic(), Type: ev.Type, Subject: ev.UUID, Payload: body}
	if err := em.a.sys.Publish(ctx, e); err != nil {
		em.a.logger.Warn(ctx, "publish event failed", "type", ev.Type, "error", err)
	}
}

// DecodeTaskEvent parses the payload of an event published by a worker.
func DecodeTaskEvent(e Event) (TaskEvent, error) {
	var ev TaskEvent
	err := json.Unmarshal(e.Payload, &ev)
	return ev, err
}
