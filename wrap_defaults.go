package celerity

import (
	"context"
	"time"
)

// workerMiddleware is the default stack in front of the task handler,
// outermost first. Caller middleware runs innermost.
func (a *App) workerMiddleware(extra ...Middleware) []Middleware {
	mws := []Middleware{Recovery(a.logger), a.holdUntilETA, Tracing(), Metrics()}
	if a.idem != nil {
		mws = append(mws, a.idem)
	}
	return append(mws, extra...)
}

// holdUntilETA parks a delivery that arrived before its ETA again. It runs
// ahead of idempotency so the early copy claims no key.
func (a *App) holdUntilETA(next Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		tm, err := decodeTask(a.accept, msg)
		if err != nil || tm.ETA == nil {
			return next(ctx, msg)
		}
		wait := time.Until(*tm.ETA)
		if wait <= 0 {
			return next(ctx, msg)
		}
		a.logger.Debug(ctx, "delivered before eta", "task", tm.Task, "id", tm.ID, "wait", wait)
		return a.mq.PublishDelay(ctx, Message{Topic: msg.Topic, Key: msg.Key, Body: msg.Body, Headers: copyHeaders(msg.Headers)}, wait)
	}
}

// withDefaultBusMiddleware puts m in front of every subscription of b.
func withDefaultBusMiddleware(b EventBus, m Middleware) EventBus {
	return busWithMiddleware{EventBus: b, mw: m}
}

type busWithMiddleware struct {
	EventBus
	mw Middleware
}

func (w busWithMiddleware) Subscribe(ctx context.Context, topic, group string, filter Filter, handler func(context.Context, Event) error, mws ...EventMiddleware) (func(context.Context) error, error) {
	mw := w.mw
	conv := EventMiddleware(func(next func(context.Context, Event) error) func(context.Context, Event) error {
		return func(ctx context.Context, e Event) error {
			m := Message{Topic: e.Topic, Key: e.Subject, Body: e.Payload, Headers: e.Metadata}
			return mw(func(ctx context.Context, _ Message) error { return next(ctx, e) })(ctx, m)
		}
	})
	mws = append([]EventMiddleware{conv}, mws...)
	return w.EventBus.Subscribe(ctx, topic, group, filter, handler, mws...)
}
