package celerity

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware wraps broker deliveries.
type Middleware func(next Handler) Handler

// EventMiddleware wraps event bus handlers.
type EventMiddleware func(next func(context.Context, Event) error) func(context.Context, Event) error

const tracerName = "github.com/northseadl/celerity"

// Recovery turns a panicking handler into an error so the delivery is redelivered.
func Recovery(logger Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, m Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(ctx, "handler panic", "topic", m.Topic, "task", m.Headers[headerTask], "panic", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, m)
		}
	}
}

// Tracing starts a consumer span per delivery on the global tracer provider.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return func(next Handler) Handler {
		return func(ctx context.Context, m Message) error {
			name := m.Headers[headerTask]
			if name == "" {
				name = m.Topic
			}
			ctx, span := tracer.Start(ctx, "run "+name,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.destination.name", m.Topic),
					attribute.String("celerity.task.id", m.Headers[headerTaskID]),
					attribute.String("celerity.task.name", m.Headers[headerTask]),
				))
			defer span.End()
			err := next(ctx, m)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Metrics counts deliveries and handler errors per topic.
func Metrics() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, m Message) error {
			err := next(ctx, m)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			deliveriesTotal.WithLabelValues(m.Topic, outcome).Inc()
			return err
		}
	}
}
