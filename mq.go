package celerity

import (
	"context"
	"errors"
	"math"
	"time"
)

// Message is the broker level envelope. Body carries a serialized TaskMessage
// for task queues and the raw payload for events.
type Message struct {
	Topic   string
	Key     string
	Body    []byte
	Headers map[string]string
}

// Handler handles one delivery. A non-nil error asks the broker to redeliver.
type Handler func(ctx context.Context, msg Message) error

// RetryPolicy decides redelivery backoff.
type RetryPolicy interface {
	NextBackoff(attempt int) (time.Duration, bool)
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	PublishDelay(ctx context.Context, msg Message, delay time.Duration) error
}

// Consumer subscribes to topics.
type Consumer interface {
	// Consume subscribes topic within consumer group group and returns a stop function.
	Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (stop func(context.Context) error, err error)
}

// MQ aggregates Producer and Consumer and releases resources on Close.
type MQ interface {
	Producer
	Consumer
	Close(ctx context.Context) error
}

// Purger is implemented by brokers able to drop ready messages of a queue.
type Purger interface {
	Purge(ctx context.Context, topic, group string) (int, error)
}

// DelayedMessage is a message waiting for its delivery time.
type DelayedMessage struct {
	Message
	DeliverAt time.Time
}

// DelayedLister is implemented by brokers that can list pending delayed messages.
type DelayedLister interface {
	Delayed(ctx context.Context) ([]DelayedMessage, error)
}

// ErrNotSupported is returned when a broker or backend lacks a capability.
var ErrNotSupported = errors.New("celerity: operation not supported by this broker or backend")

const headerRetryCount = "x-retry-count"

// ExponentialBackoff is a simple exponential RetryPolicy.
type ExponentialBackoff struct {
	Base       time.Duration
	Factor     float64
	MaxRetries int
}

func (e ExponentialBackoff) NextBackoff(attempt int) (time.Duration, bool) {
	if attempt >= e.MaxRetries {
		return 0, false
	}
	d := time.Duration(float64(e.Base) * math.Pow(e.Factor, float64(attempt)))
	return d, true
}

func chainMiddleware(handler Handler, mws []Middleware) Handler {
	final := handler
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}
