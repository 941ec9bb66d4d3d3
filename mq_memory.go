package celerity

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryMQ is an in-process MQ with Redis-Streams-like semantics: every
// consumer group of a topic receives each message once, consumers of one
// group compete. Messages published before any group exists are kept and
// handed to the first group created.
type memoryMQ struct {
	cfg    BrokerConfig
	logger Logger

	mu      sync.Mutex
	topics  map[string]*memTopic
	delayed map[string]*memDelayed
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type memTopic struct {
	backlog []Message
	groups  map[string]*memQueue
}

type memQueue struct {
	mu     sync.Mutex
	items  []Message
	signal chan struct{}
}

type memDelayed struct {
	msg   Message
	at    time.Time
	timer *time.Timer
}

func newMemoryMQ(cfg BrokerConfig, logger Logger) *memoryMQ {
	return &memoryMQ{cfg: cfg, logger: logger, topics: map[string]*memTopic{}, delayed: map[string]*memDelayed{}, stopCh: make(chan struct{})}
}

func newMemQueue() *memQueue { return &memQueue{signal: make(chan struct{}, 1)} }

func (q *memQueue) push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return m, true
}

func (q *memQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (b *memoryMQ) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: map[string]*memQueue{}}
		b.topics[name] = t
	}
	return t
}

func (b *memoryMQ) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Headers = copyHeaders(msg.Headers)
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(msg.Topic)
	if len(t.groups) == 0 {
		t.backlog = append(t.backlog, msg)
		return nil
	}
	for _, q := range t.groups {
		q.push(msg)
	}
	return nil
}

func (b *memoryMQ) PublishDelay(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, msg)
	}
	id := uuid.NewString()
	d := &memDelayed{msg: msg, at: time.Now().Add(delay)}
	b.mu.Lock()
	b.delayed[id] = d
	d.timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		_, ok := b.delayed[id]
		delete(b.delayed, id)
		b.mu.Unlock()
		if ok {
			_ = b.Publish(context.Background(), msg)
		}
	})
	b.mu.Unlock()
	return nil
}

func (b *memoryMQ) Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (func(context.Context) error, error) {
	if group == "" {
		group = defaultWorkerGroup
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("memory broker closed")
	}
	t := b.topic(topic)
	q, ok := t.groups[group]
	if !ok {
		q = newMemQueue()
		for _, m := range t.backlog {
			q.push(m)
		}
		t.backlog = nil
		t.groups[group] = q
	}
	b.mu.Unlock()

	final := chainMiddleware(handler, mws)
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer func() { b.wg.Done(); close(done) }()
		// Close stops every consumer
		go func() {
			select {
			case <-b.stopCh:
				cancel()
			case <-cctx.Done():
			}
		}()
		concurrency := b.cfg.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		sem := make(chan struct{}, concurrency)
		inflight := &sync.WaitGroup{}
		defer inflight.Wait()
		for {
			select {
			case <-cctx.Done():
				return
			case <-q.signal:
			}
			for {
				select {
				case sem <- struct{}{}:
				case <-cctx.Done():
					return
				}
				m, ok := q.pop()
				if !ok {
					<-sem
					break
				}
				inflight.Add(1)
				go func(m Message) {
					defer func() { <-sem; inflight.Done() }()
					if err := final(cctx, m); err != nil {
						b.redeliver(m, err)
					}
				}(m)
			}
		}
	}()
	stop := func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

func (b *memoryMQ) redeliver(m Message, cause error) {
	attempt, _ := strconv.Atoi(m.Headers[headerRetryCount])
	policy := ExponentialBackoff{Base: b.cfg.Retry.Base, Factor: b.cfg.Retry.Factor, MaxRetries: b.cfg.Retry.MaxRetries}
	delay, ok := policy.NextBackoff(attempt)
	if !ok {
		b.logger.Error(context.Background(), "delivery failed, retries exhausted", "topic", m.Topic, "attempts", attempt, "error", cause)
		return
	}
	h := copyHeaders(m.Headers)
	h[headerRetryCount] = strconv.Itoa(attempt + 1)
	_ = b.PublishDelay(context.Background(), Message{Topic: m.Topic, Key: m.Key, Body: m.Body, Headers: h}, delay)
}

func (b *memoryMQ) Purge(_ context.Context, topic, group string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0, nil
	}
	n := len(t.backlog)
	t.backlog = nil
	if q, ok := t.groups[group]; ok {
		n += q.drain()
	}
	return n, nil
}

func (b *memoryMQ) Delayed(_ context.Context) ([]DelayedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DelayedMessage, 0, len(b.delayed))
	for _, d := range b.delayed {
		out = append(out, DelayedMessage{Message: d.msg, DeliverAt: d.at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliverAt.Before(out[j].DeliverAt) })
	return out, nil
}

func (b *memoryMQ) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	for id, d := range b.delayed {
		d.timer.Stop()
		delete(b.delayed, id)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
