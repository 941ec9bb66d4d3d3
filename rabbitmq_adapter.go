package celerity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitMQAdapter implements MQ on a RabbitMQ topic exchange. Every
// (topic, group) pair owns a durable queue bound with the topic as binding key.
// Delayed publishes use the x-delayed-message plugin (standard) or the
// "delay" header (aliyun).

type rabbitMQAdapter struct {
	cfg    RabbitMQConfig
	broker BrokerConfig
	logger Logger
	mode   DelayMode

	conn   *amqp.Connection
	connMu sync.Mutex

	declared sync.Map // queue name -> struct{}
}

func newRabbitMQAdapter(broker BrokerConfig, logger Logger) (*rabbitMQAdapter, error) {
	cfg := broker.RabbitMQ
	if cfg.URI == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("rabbitmq config invalid")
	}
	mode := cfg.DelayMode
	if mode == "" {
		mode = DelayModeStandard
	}
	if mode == DelayModeStandard && cfg.DelayedExchange == "" {
		return nil, fmt.Errorf("delayed exchange required in standard mode")
	}
	ad := &rabbitMQAdapter{cfg: cfg, broker: broker, mode: mode, logger: logger}
	if err := ad.ensureConnection(); err != nil {
		return nil, err
	}
	if err := ad.declareTopology(); err != nil {
		return nil, err
	}
	return ad, nil
}

func (r *rabbitMQAdapter) ensureConnection() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(r.cfg.URI)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *rabbitMQAdapter) channel() (*amqp.Channel, error) {
	if err := r.ensureConnection(); err != nil {
		return nil, fmt.Errorf("rabbitmq connection failed: %w", err)
	}
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	if r.cfg.Prefetch > 0 {
		_ = ch.Qos(r.cfg.Prefetch, 0, false)
	}
	return ch, nil
}

func (r *rabbitMQAdapter) declareTopology() error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	r.logger.Info(context.Background(), "declare exchange", "exchange", r.cfg.Exchange)
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if r.mode == DelayModeStandard {
		args := amqp.Table{"x-delayed-type": "topic"}
		r.logger.Info(context.Background(), "declare delayed exchange", "exchange", r.cfg.DelayedExchange)
		if err := ch.ExchangeDeclare(r.cfg.DelayedExchange, "x-delayed-message", true, false, false, false, args); err != nil {
			return err
		}
	}
	return nil
}

func queueName(topic, group string) string {
	return fmt.Sprintf("%s-%s", sanitizeQueueName(topic), sanitizeQueueName(group))
}

// DeclareQueue declares and binds the queue of (topic, group) so messages
// published before any consumer starts are kept.
func (r *rabbitMQAdapter) DeclareQueue(ctx context.Context, topic, group string) error {
	name := queueName(topic, group)
	if _, ok := r.declared.Load(name); ok {
		return nil
	}
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := r.declareAndBind(ctx, ch, name, topic); err != nil {
		return err
	}
	r.declared.Store(name, struct{}{})
	return nil
}

func (r *rabbitMQAdapter) declareAndBind(ctx context.Context, ch *amqp.Channel, name, topic string) error {
	q, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{})
	if err != nil {
		return err
	}
	r.logger.Debug(ctx, "queue bind", "queue", q.Name, "exchange", r.cfg.Exchange, "binding_key", topic)
	if err := ch.QueueBind(q.Name, topic, r.cfg.Exchange, false, nil); err != nil {
		return err
	}
	if r.mode == DelayModeStandard {
		r.logger.Debug(ctx, "queue bind", "queue", q.Name, "exchange", r.cfg.DelayedExchange, "binding_key", topic)
		if err := ch.QueueBind(q.Name, topic, r.cfg.DelayedExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *rabbitMQAdapter) Publish(ctx context.Context, msg Message) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// A closed channel or a returned message right after publish means the
	// broker refused it (unroutable, or serverless brokers closing with 406/504).
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	rets := ch.NotifyReturn(make(chan amqp.Return, 1))

	err = ch.PublishWithContext(ctx, r.cfg.Exchange, msg.Topic, true, false, amqp.Publishing{
		ContentType:  msg.Headers[headerContentType],
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Key,
		Timestamp:    time.Now(),
		Headers:      stringMapToTable(msg.Headers),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed (topic=%s): %w", msg.Topic, err)
	}

	select {
	case ret := <-rets:
		return fmt.Errorf("message unroutable to topic %s: %s (code=%d)", msg.Topic, ret.ReplyText, ret.ReplyCode)
	case closeErr := <-closeChan:
		return fmt.Errorf("channel closed immediately after publish: %w", closeErr)
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func (r *rabbitMQAdapter) PublishDelay(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return r.Publish(ctx, msg)
	}
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	headers := stringMapToTable(msg.Headers)
	if headers == nil {
		headers = amqp.Table{}
	}
	ms := int64(delay / time.Millisecond)
	exchange := r.cfg.DelayedExchange
	if r.mode == DelayModeAliyun {
		exchange = r.cfg.Exchange
		headers["delay"] = strconv.FormatInt(ms, 10)
	} else {
		headers["x-delay"] = ms
	}
	rets := ch.NotifyReturn(make(chan amqp.Return, 1))
	err = ch.PublishWithContext(ctx, exchange, msg.Topic, true, false, amqp.Publishing{
		ContentType:  msg.Headers[headerContentType],
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Key,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		return err
	}
	select {
	case ret := <-rets:
		r.logger.Error(ctx, "mq return (unroutable)", "exchange", ret.Exchange, "routing_key", ret.RoutingKey, "code", ret.ReplyCode, "text", ret.ReplyText)
	default:
	}
	return nil
}

func (r *rabbitMQAdapter) Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (func(context.Context) error, error) {
	if group == "" {
		group = defaultWorkerGroup
	}
	ch, err := r.channel()
	if err != nil {
		return nil, err
	}
	qName := queueName(topic, group)
	if err := r.declareAndBind(ctx, ch, qName, topic); err != nil {
		ch.Close()
		return nil, err
	}
	r.declared.Store(qName, struct{}{})
	msgs, err := ch.Consume(qName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	final := chainMiddleware(handler, mws)

	done := make(chan struct{})
	go func() {
		defer close(done)
		concurrency := r.broker.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		wg := &sync.WaitGroup{}
		defer wg.Wait()
		sem := make(chan struct{}, concurrency)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-closeChan:
				if err != nil {
					r.logger.Error(ctx, "rabbitmq channel closed by server", "queue", qName, "error", err.Error())
				}
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(del amqp.Delivery) {
					defer func() { <-sem; wg.Done() }()
					m := Message{Topic: del.RoutingKey, Key: del.MessageId, Body: del.Body, Headers: tableToStringMap(del.Headers)}
					if err := final(ctx, m); err != nil {
						r.redeliver(ctx, del, m)
						return
					}
					_ = del.Ack(false)
				}(d)
			}
		}
	}()

	stop := func(sctx context.Context) error {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

// redeliver republishes with backoff first and acks after; when the
// republish fails the delivery is nacked back to the queue.
func (r *rabbitMQAdapter) redeliver(ctx context.Context, del amqp.Delivery, m Message) {
	attempt := 0
	if s, ok := m.Headers[headerRetryCount]; ok {
		if n, e := strconv.Atoi(s); e == nil {
			attempt = n
		}
	}
	next := attempt + 1
	if next > r.broker.Retry.MaxRetries {
		r.logger.Error(ctx, "delivery failed, retries exhausted", "topic", m.Topic, "attempts", attempt)
		_ = del.Ack(false)
		return
	}
	h := copyHeaders(m.Headers)
	h[headerRetryCount] = strconv.Itoa(next)
	delay := time.Duration(float64(r.broker.Retry.Base) * math.Pow(r.broker.Retry.Factor, float64(next-1)))
	if err := r.PublishDelay(ctx, Message{Topic: m.Topic, Key: m.Key, Body: m.Body, Headers: h}, delay); err == nil {
		_ = del.Ack(false)
		return
	}
	_ = del.Nack(false, true)
}

// Purge drops ready messages of the (topic, group) queue.
func (r *rabbitMQAdapter) Purge(ctx context.Context, topic, group string) (int, error) {
	ch, err := r.channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	n, err := ch.QueuePurge(queueName(topic, group), false)
	if err != nil {
		var aerr *amqp.Error
		if errors.As(err, &aerr) && aerr.Code == amqp.NotFound {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (r *rabbitMQAdapter) Close(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

func stringMapToTable(m map[string]string) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range m {
		t[k] = v
	}
	return t
}

func tableToStringMap(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	m := make(map[string]string, len(t))
	for k, v := range t {
		switch vv := v.(type) {
		case string:
			m[k] = vv
		case int32, int64, int:
			m[k] = fmt.Sprintf("%v", vv)
		}
	}
	return m
}

func sanitizeQueueName(s string) string {
	forbidden := []rune{' ', '*', '#', '/'}
	out := []rune{}
	for _, r := range s {
		skip := false
		for _, f := range forbidden {
			if r == f {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "q"
	}
	return string(out)
}
