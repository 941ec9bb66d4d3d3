package celerity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisAdapter implements MQ on Redis Streams. Delayed messages wait in a
// ZSET scored by delivery time and are moved to their stream by a poller.

type redisAdapter struct {
	rdb    *redis.Client
	cfg    BrokerConfig
	logger Logger

	delayKey string
	block    time.Duration
	poll     time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type delayItem struct {
	ID      string            `json:"id"`
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	BodyB64 string            `json:"body_b64"`
	Headers map[string]string `json:"headers"`
}

func newRedisAdapter(cfg BrokerConfig, namespace string, logger Logger) (*redisAdapter, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr empty")
	}
	return newRedisAdapterWithClient(redis.NewClient(cfg.Redis.options()), cfg, namespace, logger), nil
}

func newRedisAdapterWithClient(rdb *redis.Client, cfg BrokerConfig, namespace string, logger Logger) *redisAdapter {
	delayKey := "celerity:delay"
	if namespace != "" {
		delayKey = namespace + ":delay"
	}
	ad := &redisAdapter{
		rdb:      rdb,
		cfg:      cfg,
		logger:   logger,
		delayKey: delayKey,
		block:    2 * time.Second,
		poll:     200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	ad.startDelayScheduler()
	return ad
}

func (r *redisAdapter) startDelayScheduler() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		t := time.NewTicker(r.poll)
		defer t.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-t.C:
				r.moveDue(ctx)
			}
		}
	}()
}

// moveDue publishes every delayed item whose time has come. ZREM decides
// ownership so concurrent pollers never publish an item twice.
func (r *redisAdapter) moveDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	items, err := r.rdb.ZRangeByScore(ctx, r.delayKey, &redis.ZRangeBy{Min: "-inf", Max: now, Offset: 0, Count: 100}).Result()
	if err != nil {
		return
	}
	for _, s := range items {
		n, err := r.rdb.ZRem(ctx, r.delayKey, s).Result()
		if err != nil || n == 0 {
			continue
		}
		var di delayItem
		if err := json.Unmarshal([]byte(s), &di); err != nil {
			r.logger.Error(ctx, "drop undecodable delayed message", "error", err)
			continue
		}
		body, _ := base64.StdEncoding.DecodeString(di.BodyB64)
		if err := r.publishStream(ctx, Message{Topic: di.Topic, Key: di.Key, Body: body, Headers: di.Headers}); err != nil {
			r.logger.Error(ctx, "publish delayed message", "topic", di.Topic, "error", err)
		}
	}
}

func (r *redisAdapter) Publish(ctx context.Context, msg Message) error {
	return r.publishStream(ctx, msg)
}

func (r *redisAdapter) PublishDelay(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return r.publishStream(ctx, msg)
	}
	di := delayItem{ID: uuid.NewString(), Topic: msg.Topic, Key: msg.Key, BodyB64: base64.StdEncoding.EncodeToString(msg.Body), Headers: msg.Headers}
	b, err := json.Marshal(di)
	if err != nil {
		return err
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	return r.rdb.ZAdd(ctx, r.delayKey, redis.Z{Score: score, Member: string(b)}).Err()
}

func (r *redisAdapter) Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (func(context.Context) error, error) {
	if group == "" {
		group = defaultWorkerGroup
	}
	// "0" so a fresh group also sees messages published before it existed.
	if err := r.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err(); err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("redis create group %s/%s: %w", topic, group, err)
	}
	final := chainMiddleware(handler, mws)
	consumer := group + "-" + uuid.NewString()

	done := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer func() { r.wg.Done(); close(done) }()
		concurrency := r.cfg.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		sem := make(chan struct{}, concurrency)
		inflight := &sync.WaitGroup{}
		defer inflight.Wait()
		for {
			if cctx.Err() != nil {
				return
			}
			res, err := r.rdb.XReadGroup(cctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{topic, ">"},
				Count:    int64(concurrency),
				Block:    r.block,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && cctx.Err() == nil {
					r.logger.Warn(cctx, "redis read group", "topic", topic, "group", group, "error", err)
					time.Sleep(r.poll)
				}
				continue
			}
			for _, str := range res {
				for _, xmsg := range str.Messages {
					sem <- struct{}{}
					inflight.Add(1)
					go func(m redis.XMessage) {
						defer func() { <-sem; inflight.Done() }()
						msg := decodeXMessage(topic, m)
						if err := final(cctx, msg); err != nil {
							r.redeliver(cctx, msg, err)
						}
						_ = r.rdb.XAck(context.Background(), topic, group, m.ID).Err()
					}(xmsg)
				}
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

// redeliver republishes a failed delivery with exponential backoff until the
// broker retry budget is spent.
func (r *redisAdapter) redeliver(ctx context.Context, msg Message, cause error) {
	attempt, _ := strconv.Atoi(msg.Headers[headerRetryCount])
	policy := ExponentialBackoff{Base: r.cfg.Retry.Base, Factor: r.cfg.Retry.Factor, MaxRetries: r.cfg.Retry.MaxRetries}
	delay, ok := policy.NextBackoff(attempt)
	if !ok {
		r.logger.Error(ctx, "delivery failed, retries exhausted", "topic", msg.Topic, "attempts", attempt, "error", cause)
		return
	}
	h := copyHeaders(msg.Headers)
	h[headerRetryCount] = strconv.Itoa(attempt + 1)
	if err := r.PublishDelay(context.Background(), Message{Topic: msg.Topic, Key: msg.Key, Body: msg.Body, Headers: h}, delay); err != nil {
		r.logger.Error(ctx, "redeliver failed", "topic", msg.Topic, "error", err)
	}
}

// Purge drops every entry of topic and reports how many group had not been
// delivered yet. Delivered entries are history, not waiting messages.
func (r *redisAdapter) Purge(ctx context.Context, topic, group string) (int, error) {
	if group == "" {
		group = defaultWorkerGroup
	}
	n, err := r.rdb.XLen(ctx, topic).Result()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	waiting, err := r.undelivered(ctx, topic, group)
	if err != nil {
		return 0, err
	}
	if err := r.rdb.XTrimMaxLen(ctx, topic, 0).Err(); err != nil {
		return 0, err
	}
	return waiting, nil
}

// undelivered counts the entries after the last one handed to group. A
// group that does not exist yet has every entry waiting.
func (r *redisAdapter) undelivered(ctx context.Context, topic, group string) (int, error) {
	start := "-"
	groups, err := r.rdb.XInfoGroups(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("redis xinfo groups %s: %w", topic, err)
	}
	for _, g := range groups {
		if g.Name == group {
			start = g.LastDeliveredID
			break
		}
	}
	if start == "0-0" {
		start = "-"
	}
	entries, err := r.rdb.XRange(ctx, topic, start, "+").Result()
	if err != nil {
		return 0, err
	}
	n := len(entries)
	if n > 0 && entries[0].ID == start {
		n--
	}
	return n, nil
}

func (r *redisAdapter) Delayed(ctx context.Context) ([]DelayedMessage, error) {
	zs, err := r.rdb.ZRangeWithScores(ctx, r.delayKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DelayedMessage, 0, len(zs))
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		var di delayItem
		if json.Unmarshal([]byte(s), &di) != nil {
			continue
		}
		body, _ := base64.StdEncoding.DecodeString(di.BodyB64)
		out = append(out, DelayedMessage{
			Message:   Message{Topic: di.Topic, Key: di.Key, Body: body, Headers: di.Headers},
			DeliverAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}

func (r *redisAdapter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.stopCh) })
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return r.rdb.Close()
}

func (r *redisAdapter) publishStream(ctx context.Context, msg Message) error {
	fields := map[string]interface{}{"key": msg.Key, "body": base64.StdEncoding.EncodeToString(msg.Body)}
	for k, v := range msg.Headers {
		fields["h:"+k] = v
	}
	args := &redis.XAddArgs{Stream: msg.Topic, Values: fields}
	if n := r.cfg.Redis.streamMaxLen(); n > 0 {
		args.MaxLen, args.Approx = n, true
	}
	return r.rdb.XAdd(ctx, args).Err()
}

func decodeXMessage(topic string, xm redis.XMessage) Message {
	var key string
	var body []byte
	headers := make(map[string]string)
	for k, v := range xm.Values {
		switch k {
		case "key":
			key, _ = v.(string)
		case "body":
			if s, ok := v.(string); ok {
				body, _ = base64.StdEncoding.DecodeString(s)
			}
		default:
			if len(k) > 2 && k[:2] == "h:" {
				if s, ok := v.(string); ok {
					headers[k[2:]] = s
				}
			}
		}
	}
	return Message{Topic: topic, Key: key, Body: body, Headers: headers}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
