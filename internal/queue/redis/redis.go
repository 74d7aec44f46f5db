// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis is the Redis queue backend: a stream with a consumer group
// carries due messages, a sorted set holds delayed ones until a promoter
// moves them over, and per-run serialization comes from a short-lived run
// lock. Suitable for multi-node deployments that already run Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/world"
)

// Options configures a Broker.
type Options struct {
	// URL is the Redis connection string, e.g. "redis://localhost:6379/0".
	// Ignored when Client is set.
	URL string

	// Client overrides URL with a preconfigured client. The broker does not
	// close it.
	Client *goredis.Client

	// KeyPrefix namespaces the broker's keys. Default "rewind".
	KeyPrefix string

	// Group is the consumer group name. Default "rewind".
	Group string

	// Workers is the number of concurrent handler slots. Default 4.
	Workers int

	// LockTTL bounds how long a run lock outlives a crashed handler.
	// Default 60s.
	LockTTL time.Duration

	// RetryBase is the redelivery backoff base after a handler error.
	// Backoff doubles per attempt up to RetryMax. Default 1s.
	RetryBase time.Duration

	// RetryMax caps the redelivery backoff. Default 30s.
	RetryMax time.Duration

	// Logger receives broker diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// promoteInterval paces the delayed-set promoter.
const promoteInterval = 100 * time.Millisecond

// lockRetryDelay re-parks a message whose run lock is held elsewhere.
const lockRetryDelay = 200 * time.Millisecond

// envelope wraps a queue message on the wire with its delivery bookkeeping.
type envelope struct {
	Attempt int                `json:"attempt"`
	Message world.QueueMessage `json:"message"`
}

// Broker is the Redis queue backend.
type Broker struct {
	rdb      *goredis.Client
	ownsRdb  bool
	stream   string
	delayed  string
	lockPfx  string
	group    string
	consumer string

	workers   int
	lockTTL   time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ queue.Broker = (*Broker)(nil)

// unlockScript releases a run lock only when this consumer still holds it.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// New connects and ensures the consumer group exists.
func New(ctx context.Context, opts Options) (*Broker, error) {
	rdb := opts.Client
	ownsRdb := false
	if rdb == nil {
		if opts.URL == "" {
			return nil, fmt.Errorf("redis: connection URL is required")
		}
		redisOpts, err := goredis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse URL: %w", err)
		}
		rdb = goredis.NewClient(redisOpts)
		ownsRdb = true
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "rewind"
	}
	group := opts.Group
	if group == "" {
		group = "rewind"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	host, _ := os.Hostname()
	b := &Broker{
		rdb:       rdb,
		ownsRdb:   ownsRdb,
		stream:    prefix + ":stream",
		delayed:   prefix + ":delayed",
		lockPfx:   prefix + ":lock:",
		group:     group,
		consumer:  fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		workers:   opts.Workers,
		lockTTL:   opts.LockTTL,
		retryBase: opts.RetryBase,
		retryMax:  opts.RetryMax,
		logger:    log.WithComponent(logger, "redisqueue"),
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		if ownsRdb {
			rdb.Close()
		}
		return nil, fmt.Errorf("redis: connect: %w", err)
	}
	err := rdb.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		if ownsRdb {
			rdb.Close()
		}
		return nil, fmt.Errorf("redis: create consumer group: %w", err)
	}
	return b, nil
}

// Enqueue submits a message: due messages go straight onto the stream,
// delayed ones park in the sorted set until promotion.
func (b *Broker) Enqueue(ctx context.Context, msg world.QueueMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return queue.ErrQueueClosed
	}

	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}
	return b.submit(ctx, envelope{Attempt: 0, Message: msg}, msg.Delay)
}

func (b *Broker) submit(ctx context.Context, env envelope, delay time.Duration) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}
	if delay > 0 {
		// Sorted-set members must be unique; prefix with a nonce so the
		// same logical message can park twice.
		member := uuid.NewString() + "|" + string(payload)
		return b.rdb.ZAdd(ctx, b.delayed, goredis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: member,
		}).Err()
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

// promote moves due members from the delayed set onto the stream. ZRem
// before XAdd so two daemons promote each member at most once.
func (b *Broker) promote(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := b.rdb.ZRangeByScore(ctx, b.delayed, &goredis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, member := range members {
		removed, err := b.rdb.ZRem(ctx, b.delayed, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		payload := member
		if i := strings.Index(member, "|"); i >= 0 {
			payload = member[i+1:]
		}
		if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: b.stream,
			Values: map[string]any{"payload": payload},
		}).Err(); err != nil {
			b.logger.Warn("promote failed", "error", err.Error())
		}
	}
}

// Consume runs the promoter plus the worker pool until ctx is done or the
// broker closes.
func (b *Broker) Consume(ctx context.Context, h queue.Handler) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(promoteInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if b.isClosed() {
					return
				}
				b.promote(ctx)
			}
		}
	}()

	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.work(ctx, h, fmt.Sprintf("%s-%d", b.consumer, n))
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) work(ctx context.Context, h queue.Handler, consumer string) {
	for {
		if b.isClosed() || ctx.Err() != nil {
			return
		}

		streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("read failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				b.handle(ctx, h, xmsg)
			}
		}
	}
}

func (b *Broker) handle(ctx context.Context, h queue.Handler, xmsg goredis.XMessage) {
	ack := func() {
		if err := b.rdb.XAck(ctx, b.stream, b.group, xmsg.ID).Err(); err != nil {
			b.logger.Warn("ack failed", "id", xmsg.ID, "error", err.Error())
		}
		b.rdb.XDel(ctx, b.stream, xmsg.ID)
	}

	raw, _ := xmsg.Values["payload"].(string)
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Error("dropping undecodable message", "id", xmsg.ID, "error", err.Error())
		ack()
		return
	}
	msg := env.Message

	// Per-run serialization: hold the run lock for the delivery. A held
	// lock means another delivery for this run is in flight somewhere, so
	// park and retry shortly.
	lockKey := b.lockPfx + msg.RunID
	token := uuid.NewString()
	locked, err := b.rdb.SetNX(ctx, lockKey, token, b.lockTTL).Result()
	if err != nil {
		b.logger.Warn("lock failed", log.RunIDKey, msg.RunID, "error", err.Error())
		return
	}
	if !locked {
		ack()
		if err := b.submit(ctx, env, lockRetryDelay); err != nil {
			b.logger.Warn("repark failed", log.RunIDKey, msg.RunID, "error", err.Error())
		}
		return
	}
	defer func() {
		if err := unlockScript.Run(ctx, b.rdb, []string{lockKey}, token).Err(); err != nil && err != goredis.Nil {
			b.logger.Warn("unlock failed", log.RunIDKey, msg.RunID, "error", err.Error())
		}
	}()

	env.Attempt++
	res, err := h(ctx, queue.Delivery{Message: msg, Attempt: env.Attempt})
	switch {
	case err != nil:
		backoff := b.retryBase << (env.Attempt - 1)
		if backoff > b.retryMax || backoff <= 0 {
			backoff = b.retryMax
		}
		b.logger.Warn("delivery failed, redelivering",
			log.QueueKey, msg.Queue,
			log.RunIDKey, msg.RunID,
			log.AttemptKey, env.Attempt,
			"backoff_ms", backoff.Milliseconds(),
			"error", err.Error())
		ack()
		if err := b.submit(ctx, env, backoff); err != nil {
			b.logger.Warn("repark failed", log.RunIDKey, msg.RunID, "error", err.Error())
		}
	case res.Defer > 0:
		ack()
		if err := b.submit(ctx, env, res.Defer); err != nil {
			b.logger.Warn("repark failed", log.RunIDKey, msg.RunID, "error", err.Error())
		}
	default:
		ack()
	}
}

// Depth reports stream backlog plus parked messages.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	streamLen, err := b.rdb.XLen(ctx, b.stream).Result()
	if err != nil {
		return 0, err
	}
	delayedLen, err := b.rdb.ZCard(ctx, b.delayed).Result()
	if err != nil {
		return 0, err
	}
	return int(streamLen + delayedLen), nil
}

// Close stops intake and closes the client when the broker owns it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.ownsRdb {
		return b.rdb.Close()
	}
	return nil
}
