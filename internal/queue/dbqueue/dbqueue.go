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

// Package dbqueue is the SQL-backed queue: messages live in the
// queue_messages table of the world database, so a one-box deployment needs
// no extra broker and enqueues survive restarts. Works against both the
// SQLite and PostgreSQL worlds.
package dbqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/world"
)

// Dialect selects the SQL flavor of the shared database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Options configures a Broker.
type Options struct {
	// DB is the world database. The queue_messages table must exist; the
	// local and postgres adapters create it during migration.
	DB *sql.DB

	// Dialect names the SQL flavor. Required.
	Dialect Dialect

	// Workers is the number of concurrent handler slots. Default 4.
	Workers int

	// Lease is how long a claimed message stays invisible before an
	// abandoned delivery becomes reclaimable. Default 60s.
	Lease time.Duration

	// PollInterval paces idle workers. Default 250ms.
	PollInterval time.Duration

	// RetryBase is the redelivery backoff base after a handler error.
	// Backoff doubles per attempt up to RetryMax. Default 1s.
	RetryBase time.Duration

	// RetryMax caps the redelivery backoff. Default 30s.
	RetryMax time.Duration

	// Logger receives broker diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Broker is the SQL-backed queue backend. Per-run serialization comes from
// the claim query: a message is claimable only when no message of the same
// run holds a live lease.
type Broker struct {
	db      *sql.DB
	dialect Dialect

	workers   int
	lease     time.Duration
	poll      time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ queue.Broker = (*Broker)(nil)

// New creates a broker over an open world database.
func New(opts Options) (*Broker, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dbqueue: database is required")
	}
	switch opts.Dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("dbqueue: unknown dialect %q", opts.Dialect)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
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
	return &Broker{
		db:        opts.DB,
		dialect:   opts.Dialect,
		workers:   opts.Workers,
		lease:     opts.Lease,
		poll:      opts.PollInterval,
		retryBase: opts.RetryBase,
		retryMax:  opts.RetryMax,
		logger:    log.WithComponent(logger, "dbqueue"),
	}, nil
}

// timeLayout matches the local world's fixed-width timestamp encoding so
// lexicographic comparison in SQLite works.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// encTime encodes a timestamp for the dialect: text for SQLite, native for
// PostgreSQL.
func (b *Broker) encTime(t time.Time) any {
	if b.dialect == DialectSQLite {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (b *Broker) rebind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Enqueue inserts a message, honoring its Delay.
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
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dbqueue: marshal message: %w", err)
	}
	now := time.Now()
	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO queue_messages
		(queue, run_id, payload, available_at, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`),
		msg.Queue, msg.RunID, string(payload), b.encTime(now.Add(msg.Delay)), b.encTime(now))
	if err != nil {
		return fmt.Errorf("dbqueue: enqueue: %w", err)
	}
	return nil
}

type claimed struct {
	id      int64
	runID   string
	payload string
	attempt int
}

// claim leases the earliest due message whose run has no live lease. Runs in
// one transaction so two workers cannot claim the same row or the same run.
func (b *Broker) claim(ctx context.Context) (*claimed, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	query := `SELECT id, run_id, payload, attempts FROM queue_messages m
		WHERE m.available_at <= ?
		AND (m.leased_until IS NULL OR m.leased_until <= ?)
		AND NOT EXISTS (
			SELECT 1 FROM queue_messages l
			WHERE l.run_id = m.run_id AND l.leased_until > ?
		)
		ORDER BY m.available_at, m.id
		LIMIT 1`
	if b.dialect == DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var c claimed
	nowArg := b.encTime(now)
	err = tx.QueryRowContext(ctx, b.rebind(query), nowArg, nowArg, nowArg).
		Scan(&c.id, &c.runID, &c.payload, &c.attempt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.attempt++
	if _, err := tx.ExecContext(ctx, b.rebind(
		`UPDATE queue_messages SET leased_until = ?, attempts = ? WHERE id = ?`),
		b.encTime(now.Add(b.lease)), c.attempt, c.id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ack removes a delivered message.
func (b *Broker) ack(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM queue_messages WHERE id = ?`), id)
	return err
}

// park releases the lease and defers redelivery.
func (b *Broker) park(ctx context.Context, id int64, in time.Duration) error {
	_, err := b.db.ExecContext(ctx, b.rebind(
		`UPDATE queue_messages SET leased_until = NULL, available_at = ? WHERE id = ?`),
		b.encTime(time.Now().Add(in)), id)
	return err
}

// Consume runs the worker pool until ctx is done or the broker closes.
func (b *Broker) Consume(ctx context.Context, h queue.Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(ctx, h)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Broker) work(ctx context.Context, h queue.Handler) {
	for {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		c, err := b.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("claim failed", "error", err.Error())
		}
		if c == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.poll):
			}
			continue
		}

		var msg world.QueueMessage
		if err := json.Unmarshal([]byte(c.payload), &msg); err != nil {
			b.logger.Error("dropping undecodable message",
				"id", c.id, log.RunIDKey, c.runID, "error", err.Error())
			if err := b.ack(ctx, c.id); err != nil {
				b.logger.Warn("ack failed", "id", c.id, "error", err.Error())
			}
			continue
		}

		res, err := h(ctx, queue.Delivery{Message: msg, Attempt: c.attempt})
		switch {
		case err != nil:
			backoff := b.retryBase << (c.attempt - 1)
			if backoff > b.retryMax || backoff <= 0 {
				backoff = b.retryMax
			}
			b.logger.Warn("delivery failed, redelivering",
				log.QueueKey, msg.Queue,
				log.RunIDKey, msg.RunID,
				log.AttemptKey, c.attempt,
				"backoff_ms", backoff.Milliseconds(),
				"error", err.Error())
			if err := b.park(ctx, c.id, backoff); err != nil {
				b.logger.Warn("park failed", "id", c.id, "error", err.Error())
			}
		case res.Defer > 0:
			if err := b.park(ctx, c.id, res.Defer); err != nil {
				b.logger.Warn("park failed", "id", c.id, "error", err.Error())
			}
		default:
			if err := b.ack(ctx, c.id); err != nil {
				b.logger.Warn("ack failed", "id", c.id, "error", err.Error())
			}
		}
	}
}

// Depth reports queued plus parked messages.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages`).Scan(&n)
	return n, err
}

// Close stops intake. The shared database stays open; the world owns it.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
