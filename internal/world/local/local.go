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

// Package local is the SQLite-backed storage adapter: a single-file durable
// world for one-box deployments. The schema is migrated on open, writes go
// through WAL, and payload columns are optionally encrypted at rest with a
// key derived from a configured passphrase.
package local

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewindworks/rewind/internal/store"
)

// Config configures the SQLite adapter.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string

	// EncryptionKey, when set, encrypts payload columns at rest. The
	// column key is derived with argon2id from this passphrase and a
	// per-database salt.
	EncryptionKey string

	// MaxOpenConns bounds the connection pool. Defaults to 5; WAL mode
	// serves concurrent readers alongside the single writer.
	MaxOpenConns int
}

// Adapter is the SQLite implementation of store.Adapter.
type Adapter struct {
	db  *sql.DB
	enc *cipher
}

var _ store.Adapter = (*Adapter)(nil)

// Open opens (or creates) the database at cfg.Path and migrates the schema.
func Open(cfg Config) (*Adapter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("local: database path is required")
	}

	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		dsn = "file:" + cfg.Path +
			"?_pragma=journal_mode(WAL)" +
			"&_pragma=busy_timeout(5000)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("local: open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// A pooled second connection would see a different empty database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("local: connect: %w", err)
	}

	a := &Adapter{db: db}
	if err := a.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("local: migrate: %w", err)
	}

	if cfg.EncryptionKey != "" {
		salt, err := a.loadOrCreateSalt(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.enc = newCipher(cfg.EncryptionKey, salt)
	}

	return a, nil
}

func (a *Adapter) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			deployment_id TEXT,
			workflow_name TEXT NOT NULL,
			spec_version TEXT NOT NULL,
			input TEXT,
			execution_context TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			expired_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			retry_after TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,

		`CREATE TABLE IF NOT EXISTS hooks (
			run_id TEXT NOT NULL,
			hook_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			metadata TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, hook_id)
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			correlation_id TEXT,
			event_type TEXT NOT NULL,
			event_data TEXT,
			created_at TEXT NOT NULL,
			spec_version TEXT NOT NULL,
			PRIMARY KEY (run_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(run_id, correlation_id)`,

		`CREATE TABLE IF NOT EXISTS stream_chunks (
			run_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			data BLOB,
			closed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, stream_id, cursor)
		)`,

		`CREATE TABLE IF NOT EXISTS queue_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			run_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			available_at TEXT NOT NULL,
			leased_until TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue_messages(available_at) WHERE leased_until IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_queue_run ON queue_messages(run_id)`,
	}
	for _, m := range migrations {
		if _, err := a.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// loadOrCreateSalt returns the key-derivation salt, minting one on first
// encrypted open.
func (a *Adapter) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	var encoded string
	err := a.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'encryption_salt'`).Scan(&encoded)
	switch {
	case err == sql.ErrNoRows:
		salt, err := newSalt()
		if err != nil {
			return nil, err
		}
		_, err = a.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('encryption_salt', ?)`,
			base64.StdEncoding.EncodeToString(salt))
		if err != nil {
			return nil, fmt.Errorf("local: store salt: %w", err)
		}
		return salt, nil
	case err != nil:
		return nil, fmt.Errorf("local: load salt: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("local: decode salt: %w", err)
	}
	return salt, nil
}

// Tx runs fn inside one SQLite transaction.
func (a *Adapter) Tx(ctx context.Context, fn func(store.Rows) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&rows{q: tx, enc: a.enc}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Streams returns the stream store sharing this adapter's database.
func (a *Adapter) Streams() *Streams {
	return &Streams{db: a.db, enc: a.enc}
}

// DB exposes the pool for components sharing the database, like the queue.
func (a *Adapter) DB() *sql.DB {
	return a.db
}
