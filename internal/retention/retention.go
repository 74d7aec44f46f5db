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

// Package retention expires old terminal runs: payload data is dropped in
// batches, keys and statuses stay queryable forever.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/rewindworks/rewind/internal/log"
)

// Expirer drops payload data from terminal runs completed before a
// deadline, returning how many runs were expired.
type Expirer interface {
	ExpireRuns(ctx context.Context, before time.Time, limit int) (int, error)
}

// Options configures a Sweeper.
type Options struct {
	// TTL is how long terminal runs keep their payload data. Zero
	// disables the sweeper.
	TTL time.Duration

	// Interval is the sweep cadence. Defaults to 10 minutes.
	Interval time.Duration

	// BatchSize bounds runs expired per sweep pass. Defaults to 100.
	BatchSize int

	// Now supplies wall-clock time. Defaults to time.Now.
	Now func() time.Time

	// Logger receives sweep diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Sweeper periodically expires runs past their retention TTL.
type Sweeper struct {
	expirer   Expirer
	ttl       time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a sweeper. A zero TTL yields a sweeper whose Run returns
// immediately.
func New(expirer Expirer, opts Options) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		expirer:   expirer,
		ttl:       opts.TTL,
		interval:  interval,
		batchSize: batchSize,
		now:       now,
		logger:    log.WithComponent(logger, "retention"),
	}
}

// Run sweeps on the configured cadence until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep drains expired runs in batches until a pass comes back short.
func (s *Sweeper) sweep(ctx context.Context) {
	deadline := s.now().Add(-s.ttl).UTC()
	total := 0
	for {
		n, err := s.expirer.ExpireRuns(ctx, deadline, s.batchSize)
		if err != nil {
			s.logger.Warn("sweep failed", log.Error(err))
			return
		}
		total += n
		if n < s.batchSize {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired runs", log.Int("count", total))
	}
}
