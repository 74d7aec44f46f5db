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

// Package retryable decorates a World with idempotency-aware retries.
// Read operations are retried on transient failures with exponential
// backoff; writes and enqueues pass through untouched because the caller
// cannot know whether a failed write landed.
package retryable

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/world"
	rwerrors "github.com/rewindworks/rewind/pkg/errors"
)

// Defaults for the retry policy.
const (
	DefaultMaxRetries = 3
	DefaultMinBackoff = 250 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
	backoffFactor     = 2
)

// Policy tunes the read-retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// MinBackoff is the first retry delay; each retry doubles it.
	MinBackoff time.Duration

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration

	// Logger receives retry diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// rand draws backoff jitter; tests may pin it.
	Rand *rand.Rand
}

// World wraps another World, retrying idempotent reads.
type World struct {
	inner  world.World
	policy Policy
	logger *slog.Logger
}

var _ world.World = (*World)(nil)

// Wrap decorates w with the retry policy.
func Wrap(w world.World, policy Policy) *World {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	if policy.MinBackoff <= 0 {
		policy.MinBackoff = DefaultMinBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = DefaultMaxBackoff
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &World{inner: w, policy: policy, logger: log.WithComponent(logger, "retryable")}
}

// Retryable reports whether err is a transient condition worth retrying:
// storage-layer 408/429/5xx, timeouts, and network-level failures. All
// other client errors bail immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *rwerrors.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var timeoutErr *rwerrors.TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	// Anything with a behavioral classification that is not retryable
	// (not-found, validation, terminal conflict) bails.
	var classifier rwerrors.ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ETIMEDOUT,
		syscall.EPIPE, syscall.ECONNABORTED, syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return false
}

// retry runs op up to MaxRetries+1 times, backing off between attempts.
func retry[T any](ctx context.Context, w *World, op string, fn func() (T, error)) (T, error) {
	var zero T
	backoff := w.policy.MinBackoff
	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if attempt > w.policy.MaxRetries || !Retryable(err) {
			return zero, err
		}

		delay := backoff
		if w.policy.Rand != nil {
			delay += time.Duration(w.policy.Rand.Int63n(int64(backoff)))
		} else {
			delay += time.Duration(rand.Int63n(int64(backoff)))
		}
		log.Trace(w.logger, "retrying read",
			log.String("op", op),
			log.Int(log.AttemptKey, attempt),
			log.Error(err),
			log.Duration(log.DurationKey, delay.Milliseconds()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		if backoff *= backoffFactor; backoff > w.policy.MaxBackoff {
			backoff = w.policy.MaxBackoff
		}
	}
}

// Idempotent reads: retried.

func (w *World) DeploymentID(ctx context.Context) (string, error) {
	return retry(ctx, w, "deployment_id", func() (string, error) {
		return w.inner.DeploymentID(ctx)
	})
}

func (w *World) GetRun(ctx context.Context, runID string, mode world.ResolveMode) (*world.Run, error) {
	return retry(ctx, w, "runs.get", func() (*world.Run, error) {
		return w.inner.GetRun(ctx, runID, mode)
	})
}

func (w *World) ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error) {
	return retry(ctx, w, "runs.list", func() (*world.RunPage, error) {
		return w.inner.ListRuns(ctx, filter)
	})
}

func (w *World) GetStep(ctx context.Context, runID, stepID string, mode world.ResolveMode) (*world.Step, error) {
	return retry(ctx, w, "steps.get", func() (*world.Step, error) {
		return w.inner.GetStep(ctx, runID, stepID, mode)
	})
}

func (w *World) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error) {
	return retry(ctx, w, "steps.list", func() (*world.StepPage, error) {
		return w.inner.ListSteps(ctx, runID, filter)
	})
}

func (w *World) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	return retry(ctx, w, "events.list", func() (*world.EventPage, error) {
		return w.inner.ListEvents(ctx, runID, filter)
	})
}

func (w *World) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*world.Event, error) {
	return retry(ctx, w, "events.list_by_correlation_id", func() ([]*world.Event, error) {
		return w.inner.ListEventsByCorrelationID(ctx, runID, correlationID)
	})
}

func (w *World) GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error) {
	return retry(ctx, w, "hooks.get", func() (*world.Hook, error) {
		return w.inner.GetHook(ctx, runID, hookID)
	})
}

func (w *World) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	return retry(ctx, w, "hooks.get_by_token", func() (*world.Hook, error) {
		return w.inner.GetHookByToken(ctx, token)
	})
}

func (w *World) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	return retry(ctx, w, "hooks.list", func() ([]*world.Hook, error) {
		return w.inner.ListHooks(ctx, runID)
	})
}

func (w *World) ReadStream(ctx context.Context, runID, streamID string, cursor int) (*world.StreamChunk, error) {
	return retry(ctx, w, "read_from_stream", func() (*world.StreamChunk, error) {
		return w.inner.ReadStream(ctx, runID, streamID, cursor)
	})
}

func (w *World) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	return retry(ctx, w, "list_streams_by_run_id", func() ([]string, error) {
		return w.inner.ListStreamsByRunID(ctx, runID)
	})
}

// Non-idempotent operations: pass-through.

func (w *World) CreateEvent(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	return w.inner.CreateEvent(ctx, runID, ev)
}

func (w *World) CancelRun(ctx context.Context, runID string) (*world.Run, error) {
	return w.inner.CancelRun(ctx, runID)
}

func (w *World) Enqueue(ctx context.Context, msg world.QueueMessage) error {
	return w.inner.Enqueue(ctx, msg)
}

func (w *World) WriteStream(ctx context.Context, runID, streamID string, data []byte) error {
	return w.inner.WriteStream(ctx, runID, streamID, data)
}

func (w *World) CloseStream(ctx context.Context, runID, streamID string) error {
	return w.inner.CloseStream(ctx, runID, streamID)
}

func (w *World) Close() error {
	return w.inner.Close()
}
