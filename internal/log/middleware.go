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

package log

import (
	"log/slog"
	"time"
)

// Delivery describes one queue delivery for logging purposes.
type Delivery struct {
	// Queue is the queue the message was consumed from.
	Queue string

	// RunID is the run the message belongs to.
	RunID string

	// StepID is set for step queue messages.
	StepID string

	// Attempt is the delivery attempt counter (1-based).
	Attempt int

	// RequestedAt is when the message was enqueued; used for
	// queue-overhead reporting.
	RequestedAt time.Time
}

// Outcome describes how a delivery handler finished.
type Outcome struct {
	// Deferred is set when the handler asked for redelivery after a delay.
	Deferred bool

	// DeferFor is the requested redelivery delay.
	DeferFor time.Duration

	// Error is the handler error, if any.
	Error error

	// DurationMs is the handler execution time in milliseconds.
	DurationMs int64
}

// LogDelivery logs an incoming queue delivery.
func LogDelivery(logger *slog.Logger, d *Delivery) {
	attrs := []any{
		QueueKey, d.Queue,
		RunIDKey, d.RunID,
		AttemptKey, d.Attempt,
	}

	if d.StepID != "" {
		attrs = append(attrs, StepIDKey, d.StepID)
	}

	if !d.RequestedAt.IsZero() {
		attrs = append(attrs, "queue_overhead_ms", time.Since(d.RequestedAt).Milliseconds())
	}

	logger.Debug("delivery received", attrs...)
}

// LogOutcome logs the result of a queue delivery.
func LogOutcome(logger *slog.Logger, d *Delivery, o *Outcome) {
	attrs := []any{
		QueueKey, d.Queue,
		RunIDKey, d.RunID,
		AttemptKey, d.Attempt,
		DurationKey, o.DurationMs,
	}

	if d.StepID != "" {
		attrs = append(attrs, StepIDKey, d.StepID)
	}

	switch {
	case o.Error != nil:
		attrs = append(attrs, "error", o.Error.Error())
		logger.Error("delivery failed", attrs...)
	case o.Deferred:
		attrs = append(attrs, "defer_ms", o.DeferFor.Milliseconds())
		logger.Debug("delivery deferred", attrs...)
	default:
		logger.Debug("delivery completed", attrs...)
	}
}

// DeliveryMiddleware wraps a queue delivery handler with logging.
// It logs the delivery when it arrives and the outcome when it completes.
type DeliveryMiddleware struct {
	logger *slog.Logger
}

// NewDeliveryMiddleware creates a new delivery logging middleware.
func NewDeliveryMiddleware(logger *slog.Logger) *DeliveryMiddleware {
	return &DeliveryMiddleware{
		logger: logger,
	}
}

// Handle wraps a function that processes one delivery. The handler's
// returned delay (zero when none) and error are logged and passed through.
func (m *DeliveryMiddleware) Handle(d *Delivery, handler func() (time.Duration, error)) (time.Duration, error) {
	start := time.Now()

	LogDelivery(m.logger, d)

	delay, err := handler()

	o := &Outcome{
		Deferred:   delay > 0,
		DeferFor:   delay,
		Error:      err,
		DurationMs: time.Since(start).Milliseconds(),
	}

	LogOutcome(m.logger, d, o)

	return delay, err
}
