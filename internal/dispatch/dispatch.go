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

// Package dispatch routes queue deliveries to the orchestrator and step
// executor by topic family, and logs every delivery and outcome. The same
// Dispatcher serves broker consumers and the HTTP delivery endpoints, so
// any queue backend that can POST a message reaches identical semantics.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
)

// TickHandler processes one delivery for a topic family.
type TickHandler func(ctx context.Context, msg world.QueueMessage) (queue.Result, error)

// Dispatcher routes deliveries by topic prefix.
type Dispatcher struct {
	workflow TickHandler
	step     TickHandler
	logger   *slog.Logger
	metrics  *tracing.Metrics
	now      func() time.Time
}

// Options configures a Dispatcher.
type Options struct {
	// Now supplies wall-clock time for handler latency. Defaults to
	// time.Now.
	Now func() time.Time

	// Logger receives delivery logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics records delivery telemetry. Optional.
	Metrics *tracing.Metrics
}

// New creates a dispatcher over the two tick handlers.
func New(workflowHandler, stepHandler TickHandler, opts Options) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		workflow: workflowHandler,
		step:     stepHandler,
		logger:   log.WithComponent(logger, "dispatch"),
		metrics:  opts.Metrics,
		now:      now,
	}
}

// Handle implements queue.Handler: route the delivery, time it, log the
// outcome.
func (d *Dispatcher) Handle(ctx context.Context, delivery queue.Delivery) (queue.Result, error) {
	msg := delivery.Message
	ctx = tracing.ExtractMap(ctx, msg.TraceContext)

	var handler TickHandler
	isWorkflow := false
	switch {
	case strings.HasPrefix(msg.Queue, queue.WorkflowTopicPrefix):
		handler = d.workflow
		isWorkflow = true
	case strings.HasPrefix(msg.Queue, queue.StepTopicPrefix):
		handler = d.step
	default:
		// Unroutable messages are acknowledged: redelivery cannot fix them.
		d.logger.ErrorContext(ctx, "dropping message for unknown topic",
			log.String(log.QueueKey, msg.Queue),
			log.String(log.RunIDKey, msg.RunID))
		return queue.Result{}, nil
	}

	entry := &log.Delivery{
		Queue:       msg.Queue,
		RunID:       msg.RunID,
		StepID:      msg.StepID,
		Attempt:     delivery.Attempt,
		RequestedAt: msg.RequestedAt,
	}
	log.LogDelivery(d.logger, entry)
	d.metrics.QueueMessage(ctx, msg.Queue, msg.RequestedAt)

	start := d.now()
	result, err := handler(ctx, msg)
	elapsed := d.now().Sub(start)
	if isWorkflow {
		d.metrics.OrchestrateTick(ctx, elapsed)
	}
	log.LogOutcome(d.logger, entry, &log.Outcome{
		Deferred:   result.Defer > 0,
		DeferFor:   result.Defer,
		Error:      err,
		DurationMs: elapsed.Milliseconds(),
	})
	if err != nil {
		return queue.Result{}, fmt.Errorf("dispatch %s: %w", msg.Queue, err)
	}
	return result, nil
}

// Serve consumes from the broker until ctx is done, routing every delivery
// through Handle.
func (d *Dispatcher) Serve(ctx context.Context, broker queue.Broker) error {
	return broker.Consume(ctx, d.Handle)
}
