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

package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the engine instrument set. A nil *Metrics is a valid no-op
// receiver so callers never need to guard.
type Metrics struct {
	runsStarted    metric.Int64Counter
	runsCompleted  metric.Int64Counter
	eventsAppended metric.Int64Counter
	stepsExecuted  metric.Int64Counter
	queueMessages  metric.Int64Counter

	queueOverhead   metric.Float64Histogram
	stepDuration    metric.Float64Histogram
	orchestrateTick metric.Float64Histogram
	eventAppend     metric.Float64Histogram
}

// NewMetrics registers the engine instruments on the "rewind" meter.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("rewind")

	m := &Metrics{}
	var err error

	m.runsStarted, err = meter.Int64Counter(
		"runs_started_total",
		metric.WithDescription("Workflow runs picked up by the orchestrator"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.runsCompleted, err = meter.Int64Counter(
		"runs_completed_total",
		metric.WithDescription("Workflow runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.eventsAppended, err = meter.Int64Counter(
		"events_appended_total",
		metric.WithDescription("Events appended to the store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepsExecuted, err = meter.Int64Counter(
		"steps_executed_total",
		metric.WithDescription("Step deliveries by outcome"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.queueMessages, err = meter.Int64Counter(
		"queue_messages_total",
		metric.WithDescription("Queue messages handled"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.queueOverhead, err = meter.Float64Histogram(
		"queue_overhead_ms",
		metric.WithDescription("Time between enqueue and delivery"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.stepDuration, err = meter.Float64Histogram(
		"step_duration_ms",
		metric.WithDescription("Step function execution time"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.orchestrateTick, err = meter.Float64Histogram(
		"orchestrate_tick_ms",
		metric.WithDescription("Orchestrator tick time, replay included"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.eventAppend, err = meter.Float64Histogram(
		"event_append_ms",
		metric.WithDescription("Event append round trip to the world"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted counts an orchestrator pickup of a pending run.
func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1)
}

// RunCompleted counts a run reaching terminal status.
func (m *Metrics) RunCompleted(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// EventAppended counts one stored event and records the append round trip.
func (m *Metrics) EventAppended(ctx context.Context, eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.eventsAppended.Add(ctx, 1, attrs)
	m.eventAppend.Record(ctx, float64(elapsed)/float64(time.Millisecond))
}

// StepExecuted counts one step delivery by outcome and records its duration.
func (m *Metrics) StepExecuted(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.stepDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond))
}

// QueueMessage counts one handled delivery and, when requestedAt is known,
// records how long the message sat on the queue.
func (m *Metrics) QueueMessage(ctx context.Context, topic string, requestedAt time.Time) {
	if m == nil {
		return
	}
	m.queueMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", topic)))
	if !requestedAt.IsZero() {
		overhead := time.Since(requestedAt)
		if overhead > 0 {
			m.queueOverhead.Record(ctx, float64(overhead)/float64(time.Millisecond))
		}
	}
}

// OrchestrateTick records one orchestrator tick duration.
func (m *Metrics) OrchestrateTick(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.orchestrateTick.Record(ctx, float64(elapsed)/float64(time.Millisecond))
}
