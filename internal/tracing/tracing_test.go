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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Must not panic.
	m.RunStarted(ctx)
	m.RunCompleted(ctx, "completed")
	m.EventAppended(ctx, "run_created", time.Millisecond)
	m.StepExecuted(ctx, "completed", time.Millisecond)
	m.QueueMessage(ctx, "workflow.order", time.Now())
	m.OrchestrateTick(ctx, time.Millisecond)
}

func TestNewMetricsRegistersInstruments(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RunStarted(ctx)
	m.RunCompleted(ctx, "failed")
	m.EventAppended(ctx, "step_completed", 3*time.Millisecond)
	m.StepExecuted(ctx, "retrying", 7*time.Millisecond)
	m.QueueMessage(ctx, "step.charge", time.Now().Add(-time.Second))
	m.OrchestrateTick(ctx, 2*time.Millisecond)
}

func TestInjectExtractRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	defer otel.SetTextMapPropagator(prev)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "tick")
	defer span.End()

	carrier := InjectMap(ctx)
	require.NotEmpty(t, carrier)
	assert.Contains(t, carrier, "traceparent")

	restored := ExtractMap(context.Background(), carrier)
	got := trace.SpanContextFromContext(restored)
	want := span.SpanContext()
	assert.Equal(t, want.TraceID(), got.TraceID())
	assert.Equal(t, want.SpanID(), got.SpanID())
}

func TestInjectMapEmptyWithoutSpan(t *testing.T) {
	assert.Nil(t, InjectMap(context.Background()))
}

func TestExtractMapNilIsIdentity(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractMap(ctx, nil))
}

func TestNewSpanExporterUnknown(t *testing.T) {
	_, err := newSpanExporter(context.Background(), Options{TraceExporter: "jaeger"})
	assert.Error(t, err)
}
