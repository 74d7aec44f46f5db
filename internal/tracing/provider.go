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

// Package tracing wires the engine into OpenTelemetry: a meter with the
// engine's counters and histograms, a Prometheus exporter for /metrics,
// optional span export, and W3C trace-context propagation through queue
// messages.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Trace exporter selectors.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// Options configures a Provider.
type Options struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// TraceExporter selects span export: "none", "stdout", "otlp"
	// (gRPC), or "otlp-http".
	TraceExporter string

	// OTLPEndpoint is the collector address for the otlp exporters.
	OTLPEndpoint string

	// OTLPInsecure disables TLS on the collector connection.
	OTLPInsecure bool
}

// Provider owns the OpenTelemetry SDK pieces for one process.
type Provider struct {
	tp      *sdktrace.TracerProvider
	mp      *metric.MeterProvider
	metrics *Metrics
}

// New sets up tracing and metrics and installs the global tracer provider
// and W3C propagator.
func New(ctx context.Context, opts Options) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL avoids merge conflicts with the default resource
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter, err := newSpanExporter(ctx, opts)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	metrics, err := NewMetrics(mp)
	if err != nil {
		return nil, err
	}

	return &Provider{tp: tp, mp: mp, metrics: metrics}, nil
}

func newSpanExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.TraceExporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(opts.OTLPEndpoint),
		}
		if opts.OTLPInsecure {
			grpcOpts = append(grpcOpts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLPHTTP:
		httpOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(opts.OTLPEndpoint),
		}
		if opts.OTLPInsecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp http exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", opts.TraceExporter)
	}
}

// Tracer returns a tracer scoped to name.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Metrics returns the engine instrument set.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes spans and metrics and releases SDK resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.tp.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.mp.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
