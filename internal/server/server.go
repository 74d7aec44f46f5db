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

// Package server exposes the engine over HTTP: the queue delivery
// endpoints any backend can POST to, the webhook ingest endpoint, and the
// admin run API.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/rewindworks/rewind/internal/dispatch"
	"github.com/rewindworks/rewind/internal/hooks"
	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
)

// Endpoint paths.
const (
	FlowPath    = "/.well-known/workflow/v1/flow"
	StepPath    = "/.well-known/workflow/v1/step"
	WebhookPath = "/.well-known/workflow/v1/webhook/"
)

// Health marker: deliveries carrying it are probes and must cause no side
// effects.
const (
	HealthQueryFlag   = "__health"
	HealthHeader      = "X-Workflow-Health"
	DeliveryAttemptHeader = "X-Workflow-Attempt"
)

var (
	errMissingAuth   = errors.New("missing bearer token")
	errBadAuthFormat = errors.New("malformed Authorization header, expected 'Bearer <token>'")
)

// Options configures a Server.
type Options struct {
	// Broker reports queue depth for the health endpoint. Optional.
	Broker queue.Broker

	// Version is reported by GET /v1/version.
	Version string

	// JWTSecret protects the admin API when set.
	JWTSecret string

	// RateLimit is the per-client budget on public endpoints, requests
	// per second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst size.
	RateBurst int

	// MaxBody caps request bodies in bytes. Defaults to 1 MiB.
	MaxBody int64

	// Logger receives request logs. Defaults to slog.Default.
	Logger *slog.Logger

	// MetricsHandler, when set, is mounted at GET /metrics.
	MetricsHandler http.Handler
}

// Server is the engine's HTTP surface.
type Server struct {
	w          world.World
	dispatcher *dispatch.Dispatcher
	hooks      *hooks.Manager
	broker     queue.Broker
	version    string
	jwtSecret  string
	rateLimit  float64
	rateBurst  int
	maxBody    int64
	logger     *slog.Logger
	metricsH   http.Handler
}

// New assembles the server over its collaborators.
func New(w world.World, dispatcher *dispatch.Dispatcher, hookManager *hooks.Manager, opts Options) *Server {
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		w:          w,
		dispatcher: dispatcher,
		hooks:      hookManager,
		broker:     opts.Broker,
		version:    opts.Version,
		jwtSecret:  opts.JWTSecret,
		rateLimit:  opts.RateLimit,
		rateBurst:  opts.RateBurst,
		maxBody:    maxBody,
		logger:     log.WithComponent(logger, "server"),
		metricsH:   opts.MetricsHandler,
	}
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	public := []Middleware{
		tracing.HTTPMiddleware,
		WithCorrelation(),
		WithRequestLog(s.logger),
		WithRateLimit(s.rateLimit, s.rateBurst),
	}
	admin := append(public, WithJWTAuth(s.jwtSecret))

	mux := http.NewServeMux()

	// Queue delivery endpoints. These are called by queue backends, not
	// end users; they share the public chain so probes are logged too.
	mux.Handle("POST "+FlowPath, Chain(http.HandlerFunc(s.handleDelivery), public...))
	mux.Handle("POST "+StepPath, Chain(http.HandlerFunc(s.handleDelivery), public...))

	// Webhook ingest.
	mux.Handle("POST "+WebhookPath+"{token}", Chain(http.HandlerFunc(s.handleWebhook), public...))

	// Admin run API.
	mux.Handle("POST /v1/runs", Chain(http.HandlerFunc(s.handleStartRun), admin...))
	mux.Handle("GET /v1/runs", Chain(http.HandlerFunc(s.handleListRuns), admin...))
	mux.Handle("GET /v1/runs/{id}", Chain(http.HandlerFunc(s.handleGetRun), admin...))
	mux.Handle("POST /v1/runs/{id}/cancel", Chain(http.HandlerFunc(s.handleCancelRun), admin...))
	mux.Handle("GET /v1/runs/{id}/events", Chain(http.HandlerFunc(s.handleListEvents), admin...))
	mux.Handle("GET /v1/runs/{id}/steps", Chain(http.HandlerFunc(s.handleListSteps), admin...))
	mux.Handle("GET /v1/runs/{id}/hooks", Chain(http.HandlerFunc(s.handleListHooks), admin...))

	mux.Handle("GET /v1/health", Chain(http.HandlerFunc(s.handleHealth), public...))
	mux.Handle("GET /v1/version", Chain(http.HandlerFunc(s.handleVersion), public...))

	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}

	return mux
}
