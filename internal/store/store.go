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

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/rewindworks/rewind/internal/ident"
	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
)

// DefaultMaxEventData caps event payloads at 1 MiB unless configured
// otherwise.
const DefaultMaxEventData = 1 << 20

// DefaultListLimit is the page size used when a filter does not set one.
const DefaultListLimit = 50

// MaxListLimit bounds the page size a caller may request.
const MaxListLimit = 500

// Options configures a World.
type Options struct {
	// DeploymentID identifies the deployment this world serves.
	DeploymentID string

	// Clock drives entity timestamps. Defaults to the system clock.
	Clock ident.Clock

	// IDs issues entity and event identifiers. Defaults to a fresh
	// generator on Clock.
	IDs *ident.Generator

	// MaxEventData caps event payload size in bytes.
	// Defaults to DefaultMaxEventData.
	MaxEventData int

	// Logger receives store diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics records append telemetry. Optional.
	Metrics *tracing.Metrics
}

// World is the in-process implementation of the world.World facade: the
// event pipeline layered over a storage Adapter, with streams and the queue
// delegated to backend implementations.
type World struct {
	adapter      Adapter
	streams      world.StreamStore
	queue        world.Queuer
	deploymentID string
	clock        ident.Clock
	ids          *ident.Generator
	maxEventData int
	logger       *slog.Logger
	metrics      *tracing.Metrics
}

var _ world.World = (*World)(nil)

// New creates a World over the given adapter, stream store, and queue.
func New(adapter Adapter, streams world.StreamStore, queue world.Queuer, opts Options) *World {
	clock := opts.Clock
	if clock == nil {
		clock = ident.SystemClock()
	}
	ids := opts.IDs
	if ids == nil {
		ids = ident.NewGenerator(clock)
	}
	maxData := opts.MaxEventData
	if maxData <= 0 {
		maxData = DefaultMaxEventData
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &World{
		adapter:      adapter,
		streams:      streams,
		queue:        queue,
		deploymentID: opts.DeploymentID,
		clock:        clock,
		ids:          ids,
		maxEventData: maxData,
		logger:       log.WithComponent(logger, "store"),
		metrics:      opts.Metrics,
	}
}

// DeploymentID identifies the deployment this world serves.
func (w *World) DeploymentID(ctx context.Context) (string, error) {
	return w.deploymentID, nil
}

// GetRun retrieves a run by ID.
func (w *World) GetRun(ctx context.Context, runID string, mode world.ResolveMode) (*world.Run, error) {
	run, err := w.adapter.GetRun(ctx, runID)
	if err != nil {
		return nil, mapRunError(err, runID)
	}
	return resolveRun(run, mode), nil
}

// ListRuns lists runs with optional filtering and cursor pagination.
// Payload data is elided unless the filter asks for ResolveAll.
func (w *World) ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error) {
	filter.Limit = clampLimit(filter.Limit)
	page, err := w.adapter.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, run := range page.Runs {
		page.Runs[i] = resolveRun(run, filter.Resolve)
	}
	return page, nil
}

// CancelRun emits run_cancelled for the run. Cancelling an already
// cancelled run is idempotent and returns the current state.
func (w *World) CancelRun(ctx context.Context, runID string) (*world.Run, error) {
	result, err := w.CreateEvent(ctx, runID, world.NewEvent{Type: world.EventRunCancelled})
	if err != nil {
		return nil, err
	}
	return result.Run, nil
}

// GetStep retrieves a step by run and step ID.
func (w *World) GetStep(ctx context.Context, runID, stepID string, mode world.ResolveMode) (*world.Step, error) {
	step, err := w.adapter.GetStep(ctx, runID, stepID)
	if err != nil {
		return nil, mapStepError(err, stepID)
	}
	return resolveStep(step, mode), nil
}

// ListSteps lists a run's steps with cursor pagination.
func (w *World) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error) {
	filter.Limit = clampLimit(filter.Limit)
	page, err := w.adapter.ListSteps(ctx, runID, filter)
	if err != nil {
		return nil, err
	}
	for i, step := range page.Steps {
		page.Steps[i] = resolveStep(step, filter.Resolve)
	}
	return page, nil
}

// ListEvents returns a run's events ordered by event ID.
func (w *World) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	filter.Limit = clampLimit(filter.Limit)
	page, err := w.adapter.ListEvents(ctx, runID, filter)
	if err != nil {
		return nil, err
	}
	for i, ev := range page.Events {
		page.Events[i] = resolveEvent(ev, filter.Resolve)
	}
	return page, nil
}

// ListEventsByCorrelationID returns a run's events for one step or hook,
// ordered by event ID. Payloads are always resolved; replay needs them.
func (w *World) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*world.Event, error) {
	return w.adapter.ListEventsByCorrelationID(ctx, runID, correlationID)
}

// GetHook retrieves a hook by run and hook ID.
func (w *World) GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error) {
	hook, err := w.adapter.GetHook(ctx, runID, hookID)
	if err != nil {
		return nil, mapHookError(err, hookID)
	}
	return hook, nil
}

// GetHookByToken retrieves a live hook by its token.
func (w *World) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	hook, err := w.adapter.GetHookByToken(ctx, token)
	if err != nil {
		return nil, mapHookError(err, log.SanitizeToken(token))
	}
	return hook, nil
}

// ListHooks lists a run's live hooks.
func (w *World) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	return w.adapter.ListHooks(ctx, runID)
}

// WriteStream appends a chunk to a run-scoped stream.
func (w *World) WriteStream(ctx context.Context, runID, streamID string, data []byte) error {
	return w.streams.WriteStream(ctx, runID, streamID, data)
}

// ReadStream returns the chunk at cursor.
func (w *World) ReadStream(ctx context.Context, runID, streamID string, cursor int) (*world.StreamChunk, error) {
	return w.streams.ReadStream(ctx, runID, streamID, cursor)
}

// CloseStream marks a stream complete.
func (w *World) CloseStream(ctx context.Context, runID, streamID string) error {
	return w.streams.CloseStream(ctx, runID, streamID)
}

// ListStreamsByRunID returns the IDs of a run's streams.
func (w *World) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	return w.streams.ListStreamsByRunID(ctx, runID)
}

// Enqueue submits a message onto the workflow or step queue.
func (w *World) Enqueue(ctx context.Context, msg world.QueueMessage) error {
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = w.clock.Now().UTC()
	}
	return w.queue.Enqueue(ctx, msg)
}

// ExpireRuns drops payload data from terminal runs completed before the
// deadline, stamping expired_at and keeping keys. Used by the retention
// sweeper.
func (w *World) ExpireRuns(ctx context.Context, before time.Time, limit int) (int, error) {
	return w.adapter.ExpireRuns(ctx, before, limit)
}

// Close releases the underlying adapter.
func (w *World) Close() error {
	return w.adapter.Close()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// resolveRun applies the resolveData mode: anything short of ResolveAll
// elides payload fields so list pages stay cheap.
func resolveRun(run *world.Run, mode world.ResolveMode) *world.Run {
	if run == nil || mode == world.ResolveAll {
		return run
	}
	elided := *run
	elided.Input = nil
	elided.Output = nil
	elided.ExecutionContext = nil
	return &elided
}

func resolveStep(step *world.Step, mode world.ResolveMode) *world.Step {
	if step == nil || mode == world.ResolveAll {
		return step
	}
	elided := *step
	elided.Input = world.StepInput{}
	elided.Output = nil
	return &elided
}

func resolveEvent(ev *world.Event, mode world.ResolveMode) *world.Event {
	if ev == nil || mode == world.ResolveAll {
		return ev
	}
	elided := *ev
	elided.EventData = nil
	return &elided
}
