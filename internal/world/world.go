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

// Package world defines the storage, queue, and stream facade the engine
// runs against, along with the entity and event vocabulary shared by every
// backend.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on the
// operations they use:
//
//   - RunStore: run reads plus cancellation
//   - StepStore: step reads
//   - EventStore: the single write path (CreateEvent) plus event reads
//   - HookStore: hook reads
//   - StreamStore: run-scoped byte streams
//   - Queuer: enqueue onto the workflow and step queues
//
// The World interface composes all of these for full backends. The
// orchestrator and step executor accept World; narrower components accept
// the slice they need.
package world

import (
	"context"
	"io"
)

// RunStore reads runs and requests cancellation. Cancellation is sugar over
// CreateEvent(run_cancelled) and shares its idempotency: cancelling an
// already-cancelled run succeeds without mutation.
type RunStore interface {
	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string, mode ResolveMode) (*Run, error)

	// ListRuns lists runs with optional filtering and cursor pagination.
	ListRuns(ctx context.Context, filter RunFilter) (*RunPage, error)

	// CancelRun emits run_cancelled for the run.
	CancelRun(ctx context.Context, runID string) (*Run, error)
}

// StepStore reads steps.
type StepStore interface {
	// GetStep retrieves a step by run and step ID.
	GetStep(ctx context.Context, runID, stepID string, mode ResolveMode) (*Step, error)

	// ListSteps lists a run's steps with cursor pagination.
	ListSteps(ctx context.Context, runID string, filter StepFilter) (*StepPage, error)
}

// EventStore appends and reads events. CreateEvent is the only write path
// in the system: it validates the event, derives entity mutations, and
// persists both atomically.
type EventStore interface {
	// CreateEvent appends an event to a run's log and applies its entity
	// derivation. For run_created with an empty runID, the store assigns
	// a new run ID server-side.
	CreateEvent(ctx context.Context, runID string, ev NewEvent) (*EventResult, error)

	// ListEvents returns a run's events ordered by event ID.
	ListEvents(ctx context.Context, runID string, filter EventFilter) (*EventPage, error)

	// ListEventsByCorrelationID returns a run's events for one step or hook,
	// ordered by event ID.
	ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*Event, error)
}

// HookStore reads hooks. Hooks are created and disposed through CreateEvent.
type HookStore interface {
	// GetHook retrieves a hook by run and hook ID.
	GetHook(ctx context.Context, runID, hookID string) (*Hook, error)

	// GetHookByToken retrieves a live hook by its token.
	GetHookByToken(ctx context.Context, token string) (*Hook, error)

	// ListHooks lists a run's live hooks.
	ListHooks(ctx context.Context, runID string) ([]*Hook, error)
}

// StreamStore reads and writes run-scoped byte streams.
type StreamStore interface {
	// WriteStream appends a chunk to a stream, creating it on first write.
	WriteStream(ctx context.Context, runID, streamID string, data []byte) error

	// ReadStream returns the chunk at cursor, or Closed when the stream
	// ended before it.
	ReadStream(ctx context.Context, runID, streamID string, cursor int) (*StreamChunk, error)

	// CloseStream marks a stream complete. Closing twice is an error.
	CloseStream(ctx context.Context, runID, streamID string) error

	// ListStreamsByRunID returns the IDs of a run's streams.
	ListStreamsByRunID(ctx context.Context, runID string) ([]string, error)
}

// Queuer enqueues messages onto the workflow and step queues.
type Queuer interface {
	// Enqueue submits a message for delivery. Delivery is at-least-once.
	Enqueue(ctx context.Context, msg QueueMessage) error
}

// World is the full backend facade the engine runs against.
type World interface {
	// DeploymentID identifies the deployment this world serves.
	DeploymentID(ctx context.Context) (string, error)

	RunStore
	StepStore
	EventStore
	HookStore
	StreamStore
	Queuer
	io.Closer
}
