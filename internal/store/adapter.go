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

// Package store implements the event-sourced store: the single write path
// (CreateEvent) with its validation pipeline and entity derivations, layered
// over a storage Adapter each backend provides. The World type in this
// package is the in-process implementation of the world.World facade.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rewindworks/rewind/internal/world"
)

// Sentinel errors returned by adapters. The pipeline maps them onto the
// behavioral error kinds callers classify on.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrExists means an insert collided with an existing key.
	ErrExists = errors.New("store: already exists")

	// ErrTokenExists means a hook insert collided with a live token.
	ErrTokenExists = errors.New("store: hook token already exists")
)

// Rows is the row-level storage contract backends implement. Methods are
// called both directly for reads and inside Tx for the event pipeline.
// Implementations return the package sentinel errors for misses and
// collisions.
type Rows interface {
	GetRun(ctx context.Context, runID string) (*world.Run, error)
	InsertRun(ctx context.Context, run *world.Run) error
	UpdateRun(ctx context.Context, run *world.Run) error
	ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error)

	GetStep(ctx context.Context, runID, stepID string) (*world.Step, error)
	InsertStep(ctx context.Context, step *world.Step) error
	UpdateStep(ctx context.Context, step *world.Step) error
	// UpdateStepIfLive applies the update only while the step's current
	// status is outside {completed, failed}, in a single conditional
	// write. It reports whether a row changed.
	UpdateStepIfLive(ctx context.Context, step *world.Step) (bool, error)
	ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error)

	GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error)
	GetHookByToken(ctx context.Context, token string) (*world.Hook, error)
	ListHooks(ctx context.Context, runID string) ([]*world.Hook, error)
	InsertHook(ctx context.Context, hook *world.Hook) error
	DeleteHook(ctx context.Context, runID, hookID string) error
	// DeleteHooksByRun removes every live hook owned by the run. It is
	// invoked inside the same transaction as the terminal run event.
	DeleteHooksByRun(ctx context.Context, runID string) error

	AppendEvent(ctx context.Context, event *world.Event) error
	ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error)
	ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*world.Event, error)

	// ExpireRuns drops payload data from terminal runs completed before
	// the deadline, stamping expired_at and keeping keys. It returns how
	// many runs it expired, up to limit.
	ExpireRuns(ctx context.Context, before time.Time, limit int) (int, error)
}

// Adapter is the full backend contract: row operations, a transaction
// scope, and lifecycle.
type Adapter interface {
	Rows

	// Tx runs fn atomically relative to other writers. The Rows handed to
	// fn observes and buffers uncommitted state; returning an error rolls
	// everything back.
	Tx(ctx context.Context, fn func(Rows) error) error

	io.Closer
}
