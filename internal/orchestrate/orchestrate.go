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

// Package orchestrate advances runs. Each delivery on a workflow topic is
// one tick: load the run, replay its workflow function against the event
// log, and record the outcome. Ticks are idempotent, so redelivery after a
// crash converges on the same run state.
package orchestrate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
	"github.com/rewindworks/rewind/pkg/workflow"
)

// Options configures an Orchestrator.
type Options struct {
	// Resolve maps declared workflow and step names to manifest identities.
	// Nil uses names as-is.
	Resolve func(kind, name string) string

	// NewToken generates hook tokens. Nil uses the default generator.
	NewToken func() string

	// BaseURL is the public prefix hook URLs are built on.
	BaseURL string

	// Now supplies wall-clock time. Defaults to time.Now.
	Now func() time.Time

	// Logger receives tick diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics records run telemetry. Optional.
	Metrics *tracing.Metrics
}

// Orchestrator replays workflow functions and advances run state.
type Orchestrator struct {
	w        world.World
	registry *workflow.Registry
	resolve  func(kind, name string) string
	newToken func() string
	baseURL  string
	now      func() time.Time
	logger   *slog.Logger
	metrics  *tracing.Metrics
}

// New creates an orchestrator over a world and a workflow registry.
func New(w world.World, registry *workflow.Registry, opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		w:        w,
		registry: registry,
		resolve:  opts.Resolve,
		newToken: opts.NewToken,
		baseURL:  opts.BaseURL,
		now:      now,
		logger:   log.WithComponent(logger, "orchestrator"),
		metrics:  opts.Metrics,
	}
}

// Tick processes one workflow-queue delivery. A returned error requests
// redelivery; a zero Result acknowledges.
func (o *Orchestrator) Tick(ctx context.Context, msg world.QueueMessage) (queue.Result, error) {
	run, err := o.w.GetRun(ctx, msg.RunID, world.ResolveAll)
	if err != nil {
		if errors.IsNotFound(err) {
			// Stale message for a deleted run.
			o.logger.WarnContext(ctx, "tick for unknown run, dropping",
				log.String(log.RunIDKey, msg.RunID))
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	logger := log.WithRunContext(o.logger, run.RunID, run.WorkflowName)

	if run.Status.Terminal() {
		log.Trace(logger, "run already terminal, acknowledging",
			log.String("status", string(run.Status)))
		return queue.Result{}, nil
	}

	wf, ok := o.registry.Workflow(run.WorkflowName)
	if !ok {
		// No such workflow in this deployment: fail the run rather than
		// redeliver forever.
		logger.ErrorContext(ctx, "run references unregistered workflow")
		return o.failRun(ctx, run, &world.ErrorValue{
			Message: "workflow " + run.WorkflowName + " is not registered",
			Code:    "unregistered_workflow",
		})
	}

	if run.Status == world.RunPending {
		if _, err := o.w.CreateEvent(ctx, run.RunID, world.NewEvent{Type: world.EventRunStarted}); err != nil {
			if errors.IsTerminalConflict(err) {
				return queue.Result{}, nil
			}
			return queue.Result{}, err
		}
		o.metrics.RunStarted(ctx)
	}

	start := o.now()
	result := workflow.Replay(ctx, wf, workflow.ReplayDeps{
		World:    o.w,
		Run:      run,
		Resolve:  o.resolve,
		NewToken: o.newToken,
		BaseURL:  o.baseURL,
		Now:      o.now,
	})
	elapsed := o.now().Sub(start)

	switch result.Outcome {
	case workflow.ReplaySuspended:
		log.Trace(logger, "run suspended",
			log.Duration(log.DurationKey, elapsed.Milliseconds()))
		return queue.Result{}, nil

	case workflow.ReplayCompleted:
		logger.InfoContext(ctx, "run completed",
			log.Duration(log.DurationKey, elapsed.Milliseconds()))
		return o.completeRun(ctx, run, result.Output)

	case workflow.ReplayFailed:
		logger.InfoContext(ctx, "run failed",
			log.Error(result.Err),
			log.Duration(log.DurationKey, elapsed.Milliseconds()))
		return o.failRun(ctx, run, errorValue(result.Err))

	case workflow.ReplayAborted:
		if errors.IsTerminalConflict(result.Err) {
			// A concurrent cancel landed mid-tick; the run is done.
			return queue.Result{}, nil
		}
		logger.WarnContext(ctx, "tick aborted, redelivering", log.Error(result.Err))
		return queue.Result{}, result.Err
	}
	return queue.Result{}, nil
}

func (o *Orchestrator) completeRun(ctx context.Context, run *world.Run, output []byte) (queue.Result, error) {
	data, err := json.Marshal(world.RunCompletedData{Output: output})
	if err != nil {
		return queue.Result{}, err
	}
	if _, err := o.w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventRunCompleted,
		Data: data,
	}); err != nil {
		if errors.IsTerminalConflict(err) {
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	o.metrics.RunCompleted(ctx, string(world.RunCompleted))
	return queue.Result{}, nil
}

func (o *Orchestrator) failRun(ctx context.Context, run *world.Run, ev *world.ErrorValue) (queue.Result, error) {
	data, err := json.Marshal(world.RunFailedData{Error: ev})
	if err != nil {
		return queue.Result{}, err
	}
	if _, err := o.w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventRunFailed,
		Data: data,
	}); err != nil {
		if errors.IsTerminalConflict(err) {
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	o.metrics.RunCompleted(ctx, string(world.RunFailed))
	return queue.Result{}, nil
}

// errorValue shapes a replay failure into the stored error form. Step
// failures keep the error recorded by the step's terminal event.
func errorValue(err error) *world.ErrorValue {
	if err == nil {
		return nil
	}
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) && stepErr.Value != nil {
		return stepErr.Value
	}
	var hookErr *workflow.HookConflictError
	if errors.As(err, &hookErr) {
		return &world.ErrorValue{Message: hookErr.Error(), Code: "hook_conflict"}
	}
	return &world.ErrorValue{Message: err.Error()}
}
