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

// Package steprun executes steps off the step queue: hydrate the recorded
// input, invoke the registered step body, classify the outcome, and hand
// control back to the orchestrator. Step effects are at-least-once; the
// executor's own writes are guarded so redelivery cannot corrupt a landed
// result.
package steprun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/serde"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
	"github.com/rewindworks/rewind/pkg/workflow"
)

// DefaultRetryDelay gates the next attempt when a failure carries no
// explicit retry_after.
const DefaultRetryDelay = time.Second

// Classifier can upgrade a step error before the executor acts on it, for
// manifest-declared retry policies. It returns the error to act on.
type Classifier func(stepName string, attempt int, err error) error

// Options configures an Executor.
type Options struct {
	// BaseURL is the public URL of the serving deployment, exposed to step
	// bodies.
	BaseURL string

	// Classify rewrites step errors per declared retry policy. Nil leaves
	// errors as thrown.
	Classify Classifier

	// Budget overrides a step's declared retry budget, for manifest-declared
	// policies. Nil keeps declared budgets.
	Budget func(stepName string, declared int) int

	// RetryDelay gates retries with no explicit retry_after. Defaults to
	// DefaultRetryDelay.
	RetryDelay time.Duration

	// Now supplies wall-clock time. Defaults to time.Now.
	Now func() time.Time

	// Logger receives execution diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics records step telemetry. Optional.
	Metrics *tracing.Metrics
}

// Executor runs step deliveries.
type Executor struct {
	w          world.World
	registry   *workflow.Registry
	baseURL    string
	classify   Classifier
	budget     func(stepName string, declared int) int
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *tracing.Metrics
}

// New creates an executor over a world and a step registry.
func New(w world.World, registry *workflow.Registry, opts Options) *Executor {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		w:          w,
		registry:   registry,
		baseURL:    opts.BaseURL,
		classify:   opts.Classify,
		budget:     opts.Budget,
		retryDelay: retryDelay,
		now:        now,
		logger:     log.WithComponent(logger, "steprun"),
		metrics:    opts.Metrics,
	}
}

// Execute processes one step-queue delivery. A returned error requests
// redelivery with backoff; Result.Defer parks the message until a retry
// gate opens.
func (e *Executor) Execute(ctx context.Context, msg world.QueueMessage) (queue.Result, error) {
	logger := log.WithStepContext(e.logger, msg.RunID, msg.StepID)

	step, err := e.w.GetStep(ctx, msg.RunID, msg.StepID, world.ResolveAll)
	if err != nil {
		if errors.IsNotFound(err) {
			logger.WarnContext(ctx, "delivery for unknown step, dropping")
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	run, err := e.w.GetRun(ctx, msg.RunID, world.ResolveNone)
	if err != nil {
		if errors.IsNotFound(err) {
			logger.WarnContext(ctx, "delivery for unknown run, dropping")
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}

	def, ok := e.registry.Step(step.StepName)
	if !ok {
		logger.ErrorContext(ctx, "step is not registered",
			log.String(log.StepNameKey, step.StepName))
		return e.failStep(ctx, run, step, msg, &world.ErrorValue{
			Message: "step " + step.StepName + " is not registered",
			Code:    "unregistered_step",
		})
	}
	retries := def.Retries()
	if e.budget != nil {
		retries = e.budget(step.StepName, retries)
	}
	maxAttempts := retries + 1

	// Re-entry pre-checks. Redelivery after a crash, a lost continuation,
	// or an early wake must converge without duplicating work.
	if step.Status.Terminal() {
		// The result landed but the orchestrator tick may have been lost.
		logger.InfoContext(ctx, "step already terminal, waking orchestrator",
			log.String("status", string(step.Status)))
		return queue.Result{}, e.wakeOrchestrator(ctx, run, msg)
	}
	if step.Attempt+1 > maxAttempts {
		logger.InfoContext(ctx, "retry budget exhausted before start",
			log.Int(log.AttemptKey, step.Attempt))
		return e.failStep(ctx, run, step, msg, exhaustedError(step, maxAttempts, nil))
	}
	if step.RetryAfter != nil {
		if wait := step.RetryAfter.Sub(e.now()); wait > 0 {
			log.Trace(logger, "retry gate still closed, deferring",
				log.Duration(log.DurationKey, wait.Milliseconds()))
			return queue.Result{Defer: wait}, nil
		}
	}

	startResult, err := e.w.CreateEvent(ctx, msg.RunID, world.NewEvent{
		Type:          world.EventStepStarted,
		CorrelationID: msg.StepID,
	})
	if err != nil {
		if errors.IsTerminalConflict(err) {
			// The run went terminal while this delivery was queued.
			log.Trace(logger, "run terminal, dropping step delivery")
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	step = startResult.Step

	logger.InfoContext(ctx, "step started",
		log.String(log.StepNameKey, step.StepName),
		log.Int(log.AttemptKey, step.Attempt))
	if !msg.RequestedAt.IsZero() {
		log.Trace(logger, "queue overhead",
			log.Duration(log.DurationKey, e.now().Sub(msg.RequestedAt).Milliseconds()))
	}

	invokeStart := e.now()
	output, stepErr := e.invoke(ctx, run, step, def)
	invokeElapsed := e.now().Sub(invokeStart)
	if stepErr == nil {
		e.metrics.StepExecuted(ctx, "completed", invokeElapsed)
		return e.completeStep(ctx, run, step, msg, output)
	}

	if e.classify != nil {
		stepErr = e.classify(step.StepName, step.Attempt, stepErr)
	}
	return e.handleFailure(ctx, logger, run, step, msg, maxAttempts, stepErr, invokeElapsed)
}

// invoke runs the step body with panic isolation; a panic in user code is
// an ordinary step failure.
func (e *Executor) invoke(ctx context.Context, run *world.Run, step *world.Step, def *workflow.Step) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panic: %v\n%s", r, debug.Stack())
		}
	}()

	var startedAt time.Time
	if step.StartedAt != nil {
		startedAt = *step.StartedAt
	}
	sc := workflow.NewStepContext(ctx, workflow.StepContextConfig{
		RunID:       run.RunID,
		StepID:      step.StepID,
		Attempt:     step.Attempt,
		StartedAt:   startedAt,
		WorkflowURL: e.baseURL,
		Input:       step.Input,
		Streams:     e.w,
	})

	out, err := def.Fn(sc)
	if err != nil {
		return nil, err
	}
	return serde.Dehydrate(out)
}

// handleFailure maps a step error onto the failure state machine.
func (e *Executor) handleFailure(ctx context.Context, logger *slog.Logger, run *world.Run, step *world.Step, msg world.QueueMessage, maxAttempts int, stepErr error, elapsed time.Duration) (queue.Result, error) {
	switch {
	case errors.IsFatal(stepErr):
		logger.InfoContext(ctx, "step failed fatally", log.Error(stepErr))
		e.metrics.StepExecuted(ctx, "failed", elapsed)
		return e.failStep(ctx, run, step, msg, errorValue(stepErr))

	case errors.IsTerminalConflict(stepErr):
		// The run finished underneath us; nothing left to record.
		log.Trace(logger, "terminal conflict from step, dropping")
		e.metrics.StepExecuted(ctx, "dropped", elapsed)
		return queue.Result{}, nil

	case errors.IsRetryable(stepErr):
		if after, ok := errors.RetryAfter(stepErr); ok {
			logger.InfoContext(ctx, "step retrying on request",
				log.Error(stepErr),
				log.Int(log.AttemptKey, step.Attempt),
				log.Duration(log.DurationKey, after.Milliseconds()))
			e.metrics.StepExecuted(ctx, "retrying", elapsed)
			return e.retryStep(ctx, run, step, errorValue(stepErr), after)
		}
		fallthrough

	default:
		if step.Attempt >= maxAttempts {
			logger.InfoContext(ctx, "retry budget exhausted",
				log.Error(stepErr),
				log.Int(log.AttemptKey, step.Attempt))
			e.metrics.StepExecuted(ctx, "failed", elapsed)
			return e.failStep(ctx, run, step, msg, exhaustedError(step, maxAttempts, stepErr))
		}
		logger.InfoContext(ctx, "step failed, retrying",
			log.Error(stepErr),
			log.Int(log.AttemptKey, step.Attempt))
		e.metrics.StepExecuted(ctx, "retrying", elapsed)
		if err := e.emitNonFatalFailure(ctx, run, step, errorValue(stepErr)); err != nil {
			if errors.IsTerminalConflict(err) {
				return queue.Result{}, nil
			}
			return queue.Result{}, err
		}
		return e.retryStep(ctx, run, step, errorValue(stepErr), e.retryDelay)
	}
}

// completeStep records the output and wakes the orchestrator.
func (e *Executor) completeStep(ctx context.Context, run *world.Run, step *world.Step, msg world.QueueMessage, output json.RawMessage) (queue.Result, error) {
	data, err := json.Marshal(world.StepCompletedData{Output: output})
	if err != nil {
		return queue.Result{}, err
	}
	if _, err := e.w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventStepCompleted,
		CorrelationID: step.StepID,
		Data:          data,
	}); err != nil {
		if errors.IsTerminalConflict(err) {
			return queue.Result{}, nil
		}
		if errors.IsNotFound(err) {
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	return queue.Result{}, e.wakeOrchestrator(ctx, run, msg)
}

// failStep records a terminal failure and wakes the orchestrator.
func (e *Executor) failStep(ctx context.Context, run *world.Run, step *world.Step, msg world.QueueMessage, ev *world.ErrorValue) (queue.Result, error) {
	data, err := json.Marshal(world.StepFailedData{Error: ev, Fatal: true})
	if err != nil {
		return queue.Result{}, err
	}
	if _, err := e.w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventStepFailed,
		CorrelationID: step.StepID,
		Data:          data,
	}); err != nil {
		if errors.IsTerminalConflict(err) || errors.IsNotFound(err) {
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	return queue.Result{}, e.wakeOrchestrator(ctx, run, msg)
}

// retryStep returns the step to pending behind a retry gate and parks the
// delivery until the gate opens.
func (e *Executor) retryStep(ctx context.Context, run *world.Run, step *world.Step, ev *world.ErrorValue, after time.Duration) (queue.Result, error) {
	retryAt := e.now().Add(after).UTC()
	data, err := json.Marshal(world.StepRetryingData{Error: ev, RetryAfter: &retryAt})
	if err != nil {
		return queue.Result{}, err
	}
	if _, err := e.w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventStepRetrying,
		CorrelationID: step.StepID,
		Data:          data,
	}); err != nil {
		if errors.IsTerminalConflict(err) || errors.IsNotFound(err) {
			return queue.Result{}, nil
		}
		return queue.Result{}, err
	}
	return queue.Result{Defer: after}, nil
}

// emitNonFatalFailure records an informational step_failed preceding a
// retry.
func (e *Executor) emitNonFatalFailure(ctx context.Context, run *world.Run, step *world.Step, ev *world.ErrorValue) error {
	data, err := json.Marshal(world.StepFailedData{Error: ev, Fatal: false})
	if err != nil {
		return err
	}
	_, err = e.w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventStepFailed,
		CorrelationID: step.StepID,
		Data:          data,
	})
	return err
}

// wakeOrchestrator re-enqueues the run's orchestrator tick, propagating
// trace context when the triggering delivery carried one.
func (e *Executor) wakeOrchestrator(ctx context.Context, run *world.Run, msg world.QueueMessage) error {
	return e.w.Enqueue(ctx, world.QueueMessage{
		Queue:        queue.WorkflowTopic(run.WorkflowName),
		RunID:        run.RunID,
		TraceContext: msg.TraceContext,
	})
}

// exhaustedError is the terminal failure recorded when the retry budget
// runs out. The last thrown error, when there is one, rides along as
// detail after the budget message.
func exhaustedError(step *world.Step, maxAttempts int, cause error) *world.ErrorValue {
	message := fmt.Sprintf("step %s exceeded max retries (%d attempts)", step.StepName, maxAttempts)
	if cause != nil {
		message += ": " + cause.Error()
	}
	return &world.ErrorValue{
		Message: message,
		Code:    "max_retries_exceeded",
	}
}

// errorValue shapes a step error into the stored form, keeping the
// classifier's code when one applies.
func errorValue(err error) *world.ErrorValue {
	if err == nil {
		return nil
	}
	ev := &world.ErrorValue{Message: err.Error()}
	var classifier errors.ErrorClassifier
	if errors.As(err, &classifier) {
		ev.Code = classifier.ErrorType()
	}
	return ev
}

// DeferSeconds rounds a deferral up to whole seconds for backends that
// only support second-granularity delays.
func DeferSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
