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
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/rewindworks/rewind/internal/ident"
	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
)

// CreateEvent is the single write path. It validates the event against the
// run's current state, derives the entity mutation the event implies, and
// persists event plus mutation in one transaction.
//
// The validation pipeline runs in a fixed order: payload cap, run lookup
// (skipped for step_completed and step_retrying, whose liveness is checked
// inside the conditional update instead), version gate, run terminal guard,
// entity existence guards, hook token uniqueness. Each stage fails with a
// distinct behavioral error kind.
func (w *World) CreateEvent(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	start := w.clock.Now()
	result, err := w.createEvent(ctx, runID, ev)
	if err == nil {
		w.metrics.EventAppended(ctx, string(ev.Type), w.clock.Now().Sub(start))
	}
	return result, err
}

func (w *World) createEvent(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	if !ev.Type.Valid() {
		return nil, &errors.ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	if len(ev.Data) > w.maxEventData {
		return nil, &errors.ValidationError{
			Field:   "event_data",
			Message: fmt.Sprintf("payload is %d bytes, cap is %d", len(ev.Data), w.maxEventData),
		}
	}

	if ev.Type == world.EventRunCreated {
		return w.createRun(ctx, runID, ev)
	}
	if runID == "" {
		return nil, &errors.ValidationError{Field: "run_id", Message: "run_id is required"}
	}

	// step_completed and step_retrying skip the run fetch; their liveness
	// check lives in the conditional step update.
	switch ev.Type {
	case world.EventStepCompleted:
		return w.completeStep(ctx, runID, ev)
	case world.EventStepRetrying:
		return w.retryStep(ctx, runID, ev)
	}

	run, err := w.adapter.GetRun(ctx, runID)
	if err != nil {
		return nil, mapRunError(err, runID)
	}

	if world.NewerThanRuntime(run.SpecVersion) {
		return nil, &errors.UnsupportedVersionError{RunVersion: run.SpecVersion, RuntimeVersion: world.SpecVersion}
	}
	if world.PreEventSourcing(run.SpecVersion) {
		return w.legacyEvent(ctx, run, ev)
	}

	if run.Status.Terminal() {
		return w.terminalRunEvent(ctx, run, ev)
	}

	switch ev.Type {
	case world.EventRunStarted:
		return w.startRun(ctx, run, ev)
	case world.EventRunCompleted, world.EventRunFailed, world.EventRunCancelled:
		return w.finishRun(ctx, run, ev)
	case world.EventStepCreated:
		return w.createStep(ctx, run, ev)
	case world.EventStepStarted:
		return w.startStep(ctx, run, ev)
	case world.EventStepFailed:
		return w.failStep(ctx, run, ev)
	case world.EventHookCreated:
		return w.createHook(ctx, run, ev)
	case world.EventHookReceived, world.EventHookDisposed:
		return w.hookEvent(ctx, run, ev)
	case world.EventWaitCreated, world.EventWaitCompleted, world.EventHookConflict:
		return w.logOnlyEvent(ctx, run, ev)
	default:
		return nil, &errors.ValidationError{Field: "event_type", Message: fmt.Sprintf("unhandled event type %q", ev.Type)}
	}
}

// newEventRow shapes the write-side event. Identity and ordering are
// stamped by stampAndAppend inside the transaction.
func (w *World) newEventRow(runID string, ev world.NewEvent) *world.Event {
	return &world.Event{
		RunID:         runID,
		CorrelationID: ev.CorrelationID,
		EventType:     ev.Type,
		EventData:     ev.Data,
		SpecVersion:   world.SpecVersion,
	}
}

// stampAndAppend allocates the event's ID and timestamp inside the
// surrounding transaction, after the entity writes have taken their row
// locks. Allocating earlier would let two writers on the same run commit
// in the opposite order of their event IDs.
func (w *World) stampAndAppend(ctx context.Context, rows Rows, event *world.Event) error {
	event.EventID = w.ids.New(ident.KindEvent)
	event.CreatedAt = w.clock.Now().UTC()
	return rows.AppendEvent(ctx, event)
}

func (w *World) createRun(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	var data world.RunCreatedData
	if err := unmarshalData(ev.Data, &data); err != nil {
		return nil, err
	}
	if data.WorkflowName == "" {
		return nil, &errors.ValidationError{Field: "workflow_name", Message: "workflow_name is required"}
	}

	// Callers may supply their own run ID; an empty one is synthesized
	// server-side.
	if runID == "" {
		runID = w.ids.New(ident.KindRun)
	}
	version := data.SpecVersion
	if version == "" {
		version = world.SpecVersion
	}

	now := w.clock.Now().UTC()
	run := &world.Run{
		RunID:            runID,
		DeploymentID:     data.DeploymentID,
		WorkflowName:     data.WorkflowName,
		SpecVersion:      version,
		Input:            data.Input,
		ExecutionContext: data.ExecutionContext,
		Status:           world.RunPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if run.DeploymentID == "" {
		run.DeploymentID = w.deploymentID
	}

	event := w.newEventRow(runID, ev)
	err := w.adapter.Tx(ctx, func(rows Rows) error {
		if err := rows.InsertRun(ctx, run); err != nil {
			if stderrors.Is(err, ErrExists) {
				return &errors.ValidationError{Field: "run_id", Message: fmt.Sprintf("run %s already exists", runID)}
			}
			return err
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}

	w.logger.Debug("run created", log.RunIDKey, runID, log.WorkflowKey, run.WorkflowName)
	return &world.EventResult{Event: event, Run: run}, nil
}

func (w *World) startRun(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	now := w.clock.Now().UTC()
	run.Status = world.RunRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.UpdatedAt = now

	event := w.newEventRow(run.RunID, ev)
	err := w.adapter.Tx(ctx, func(rows Rows) error {
		if err := rows.UpdateRun(ctx, run); err != nil {
			return err
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Run: run}, nil
}

// finishRun applies a terminal run transition. The hook sweep happens in
// the same transaction as the terminal event so no live hook can outlast
// its run.
func (w *World) finishRun(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	now := w.clock.Now().UTC()

	switch ev.Type {
	case world.EventRunCompleted:
		var data world.RunCompletedData
		if err := unmarshalData(ev.Data, &data); err != nil {
			return nil, err
		}
		run.Status = world.RunCompleted
		run.Output = data.Output
	case world.EventRunFailed:
		var data world.RunFailedData
		if err := unmarshalData(ev.Data, &data); err != nil {
			return nil, err
		}
		run.Status = world.RunFailed
		run.Error = data.Error
	case world.EventRunCancelled:
		run.Status = world.RunCancelled
	}
	run.CompletedAt = &now
	run.UpdatedAt = now

	event := w.newEventRow(run.RunID, ev)
	err := w.adapter.Tx(ctx, func(rows Rows) error {
		if err := rows.UpdateRun(ctx, run); err != nil {
			return err
		}
		if err := rows.DeleteHooksByRun(ctx, run.RunID); err != nil {
			return err
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("run finished",
		log.RunIDKey, run.RunID,
		log.WorkflowKey, run.WorkflowName,
		"status", string(run.Status))
	return &world.EventResult{Event: event, Run: run}, nil
}

// terminalRunEvent handles events arriving after the run reached a terminal
// status. Cancelling an already-cancelled run is idempotent; in-flight step
// completions are allowed to land while the step is still running;
// everything else is a terminal conflict.
func (w *World) terminalRunEvent(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	if ev.Type == world.EventRunCancelled && run.Status == world.RunCancelled {
		event := w.newEventRow(run.RunID, ev)
		if err := w.adapter.Tx(ctx, func(rows Rows) error {
			return w.stampAndAppend(ctx, rows, event)
		}); err != nil {
			return nil, err
		}
		return &world.EventResult{Event: event, Run: run}, nil
	}

	switch ev.Type {
	case world.EventStepStarted, world.EventStepFailed:
		step, err := w.adapter.GetStep(ctx, run.RunID, ev.CorrelationID)
		if err != nil {
			return nil, mapStepError(err, ev.CorrelationID)
		}
		if step.Status != world.StepRunning {
			return nil, &errors.TerminalConflictError{Resource: "run", ID: run.RunID, Status: string(run.Status)}
		}
		if ev.Type == world.EventStepStarted {
			return w.startStep(ctx, run, ev)
		}
		return w.failStep(ctx, run, ev)
	}

	return nil, &errors.TerminalConflictError{Resource: "run", ID: run.RunID, Status: string(run.Status)}
}

// legacyEvent routes runs that predate the event-sourced store. Only
// run_cancelled (direct mutation) and wait_completed (log only) are
// accepted; the event log did not exist when these runs were recorded, so
// no replay-relevant events may be synthesized for them.
func (w *World) legacyEvent(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	switch ev.Type {
	case world.EventRunCancelled:
		if run.Status == world.RunCancelled {
			return &world.EventResult{Run: run}, nil
		}
		if run.Status.Terminal() {
			return nil, &errors.TerminalConflictError{Resource: "run", ID: run.RunID, Status: string(run.Status)}
		}
		now := w.clock.Now().UTC()
		run.Status = world.RunCancelled
		run.CompletedAt = &now
		run.UpdatedAt = now
		err := w.adapter.Tx(ctx, func(rows Rows) error {
			if err := rows.UpdateRun(ctx, run); err != nil {
				return err
			}
			return rows.DeleteHooksByRun(ctx, run.RunID)
		})
		if err != nil {
			return nil, err
		}
		return &world.EventResult{Run: run}, nil
	case world.EventWaitCompleted:
		event := w.newEventRow(run.RunID, ev)
		if err := w.adapter.Tx(ctx, func(rows Rows) error {
			return w.stampAndAppend(ctx, rows, event)
		}); err != nil {
			return nil, err
		}
		return &world.EventResult{Event: event, Run: run}, nil
	default:
		return nil, &errors.ValidationError{
			Field:   "event_type",
			Message: fmt.Sprintf("event %q is not supported for legacy run version %s", ev.Type, run.SpecVersion),
		}
	}
}

func (w *World) createStep(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	var data world.StepCreatedData
	if err := unmarshalData(ev.Data, &data); err != nil {
		return nil, err
	}
	if data.StepName == "" {
		return nil, &errors.ValidationError{Field: "step_name", Message: "step_name is required"}
	}
	stepID := ev.CorrelationID
	if stepID == "" {
		stepID = w.ids.New(ident.KindStep)
		ev.CorrelationID = stepID
	}

	now := w.clock.Now().UTC()
	step := &world.Step{
		RunID:     run.RunID,
		StepID:    stepID,
		StepName:  data.StepName,
		Status:    world.StepPending,
		Input:     data.Input,
		Attempt:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	event := w.newEventRow(run.RunID, ev)
	err := w.adapter.Tx(ctx, func(rows Rows) error {
		if err := rows.InsertStep(ctx, step); err != nil {
			if stderrors.Is(err, ErrExists) {
				return &errors.ValidationError{Field: "step_id", Message: fmt.Sprintf("step %s already exists", stepID)}
			}
			return err
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Run: run, Step: step}, nil
}

func (w *World) startStep(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	step, err := w.adapter.GetStep(ctx, run.RunID, ev.CorrelationID)
	if err != nil {
		return nil, mapStepError(err, ev.CorrelationID)
	}
	if step.Status.Terminal() {
		return nil, &errors.TerminalConflictError{Resource: "step", ID: step.StepID, Status: string(step.Status)}
	}

	now := w.clock.Now().UTC()
	step.Status = world.StepRunning
	step.Attempt++
	// started_at records the first start only; retries never move it.
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.RetryAfter = nil
	step.UpdatedAt = now

	event := w.newEventRow(run.RunID, ev)
	err = w.adapter.Tx(ctx, func(rows Rows) error {
		if err := rows.UpdateStep(ctx, step); err != nil {
			return err
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Run: run, Step: step}, nil
}

// completeStep lands a step result through a conditional update whose
// predicate is "status not terminal". A zero-row outcome triggers a
// secondary lookup to distinguish a missing step from a terminal one.
func (w *World) completeStep(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	var data world.StepCompletedData
	if err := unmarshalData(ev.Data, &data); err != nil {
		return nil, err
	}

	step, err := w.adapter.GetStep(ctx, runID, ev.CorrelationID)
	if err != nil {
		return nil, mapStepError(err, ev.CorrelationID)
	}

	now := w.clock.Now().UTC()
	step.Status = world.StepCompleted
	step.Output = data.Output
	step.Error = nil
	step.CompletedAt = &now
	step.RetryAfter = nil
	step.UpdatedAt = now

	event := w.newEventRow(runID, ev)
	err = w.adapter.Tx(ctx, func(rows Rows) error {
		changed, err := rows.UpdateStepIfLive(ctx, step)
		if err != nil {
			return err
		}
		if !changed {
			return w.stepUpdateConflict(ctx, rows, runID, ev.CorrelationID)
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Step: step}, nil
}

func (w *World) failStep(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	var data world.StepFailedData
	if err := unmarshalData(ev.Data, &data); err != nil {
		return nil, err
	}

	step, err := w.adapter.GetStep(ctx, run.RunID, ev.CorrelationID)
	if err != nil {
		return nil, mapStepError(err, ev.CorrelationID)
	}

	// Non-fatal step_failed is informational: the step stays live and a
	// step_retrying follows. Only fatal failures transition the step.
	event := w.newEventRow(run.RunID, ev)
	if !data.Fatal {
		if err := w.adapter.Tx(ctx, func(rows Rows) error {
			return w.stampAndAppend(ctx, rows, event)
		}); err != nil {
			return nil, err
		}
		return &world.EventResult{Event: event, Run: run, Step: step}, nil
	}

	now := w.clock.Now().UTC()
	step.Status = world.StepFailed
	step.Error = data.Error
	step.CompletedAt = &now
	step.RetryAfter = nil
	step.UpdatedAt = now

	err = w.adapter.Tx(ctx, func(rows Rows) error {
		changed, err := rows.UpdateStepIfLive(ctx, step)
		if err != nil {
			return err
		}
		if !changed {
			return w.stepUpdateConflict(ctx, rows, run.RunID, ev.CorrelationID)
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Run: run, Step: step}, nil
}

func (w *World) retryStep(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	var data world.StepRetryingData
	if err := unmarshalData(ev.Data, &data); err != nil {
		return nil, err
	}

	step, err := w.adapter.GetStep(ctx, runID, ev.CorrelationID)
	if err != nil {
		return nil, mapStepError(err, ev.CorrelationID)
	}

	now := w.clock.Now().UTC()
	step.Status = world.StepPending
	step.Error = data.Error
	step.RetryAfter = data.RetryAfter
	step.UpdatedAt = now

	event := w.newEventRow(runID, ev)
	err = w.adapter.Tx(ctx, func(rows Rows) error {
		changed, err := rows.UpdateStepIfLive(ctx, step)
		if err != nil {
			return err
		}
		if !changed {
			return w.stepUpdateConflict(ctx, rows, runID, ev.CorrelationID)
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Step: step}, nil
}

// stepUpdateConflict is the secondary lookup after a zero-row conditional
// update: the step either vanished or already landed terminally.
func (w *World) stepUpdateConflict(ctx context.Context, rows Rows, runID, stepID string) error {
	step, err := rows.GetStep(ctx, runID, stepID)
	if err != nil {
		return mapStepError(err, stepID)
	}
	return &errors.TerminalConflictError{Resource: "step", ID: step.StepID, Status: string(step.Status)}
}

// createHook registers a hook under a token. A token collision demotes the
// write to a hook_conflict event: the log records the attempt, state does
// not change.
func (w *World) createHook(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	var data world.HookCreatedData
	if err := unmarshalData(ev.Data, &data); err != nil {
		return nil, err
	}
	if data.Token == "" {
		return nil, &errors.ValidationError{Field: "token", Message: "token is required"}
	}
	hookID := ev.CorrelationID
	if hookID == "" {
		hookID = w.ids.New(ident.KindHook)
		ev.CorrelationID = hookID
	}

	existing, err := w.adapter.GetHookByToken(ctx, data.Token)
	if err != nil && !stderrors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		conflictData, _ := json.Marshal(world.HookConflictData{Token: data.Token})
		event := w.newEventRow(run.RunID, world.NewEvent{
			Type:          world.EventHookConflict,
			CorrelationID: hookID,
			Data:          conflictData,
		})
		if err := w.adapter.Tx(ctx, func(rows Rows) error {
			return w.stampAndAppend(ctx, rows, event)
		}); err != nil {
			return nil, err
		}
		w.logger.Warn("hook token conflict",
			log.RunIDKey, run.RunID,
			log.HookIDKey, hookID,
			"token", log.SanitizeToken(data.Token))
		return &world.EventResult{Event: event, Run: run, Conflict: true}, nil
	}

	hook := &world.Hook{
		RunID:     run.RunID,
		HookID:    hookID,
		Token:     data.Token,
		Metadata:  data.Metadata,
		CreatedAt: w.clock.Now().UTC(),
	}

	event := w.newEventRow(run.RunID, ev)
	err = w.adapter.Tx(ctx, func(rows Rows) error {
		if err := rows.InsertHook(ctx, hook); err != nil {
			// A racing creation can land the token between the check and
			// the insert; demote to conflict the same way.
			if stderrors.Is(err, ErrTokenExists) {
				conflictData, _ := json.Marshal(world.HookConflictData{Token: data.Token})
				conflict := w.newEventRow(run.RunID, world.NewEvent{
					Type:          world.EventHookConflict,
					CorrelationID: hookID,
					Data:          conflictData,
				})
				if err := w.stampAndAppend(ctx, rows, conflict); err != nil {
					return err
				}
				*event = *conflict
				hook = nil
				return nil
			}
			return err
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	if hook == nil {
		return &world.EventResult{Event: event, Run: run, Conflict: true}, nil
	}
	return &world.EventResult{Event: event, Run: run, Hook: hook}, nil
}

// hookEvent handles hook_received (log only) and hook_disposed (delete).
// Both require the hook to exist.
func (w *World) hookEvent(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	hook, err := w.adapter.GetHook(ctx, run.RunID, ev.CorrelationID)
	if err != nil {
		return nil, mapHookError(err, ev.CorrelationID)
	}

	event := w.newEventRow(run.RunID, ev)
	err = w.adapter.Tx(ctx, func(rows Rows) error {
		if ev.Type == world.EventHookDisposed {
			if err := rows.DeleteHook(ctx, run.RunID, hook.HookID); err != nil {
				return err
			}
		}
		return w.stampAndAppend(ctx, rows, event)
	})
	if err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Run: run, Hook: hook}, nil
}

func (w *World) logOnlyEvent(ctx context.Context, run *world.Run, ev world.NewEvent) (*world.EventResult, error) {
	event := w.newEventRow(run.RunID, ev)
	if err := w.adapter.Tx(ctx, func(rows Rows) error {
		return w.stampAndAppend(ctx, rows, event)
	}); err != nil {
		return nil, err
	}
	return &world.EventResult{Event: event, Run: run}, nil
}

func unmarshalData(data json.RawMessage, into any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return &errors.ValidationError{Field: "event_data", Message: err.Error()}
	}
	return nil
}

func mapRunError(err error, runID string) error {
	if stderrors.Is(err, ErrNotFound) {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return err
}

func mapStepError(err error, stepID string) error {
	if stderrors.Is(err, ErrNotFound) {
		return &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	return err
}

func mapHookError(err error, id string) error {
	if stderrors.Is(err, ErrNotFound) {
		return &errors.NotFoundError{Resource: "hook", ID: id}
	}
	return err
}
