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

package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/world"
	memworld "github.com/rewindworks/rewind/internal/world/memory"
	"github.com/rewindworks/rewind/pkg/errors"
)

// captureQueue records enqueued messages instead of delivering them.
type captureQueue struct {
	mu   sync.Mutex
	msgs []world.QueueMessage
}

func (q *captureQueue) Enqueue(ctx context.Context, msg world.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func newTestWorld(t *testing.T) *store.World {
	t.Helper()
	w := store.New(memworld.New(), memworld.NewStreams(), &captureQueue{}, store.Options{
		DeploymentID: "dep-test",
	})
	t.Cleanup(func() { w.Close() })
	return w
}

func createRun(t *testing.T, w *store.World, workflowName string) *world.Run {
	t.Helper()
	data, err := json.Marshal(world.RunCreatedData{
		WorkflowName: workflowName,
		Input:        []json.RawMessage{json.RawMessage(`{"sku":"a1"}`)},
	})
	require.NoError(t, err)
	result, err := w.CreateEvent(context.Background(), "", world.NewEvent{
		Type: world.EventRunCreated,
		Data: data,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Run)
	return result.Run
}

func createStep(t *testing.T, w *store.World, runID, stepID, stepName string) *world.Step {
	t.Helper()
	data, err := json.Marshal(world.StepCreatedData{
		StepName: stepName,
		Input:    world.StepInput{Args: []json.RawMessage{json.RawMessage(`1`)}},
	})
	require.NoError(t, err)
	result, err := w.CreateEvent(context.Background(), runID, world.NewEvent{
		Type:          world.EventStepCreated,
		CorrelationID: stepID,
		Data:          data,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Step)
	return result.Step
}

func TestCreateRun(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	run := createRun(t, w, "workflow//orders//Fulfill")
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, world.RunPending, run.Status)
	assert.Equal(t, "dep-test", run.DeploymentID)
	assert.Equal(t, world.SpecVersion, run.SpecVersion)
	assert.Nil(t, run.StartedAt)

	got, err := w.GetRun(ctx, run.RunID, world.ResolveAll)
	require.NoError(t, err)
	assert.Equal(t, run.WorkflowName, got.WorkflowName)
	assert.JSONEq(t, `{"sku":"a1"}`, string(got.Input[0]))

	// The log holds exactly the creation event.
	page, err := w.ListEvents(ctx, run.RunID, world.EventFilter{Resolve: world.ResolveAll})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, world.EventRunCreated, page.Events[0].EventType)
	assert.Equal(t, world.SpecVersion, page.Events[0].SpecVersion)
}

func TestCreateRunRequiresWorkflowName(t *testing.T) {
	w := newTestWorld(t)

	_, err := w.CreateEvent(context.Background(), "", world.NewEvent{
		Type: world.EventRunCreated,
		Data: json.RawMessage(`{}`),
	})
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "workflow_name", ve.Field)
}

func TestCreateRunDuplicateID(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	data, _ := json.Marshal(world.RunCreatedData{WorkflowName: "wf"})
	_, err := w.CreateEvent(ctx, "run_fixed", world.NewEvent{Type: world.EventRunCreated, Data: data})
	require.NoError(t, err)

	_, err = w.CreateEvent(ctx, "run_fixed", world.NewEvent{Type: world.EventRunCreated, Data: data})
	var ve *errors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRunLifecycle(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")

	started, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{Type: world.EventRunStarted})
	require.NoError(t, err)
	assert.Equal(t, world.RunRunning, started.Run.Status)
	require.NotNil(t, started.Run.StartedAt)

	data, _ := json.Marshal(world.RunCompletedData{Output: json.RawMessage(`{"ok":true}`)})
	done, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{Type: world.EventRunCompleted, Data: data})
	require.NoError(t, err)
	assert.Equal(t, world.RunCompleted, done.Run.Status)
	assert.JSONEq(t, `{"ok":true}`, string(done.Run.Output))
	require.NotNil(t, done.Run.CompletedAt)

	// Event IDs order the log.
	page, err := w.ListEvents(ctx, run.RunID, world.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	for i := 1; i < len(page.Events); i++ {
		assert.Less(t, page.Events[i-1].EventID, page.Events[i].EventID)
	}
}

func TestTerminalRunRejectsFurtherEvents(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")

	_, err := w.CancelRun(ctx, run.RunID)
	require.NoError(t, err)

	_, err = w.CreateEvent(ctx, run.RunID, world.NewEvent{Type: world.EventRunStarted})
	assert.True(t, errors.IsTerminalConflict(err), "expected terminal conflict, got %v", err)

	// Cancelling again is idempotent.
	again, err := w.CancelRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, world.RunCancelled, again.Status)
}

func TestRunFailedRecordsError(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")

	data, _ := json.Marshal(world.RunFailedData{
		Error: &world.ErrorValue{Message: "boom", Code: "exploded"},
	})
	result, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{Type: world.EventRunFailed, Data: data})
	require.NoError(t, err)
	assert.Equal(t, world.RunFailed, result.Run.Status)
	require.NotNil(t, result.Run.Error)
	assert.Equal(t, "boom", result.Run.Error.Message)
	assert.Equal(t, "exploded", result.Run.Error.Code)
}

func TestEventPayloadCap(t *testing.T) {
	w := store.New(memworld.New(), memworld.NewStreams(), &captureQueue{}, store.Options{
		MaxEventData: 64,
	})
	defer w.Close()

	big, _ := json.Marshal(world.RunCreatedData{WorkflowName: string(make([]byte, 128))})
	_, err := w.CreateEvent(context.Background(), "", world.NewEvent{Type: world.EventRunCreated, Data: big})
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "event_data", ve.Field)
}

func TestUnknownEventType(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.CreateEvent(context.Background(), "run_x", world.NewEvent{Type: "run_exploded"})
	var ve *errors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestEventForMissingRun(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.CreateEvent(context.Background(), "run_missing", world.NewEvent{Type: world.EventRunStarted})
	assert.True(t, errors.IsNotFound(err))
}

func TestStepLifecycle(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")

	step := createStep(t, w, run.RunID, "step//a//Do#1", "step//a//Do")
	assert.Equal(t, world.StepPending, step.Status)
	assert.Equal(t, 0, step.Attempt)

	started, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventStepStarted,
		CorrelationID: step.StepID,
	})
	require.NoError(t, err)
	assert.Equal(t, world.StepRunning, started.Step.Status)
	assert.Equal(t, 1, started.Step.Attempt)
	require.NotNil(t, started.Step.StartedAt)

	data, _ := json.Marshal(world.StepCompletedData{Output: json.RawMessage(`42`)})
	done, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventStepCompleted,
		CorrelationID: step.StepID,
		Data:          data,
	})
	require.NoError(t, err)
	assert.Equal(t, world.StepCompleted, done.Step.Status)
	assert.JSONEq(t, `42`, string(done.Step.Output))
	require.NotNil(t, done.Step.CompletedAt)
}

func TestStepRetryCycle(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")
	step := createStep(t, w, run.RunID, "s1", "step//a//Flaky")

	_, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepStarted, CorrelationID: step.StepID,
	})
	require.NoError(t, err)

	// A non-fatal failure is log-only; the step stays running.
	failData, _ := json.Marshal(world.StepFailedData{
		Error: &world.ErrorValue{Message: "transient"},
		Fatal: false,
	})
	result, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepFailed, CorrelationID: step.StepID, Data: failData,
	})
	require.NoError(t, err)
	got, err := w.GetStep(ctx, run.RunID, step.StepID, world.ResolveAll)
	require.NoError(t, err)
	assert.Equal(t, world.StepRunning, got.Status)
	assert.Equal(t, world.EventStepFailed, result.Event.EventType)

	// step_retrying parks it behind the gate.
	retryData, _ := json.Marshal(world.StepRetryingData{Error: &world.ErrorValue{Message: "transient"}})
	retried, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepRetrying, CorrelationID: step.StepID, Data: retryData,
	})
	require.NoError(t, err)
	assert.Equal(t, world.StepPending, retried.Step.Status)

	// The second start bumps the attempt but keeps the original started_at.
	second, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepStarted, CorrelationID: step.StepID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Step.Attempt)
}

func TestStepTerminalStickiness(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")
	step := createStep(t, w, run.RunID, "s1", "step//a//Do")

	_, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepStarted, CorrelationID: step.StepID,
	})
	require.NoError(t, err)

	data, _ := json.Marshal(world.StepCompletedData{Output: json.RawMessage(`1`)})
	_, err = w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepCompleted, CorrelationID: step.StepID, Data: data,
	})
	require.NoError(t, err)

	// A redelivered completion must not overwrite the landed result.
	dup, _ := json.Marshal(world.StepCompletedData{Output: json.RawMessage(`2`)})
	_, err = w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepCompleted, CorrelationID: step.StepID, Data: dup,
	})
	assert.True(t, errors.IsTerminalConflict(err), "expected terminal conflict, got %v", err)

	got, err := w.GetStep(ctx, run.RunID, step.StepID, world.ResolveAll)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(got.Output))
}

func TestStepCompletionAfterRunTerminal(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")
	step := createStep(t, w, run.RunID, "s1", "step//a//Do")
	_, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepStarted, CorrelationID: step.StepID,
	})
	require.NoError(t, err)

	_, err = w.CancelRun(ctx, run.RunID)
	require.NoError(t, err)

	// An in-flight completion may still land while the step is running.
	data, _ := json.Marshal(world.StepCompletedData{Output: json.RawMessage(`"late"`)})
	result, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type: world.EventStepCompleted, CorrelationID: step.StepID, Data: data,
	})
	require.NoError(t, err)
	assert.Equal(t, world.StepCompleted, result.Step.Status)

	// But creating new work inside a terminal run does not.
	_, err = w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventStepCreated,
		CorrelationID: "s2",
		Data:          mustJSON(t, world.StepCreatedData{StepName: "step//a//More"}),
	})
	assert.True(t, errors.IsTerminalConflict(err))
}

func TestStepCompletedForMissingStep(t *testing.T) {
	w := newTestWorld(t)
	run := createRun(t, w, "wf")

	_, err := w.CreateEvent(context.Background(), run.RunID, world.NewEvent{
		Type:          world.EventStepCompleted,
		CorrelationID: "step_missing",
		Data:          mustJSON(t, world.StepCompletedData{}),
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestHookLifecycle(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")

	result, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventHookCreated,
		CorrelationID: "hook#1",
		Data:          mustJSON(t, world.HookCreatedData{Token: "tok-abc", Metadata: json.RawMessage(`{"k":"v"}`)}),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Hook)
	assert.False(t, result.Conflict)

	hook, err := w.GetHookByToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, hook.RunID)
	assert.Equal(t, "hook#1", hook.HookID)

	hooks, err := w.ListHooks(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, hooks, 1)

	// hook_received is log-only.
	_, err = w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventHookReceived,
		CorrelationID: "hook#1",
		Data:          mustJSON(t, world.HookReceivedData{Payload: json.RawMessage(`{"ok":1}`)}),
	})
	require.NoError(t, err)
	_, err = w.GetHookByToken(ctx, "tok-abc")
	require.NoError(t, err)

	// hook_disposed deletes it.
	_, err = w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventHookDisposed,
		CorrelationID: "hook#1",
	})
	require.NoError(t, err)
	_, err = w.GetHookByToken(ctx, "tok-abc")
	assert.True(t, errors.IsNotFound(err))
}

func TestHookTokenConflictDemotes(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	runA := createRun(t, w, "wf")
	runB := createRun(t, w, "wf")

	_, err := w.CreateEvent(ctx, runA.RunID, world.NewEvent{
		Type:          world.EventHookCreated,
		CorrelationID: "hook#1",
		Data:          mustJSON(t, world.HookCreatedData{Token: "shared"}),
	})
	require.NoError(t, err)

	result, err := w.CreateEvent(ctx, runB.RunID, world.NewEvent{
		Type:          world.EventHookCreated,
		CorrelationID: "hook#1",
		Data:          mustJSON(t, world.HookCreatedData{Token: "shared"}),
	})
	require.NoError(t, err)
	assert.True(t, result.Conflict)
	assert.Equal(t, world.EventHookConflict, result.Event.EventType)

	// The original binding is untouched.
	hook, err := w.GetHookByToken(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, runA.RunID, hook.RunID)

	// Run B's log records the conflict.
	events, err := w.ListEventsByCorrelationID(ctx, runB.RunID, "hook#1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, world.EventHookConflict, events[0].EventType)
}

func TestTerminalRunSweepsHooks(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")

	_, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
		Type:          world.EventHookCreated,
		CorrelationID: "hook#1",
		Data:          mustJSON(t, world.HookCreatedData{Token: "tok-sweep"}),
	})
	require.NoError(t, err)

	_, err = w.CancelRun(ctx, run.RunID)
	require.NoError(t, err)

	hooks, err := w.ListHooks(ctx, run.RunID)
	require.NoError(t, err)
	assert.Empty(t, hooks)
	_, err = w.GetHookByToken(ctx, "tok-sweep")
	assert.True(t, errors.IsNotFound(err))

	// The swept token is reusable by a later run.
	other := createRun(t, w, "wf")
	result, err := w.CreateEvent(ctx, other.RunID, world.NewEvent{
		Type:          world.EventHookCreated,
		CorrelationID: "hook#1",
		Data:          mustJSON(t, world.HookCreatedData{Token: "tok-sweep"}),
	})
	require.NoError(t, err)
	assert.False(t, result.Conflict)
}

func TestListRunsFilterAndPaging(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createRun(t, w, "wf-a")
	}
	other := createRun(t, w, "wf-b")
	_, err := w.CancelRun(ctx, other.RunID)
	require.NoError(t, err)

	page, err := w.ListRuns(ctx, world.RunFilter{WorkflowName: "wf-a", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Runs, 3)
	require.NotEmpty(t, page.NextCursor)

	rest, err := w.ListRuns(ctx, world.RunFilter{WorkflowName: "wf-a", Limit: 3, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Len(t, rest.Runs, 2)
	assert.Empty(t, rest.NextCursor)

	cancelled, err := w.ListRuns(ctx, world.RunFilter{Status: world.RunCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled.Runs, 1)
	assert.Equal(t, other.RunID, cancelled.Runs[0].RunID)
}

func TestListResolveElidesPayloads(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "wf")

	page, err := w.ListRuns(ctx, world.RunFilter{})
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Nil(t, page.Runs[0].Input, "list default must elide input")

	full, err := w.ListRuns(ctx, world.RunFilter{Resolve: world.ResolveAll})
	require.NoError(t, err)
	assert.NotNil(t, full.Runs[0].Input)

	got, err := w.GetRun(ctx, run.RunID, world.ResolveNone)
	require.NoError(t, err)
	assert.Nil(t, got.Input)
}

func TestLegacyRunEvents(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	created, err := w.CreateEvent(ctx, "", world.NewEvent{
		Type: world.EventRunCreated,
		Data: mustJSON(t, world.RunCreatedData{WorkflowName: "wf", SpecVersion: "0.5.0"}),
	})
	require.NoError(t, err)
	runID := created.Run.RunID

	// Replay-relevant events are rejected for pre-event-sourcing runs.
	_, err = w.CreateEvent(ctx, runID, world.NewEvent{Type: world.EventRunStarted})
	var ve *errors.ValidationError
	assert.ErrorAs(t, err, &ve)

	// wait_completed is accepted as log-only.
	_, err = w.CreateEvent(ctx, runID, world.NewEvent{Type: world.EventWaitCompleted, CorrelationID: "wait#1"})
	require.NoError(t, err)

	// run_cancelled mutates directly.
	result, err := w.CreateEvent(ctx, runID, world.NewEvent{Type: world.EventRunCancelled})
	require.NoError(t, err)
	assert.Equal(t, world.RunCancelled, result.Run.Status)
}

func TestUnsupportedFutureVersion(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	created, err := w.CreateEvent(ctx, "", world.NewEvent{
		Type: world.EventRunCreated,
		Data: mustJSON(t, world.RunCreatedData{WorkflowName: "wf", SpecVersion: "99.0.0"}),
	})
	require.NoError(t, err)

	_, err = w.CreateEvent(ctx, created.Run.RunID, world.NewEvent{Type: world.EventRunStarted})
	var uv *errors.UnsupportedVersionError
	assert.ErrorAs(t, err, &uv)
}

func TestEnqueueStampsRequestedAt(t *testing.T) {
	q := &captureQueue{}
	w := store.New(memworld.New(), memworld.NewStreams(), q, store.Options{})
	defer w.Close()

	require.NoError(t, w.Enqueue(context.Background(), world.QueueMessage{
		Queue: "workflow.wf",
		RunID: "run_1",
	}))
	require.Len(t, q.msgs, 1)
	assert.False(t, q.msgs[0].RequestedAt.IsZero())
}

func TestConcurrentWritersCommitInEventIDOrder(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	run := createRun(t, w, "workflow//t//Main")
	_, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{Type: world.EventRunStarted})
	require.NoError(t, err)

	// Racing writers on one run: IDs are allocated inside the commit, so
	// the log order and the ID order must agree.
	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.CreateEvent(ctx, run.RunID, world.NewEvent{
				Type:          world.EventWaitCompleted,
				CorrelationID: fmt.Sprintf("wait#%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	page, err := w.ListEvents(ctx, run.RunID, world.EventFilter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, page.Events, writers+2)
	for i := 1; i < len(page.Events); i++ {
		assert.Less(t, page.Events[i-1].EventID, page.Events[i].EventID,
			"append order and event-ID order must agree")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
