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

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/serde"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
)

// WebhookPathPrefix is where hook tokens resolve to URLs.
const WebhookPathPrefix = "/.well-known/workflow/v1/webhook/"

// Context is the controlled execution context a workflow function runs
// under. Every durable operation (step calls, sleeps, hooks) consults the
// run's event log first, so re-executing the function replays past
// decisions instead of repeating them.
//
// Context methods that cannot resolve from the log suspend the run by
// unwinding the workflow function; the orchestrator resumes it on a later
// tick once the awaited event lands.
type Context struct {
	ctx      context.Context
	w        world.World
	run      *world.Run
	resolve  func(kind, name string) string
	newToken func() string
	baseURL  string
	now      func() time.Time

	// counters assigns deterministic per-replay ordinals to durable
	// operations, in program order.
	counters map[string]int
}

// suspendSignal unwinds the workflow function when an awaited event has
// not landed yet.
type suspendSignal struct{}

// abortSignal unwinds the workflow function when a world operation failed;
// the tick is abandoned and the message redelivered.
type abortSignal struct{ err error }

// StepError is the failure of an awaited step call, as recorded by its
// terminal step_failed event.
type StepError struct {
	StepName string
	StepID   string
	Value    *world.ErrorValue
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.StepName, e.Value.Message)
}

// Unwrap exposes the recorded error value.
func (e *StepError) Unwrap() error { return e.Value }

// HookConflictError is returned when a hook could not be created because
// its token is already held by a live hook.
type HookConflictError struct {
	Token string
}

// Error implements the error interface.
func (e *HookConflictError) Error() string {
	return fmt.Sprintf("hook token %q is already in use", e.Token)
}

// Input returns the run's input arguments in order.
func (c *Context) Input() []json.RawMessage {
	return c.run.Input
}

// Arg unmarshals the i'th run input into out.
func (c *Context) Arg(i int, out any) error {
	if i < 0 || i >= len(c.run.Input) {
		return fmt.Errorf("workflow: input %d out of range (have %d)", i, len(c.run.Input))
	}
	return json.Unmarshal(c.run.Input[i], out)
}

// RunID returns the run's identifier.
func (c *Context) RunID() string { return c.run.RunID }

// WorkflowName returns the run's workflow name.
func (c *Context) WorkflowName() string { return c.run.WorkflowName }

// ExecutionContext returns the opaque mapping supplied at run creation.
func (c *Context) ExecutionContext() map[string]json.RawMessage {
	return c.run.ExecutionContext
}

// Context returns the tick's context for cancellation-aware work.
func (c *Context) Context() context.Context { return c.ctx }

// nextID issues the next deterministic ordinal under base. The same
// program order yields the same IDs on every replay.
func (c *Context) nextID(base string) string {
	c.counters[base]++
	return fmt.Sprintf("%s#%d", base, c.counters[base])
}

func (c *Context) abort(err error) {
	panic(abortSignal{err: err})
}

func (c *Context) suspend() {
	panic(suspendSignal{})
}

// events loads the run's events for one correlation ID, aborting the tick
// on storage failure.
func (c *Context) events(correlationID string) []*world.Event {
	events, err := c.w.ListEventsByCorrelationID(c.ctx, c.run.RunID, correlationID)
	if err != nil {
		c.abort(err)
	}
	return events
}

// emit appends an event, aborting the tick on failure.
func (c *Context) emit(ev world.NewEvent) *world.EventResult {
	result, err := c.w.CreateEvent(c.ctx, c.run.RunID, ev)
	if err != nil {
		c.abort(err)
	}
	return result
}

// StartOptions customizes a step dispatch.
type StartOptions struct {
	// Args are the step's positional arguments.
	Args []any

	// Vars are named values captured at the call site. They are serialized
	// with the step input and read back through StepContext.Var; the
	// key-set is recorded on the first tick and survives replay unchanged.
	Vars map[string]any
}

// Call invokes a declared step and waits for its result, suspending the
// run until the step lands. A fatal step failure comes back as *StepError.
func (c *Context) Call(step *Step, args ...any) (json.RawMessage, error) {
	return c.Start(step, args...).Result()
}

// CallWith invokes a declared step with captured variables and waits for
// its result.
func (c *Context) CallWith(step *Step, opts StartOptions) (json.RawMessage, error) {
	return c.StartWith(step, opts).Result()
}

// Start dispatches a declared step without waiting, so several steps can
// run concurrently. The returned Future resolves on a later tick.
func (c *Context) Start(step *Step, args ...any) *Future {
	return c.StartWith(step, StartOptions{Args: args})
}

// StartWith dispatches a declared step with named captured variables in
// addition to positional arguments.
func (c *Context) StartWith(step *Step, opts StartOptions) *Future {
	stepID := c.nextID(c.resolve("step", step.Name))

	f := &Future{c: c, step: step, stepID: stepID}
	var created bool
	for _, ev := range c.events(stepID) {
		switch ev.EventType {
		case world.EventStepCreated:
			created = true
		case world.EventStepCompleted:
			var data world.StepCompletedData
			if err := json.Unmarshal(ev.EventData, &data); err != nil {
				c.abort(err)
			}
			f.done = true
			f.output = data.Output
		case world.EventStepFailed:
			var data world.StepFailedData
			if err := json.Unmarshal(ev.EventData, &data); err != nil {
				c.abort(err)
			}
			// Non-fatal failures are informational; a retry follows.
			if data.Fatal {
				f.done = true
				f.err = &StepError{StepName: step.Name, StepID: stepID, Value: data.Error}
			}
		}
	}
	if created || f.done {
		return f
	}

	dehydrated, err := serde.DehydrateArgs(opts.Args)
	if err != nil {
		c.abort(fmt.Errorf("workflow: step %s: %w", step.Name, err))
	}
	vars, err := serde.DehydrateVars(opts.Vars)
	if err != nil {
		c.abort(fmt.Errorf("workflow: step %s: %w", step.Name, err))
	}
	input := world.StepInput{Args: dehydrated, Vars: vars}

	data, err := json.Marshal(world.StepCreatedData{StepName: step.Name, Input: input})
	if err != nil {
		c.abort(err)
	}
	c.emit(world.NewEvent{Type: world.EventStepCreated, CorrelationID: stepID, Data: data})

	if err := c.w.Enqueue(c.ctx, world.QueueMessage{
		Queue:        queue.StepTopic(step.Name),
		RunID:        c.run.RunID,
		StepID:       stepID,
		TraceContext: tracing.InjectMap(c.ctx),
	}); err != nil {
		c.abort(err)
	}
	return f
}

// Future is a pending step result.
type Future struct {
	c      *Context
	step   *Step
	stepID string
	done   bool
	output json.RawMessage
	err    error
}

// Result waits for the step to land, suspending the run while it is in
// flight.
func (f *Future) Result() (json.RawMessage, error) {
	if !f.done {
		f.c.suspend()
	}
	return f.output, f.err
}

// ResultInto unmarshals the step output into out.
func (f *Future) ResultInto(out any) error {
	raw, err := f.Result()
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Call invokes a declared step and unmarshals its output to T.
func Call[T any](c *Context, step *Step, args ...any) (T, error) {
	var out T
	err := c.Start(step, args...).ResultInto(&out)
	return out, err
}

// Sleep suspends the run for at least d. The engine wakes the run with a
// delayed self-message; the elapsed time is measured against the wake
// deadline recorded on the first tick, so replays do not extend it.
func (c *Context) Sleep(d time.Duration) {
	id := c.nextID("wait")

	var createdAt *world.WaitCreatedData
	for _, ev := range c.events(id) {
		switch ev.EventType {
		case world.EventWaitCompleted:
			return
		case world.EventWaitCreated:
			var data world.WaitCreatedData
			if err := json.Unmarshal(ev.EventData, &data); err != nil {
				c.abort(err)
			}
			createdAt = &data
		}
	}

	if createdAt != nil {
		if !c.now().Before(createdAt.WakeAt) {
			c.emit(world.NewEvent{Type: world.EventWaitCompleted, CorrelationID: id})
			return
		}
		c.suspend()
	}

	wakeAt := c.now().Add(d).UTC()
	data, err := json.Marshal(world.WaitCreatedData{WakeAt: wakeAt})
	if err != nil {
		c.abort(err)
	}
	c.emit(world.NewEvent{Type: world.EventWaitCreated, CorrelationID: id, Data: data})

	if err := c.w.Enqueue(c.ctx, world.QueueMessage{
		Queue:        queue.WorkflowTopic(c.run.WorkflowName),
		RunID:        c.run.RunID,
		Delay:        d,
		TraceContext: tracing.InjectMap(c.ctx),
	}); err != nil {
		c.abort(err)
	}
	c.suspend()
}

// HookOptions customizes hook creation.
type HookOptions struct {
	// Token fixes the hook's token. Empty means a fresh unguessable token
	// is generated on the first tick and replayed thereafter.
	Token string

	// Metadata is recorded on the hook for external consumers.
	Metadata any
}

// Hook is a durable suspension point addressed by a webhook token.
type Hook struct {
	c      *Context
	hookID string
	token  string
}

// CreateHook registers a hook the run can await. A token already held by
// a live hook yields a *HookConflictError.
func (c *Context) CreateHook(opts HookOptions) (*Hook, error) {
	id := c.nextID("hook")

	for _, ev := range c.events(id) {
		switch ev.EventType {
		case world.EventHookCreated:
			var data world.HookCreatedData
			if err := json.Unmarshal(ev.EventData, &data); err != nil {
				c.abort(err)
			}
			return &Hook{c: c, hookID: id, token: data.Token}, nil
		case world.EventHookConflict:
			var data world.HookConflictData
			if err := json.Unmarshal(ev.EventData, &data); err != nil {
				c.abort(err)
			}
			return nil, &HookConflictError{Token: data.Token}
		}
	}

	token := opts.Token
	if token == "" {
		token = c.newToken()
	}
	var metadata json.RawMessage
	if opts.Metadata != nil {
		raw, err := json.Marshal(opts.Metadata)
		if err != nil {
			c.abort(fmt.Errorf("workflow: marshaling hook metadata: %w", err))
		}
		metadata = raw
	}

	data, err := json.Marshal(world.HookCreatedData{Token: token, Metadata: metadata})
	if err != nil {
		c.abort(err)
	}
	result := c.emit(world.NewEvent{Type: world.EventHookCreated, CorrelationID: id, Data: data})
	if result.Conflict {
		return nil, &HookConflictError{Token: token}
	}
	return &Hook{c: c, hookID: id, token: token}, nil
}

// Token returns the hook's opaque token.
func (h *Hook) Token() string { return h.token }

// URL returns the webhook URL external callers POST to.
func (h *Hook) URL() string {
	return h.c.baseURL + WebhookPathPrefix + url.PathEscape(h.token)
}

// Await suspends the run until the hook receives a delivery, then returns
// the delivered payload.
func (h *Hook) Await() (json.RawMessage, error) {
	for _, ev := range h.c.events(h.hookID) {
		if ev.EventType == world.EventHookReceived {
			var data world.HookReceivedData
			if err := json.Unmarshal(ev.EventData, &data); err != nil {
				h.c.abort(err)
			}
			return data.Payload, nil
		}
	}
	h.c.suspend()
	return nil, nil
}

// Dispose deletes the hook before the run ends. Awaiting a disposed hook
// suspends forever; dispose only hooks the run no longer needs.
func (h *Hook) Dispose() {
	for _, ev := range h.c.events(h.hookID) {
		if ev.EventType == world.EventHookDisposed {
			return
		}
	}
	h.c.emit(world.NewEvent{Type: world.EventHookDisposed, CorrelationID: h.hookID})
}

// NewStream opens a run-scoped stream with a deterministic identity, so a
// workflow can hand it to steps as an argument.
func (c *Context) NewStream() *Stream {
	id := c.nextID("strm")
	return &Stream{ID: id, runID: c.run.RunID, store: c.w, ctx: c.ctx}
}
