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

package world

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// EventType names one of the closed set of event kinds the store accepts.
type EventType string

const (
	EventRunCreated   EventType = "run_created"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"

	EventStepCreated   EventType = "step_created"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepRetrying  EventType = "step_retrying"

	EventHookCreated  EventType = "hook_created"
	EventHookReceived EventType = "hook_received"
	EventHookConflict EventType = "hook_conflict"
	EventHookDisposed EventType = "hook_disposed"

	EventWaitCreated   EventType = "wait_created"
	EventWaitCompleted EventType = "wait_completed"
)

var eventTypes = map[EventType]struct{}{
	EventRunCreated: {}, EventRunStarted: {}, EventRunCompleted: {}, EventRunFailed: {}, EventRunCancelled: {},
	EventStepCreated: {}, EventStepStarted: {}, EventStepCompleted: {}, EventStepFailed: {}, EventStepRetrying: {},
	EventHookCreated: {}, EventHookReceived: {}, EventHookConflict: {}, EventHookDisposed: {},
	EventWaitCreated: {}, EventWaitCompleted: {},
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// ResolveMode selects how much entity data a read returns. List endpoints
// default to ResolveNone so pagination stays cheap.
type ResolveMode string

const (
	// ResolveAll returns input, output, metadata, and event data.
	ResolveAll ResolveMode = "all"
	// ResolveNone elides payload fields, returning keys and statuses only.
	ResolveNone ResolveMode = "none"
)

// ErrorValue is the structured error stored on runs, steps, and failure
// events as JSON: {message, stack?, code?}.
type ErrorValue struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// UnmarshalJSON accepts both the structured form and the legacy flat string
// form older runs recorded, coercing the latter into Message.
func (e *ErrorValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		e.Stack = ""
		e.Code = ""
		return nil
	}

	type plain ErrorValue
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = ErrorValue(p)
	return nil
}

// Error implements the error interface so stored failures can propagate
// into workflow code as ordinary errors.
func (e *ErrorValue) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Run is one execution instance of a workflow.
type Run struct {
	RunID            string                     `json:"run_id"`
	DeploymentID     string                     `json:"deployment_id,omitempty"`
	WorkflowName     string                     `json:"workflow_name"`
	SpecVersion      string                     `json:"spec_version"`
	Input            []json.RawMessage          `json:"input,omitempty"`
	ExecutionContext map[string]json.RawMessage `json:"execution_context,omitempty"`
	Status           RunStatus                  `json:"status"`
	Output           json.RawMessage            `json:"output,omitempty"`
	Error            *ErrorValue                `json:"error,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	StartedAt        *time.Time                 `json:"started_at,omitempty"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
	ExpiredAt        *time.Time                 `json:"expired_at,omitempty"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// StepInput carries a step call's positional arguments plus the closure
// variables captured at the call site. Argument order and the variable
// key-set must survive replay unchanged.
type StepInput struct {
	Args []json.RawMessage          `json:"args"`
	Vars map[string]json.RawMessage `json:"vars,omitempty"`
}

// Step is one durable call inside a run.
type Step struct {
	RunID       string          `json:"run_id"`
	StepID      string          `json:"step_id"`
	StepName    string          `json:"step_name"`
	Status      StepStatus      `json:"status"`
	Input       StepInput       `json:"input"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ErrorValue     `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RetryAfter  *time.Time      `json:"retry_after,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Hook is a durable suspension point a run is waiting on, addressed by an
// opaque token embedded in a webhook URL.
type Hook struct {
	RunID     string          `json:"run_id"`
	HookID    string          `json:"hook_id"`
	Token     string          `json:"token"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is an append-only record of a state-changing operation. Events are
// strictly ordered by EventID within a run.
type Event struct {
	RunID         string          `json:"run_id"`
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SpecVersion   string          `json:"spec_version"`
}

// NewEvent is the write-side shape accepted by CreateEvent. CorrelationID
// names the step or hook the event refers to; Data is the typed payload
// serialized as JSON.
type NewEvent struct {
	Type          EventType       `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"event_data,omitempty"`
}

// EventResult is returned by CreateEvent: the persisted event plus any
// entities the derivation touched. Conflict is set when a hook_created
// was demoted to hook_conflict by the token uniqueness guard.
type EventResult struct {
	Event    *Event `json:"event"`
	Run      *Run   `json:"run,omitempty"`
	Step     *Step  `json:"step,omitempty"`
	Hook     *Hook  `json:"hook,omitempty"`
	Conflict bool   `json:"conflict,omitempty"`
}

// Typed event payloads. Writers marshal these into NewEvent.Data; the store
// and readers unmarshal them by event type.

// RunCreatedData seeds a new run.
type RunCreatedData struct {
	WorkflowName     string                     `json:"workflow_name"`
	Input            []json.RawMessage          `json:"input,omitempty"`
	ExecutionContext map[string]json.RawMessage `json:"execution_context,omitempty"`
	DeploymentID     string                     `json:"deployment_id,omitempty"`
	SpecVersion      string                     `json:"spec_version,omitempty"`
}

// RunCompletedData records a run's output.
type RunCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// RunFailedData records a run's failure.
type RunFailedData struct {
	Error *ErrorValue `json:"error,omitempty"`
}

// StepCreatedData seeds a new step.
type StepCreatedData struct {
	StepName string    `json:"step_name"`
	Input    StepInput `json:"input"`
}

// StepCompletedData records a step's output.
type StepCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// StepFailedData records a step failure. Fatal failures are terminal for
// the step; non-fatal ones are informational and precede a retry.
type StepFailedData struct {
	Error *ErrorValue `json:"error,omitempty"`
	Fatal bool        `json:"fatal,omitempty"`
}

// StepRetryingData returns a step to pending and optionally gates the next
// attempt behind RetryAfter.
type StepRetryingData struct {
	Error      *ErrorValue `json:"error,omitempty"`
	RetryAfter *time.Time  `json:"retry_after,omitempty"`
}

// HookCreatedData registers a hook under a token.
type HookCreatedData struct {
	Token    string          `json:"token"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// HookReceivedData records a webhook delivery that resumes a hook: the
// selected payload plus the delivery headers, minus credentials.
type HookReceivedData struct {
	Payload     json.RawMessage     `json:"payload,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
}

// HookConflictData records a rejected duplicate token.
type HookConflictData struct {
	Token string `json:"token"`
}

// WaitCreatedData records a sleep's wake deadline.
type WaitCreatedData struct {
	WakeAt time.Time `json:"wake_at"`
}

// RunFilter selects and pages runs.
type RunFilter struct {
	WorkflowName string
	Status       RunStatus
	Cursor       string
	Limit        int
	Resolve      ResolveMode
}

// RunPage is one page of runs with a cursor to the next.
type RunPage struct {
	Runs       []*Run `json:"runs"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// StepFilter selects and pages a run's steps.
type StepFilter struct {
	Cursor  string
	Limit   int
	Resolve ResolveMode
}

// StepPage is one page of steps with a cursor to the next.
type StepPage struct {
	Steps      []*Step `json:"steps"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// EventFilter selects and pages a run's events. Cursors are event IDs, so
// pages are stable under concurrent appends.
type EventFilter struct {
	Cursor  string
	Limit   int
	Resolve ResolveMode
}

// EventPage is one page of events with a cursor to the next.
type EventPage struct {
	Events     []*Event `json:"events"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// QueueMessage is one unit of work on a workflow or step queue.
type QueueMessage struct {
	// Queue is the destination topic: "workflow.<name>" or "step.<name>".
	Queue string `json:"queue"`

	// RunID identifies the run the message belongs to.
	RunID string `json:"run_id"`

	// StepID is set for step queue messages.
	StepID string `json:"step_id,omitempty"`

	// TraceContext carries W3C trace propagation headers.
	TraceContext map[string]string `json:"trace_context,omitempty"`

	// RequestedAt is when the message was enqueued, for queue-overhead
	// telemetry.
	RequestedAt time.Time `json:"requested_at"`

	// Delay defers the first delivery. Used by wait timers and retry gates.
	Delay time.Duration `json:"delay,omitempty"`
}

// StreamChunk is one read from a run-scoped stream.
type StreamChunk struct {
	StreamID string `json:"stream_id"`
	Cursor   int    `json:"cursor"`
	Data     []byte `json:"data,omitempty"`
	Closed   bool   `json:"closed"`
}
