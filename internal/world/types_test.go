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
	"testing"
)

func TestRunStatusTerminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunPending, false},
		{RunRunning, false},
		{RunCompleted, true},
		{RunFailed, true},
		{RunCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("RunStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestStepStatusTerminal(t *testing.T) {
	tests := []struct {
		status StepStatus
		want   bool
	}{
		{StepPending, false},
		{StepRunning, false},
		{StepCompleted, true},
		{StepFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("StepStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestEventTypeValid(t *testing.T) {
	valid := []EventType{
		EventRunCreated, EventRunStarted, EventRunCompleted, EventRunFailed, EventRunCancelled,
		EventStepCreated, EventStepStarted, EventStepCompleted, EventStepFailed, EventStepRetrying,
		EventHookCreated, EventHookReceived, EventHookConflict, EventHookDisposed,
		EventWaitCreated, EventWaitCompleted,
	}
	for _, et := range valid {
		if !et.Valid() {
			t.Errorf("EventType(%q) should be valid", et)
		}
	}

	for _, et := range []EventType{"", "run_resumed", "step_paused", "RUN_CREATED"} {
		if et.Valid() {
			t.Errorf("EventType(%q) should be invalid", et)
		}
	}
}

func TestErrorValueUnmarshalStructured(t *testing.T) {
	var ev ErrorValue
	data := []byte(`{"message":"boom","stack":"at line 3","code":"E_BOOM"}`)
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Message != "boom" || ev.Stack != "at line 3" || ev.Code != "E_BOOM" {
		t.Errorf("unexpected fields: %+v", ev)
	}
}

func TestErrorValueUnmarshalLegacyString(t *testing.T) {
	var ev ErrorValue
	if err := json.Unmarshal([]byte(`"plain failure"`), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Message != "plain failure" {
		t.Errorf("legacy string should coerce into Message, got %+v", ev)
	}
	if ev.Stack != "" || ev.Code != "" {
		t.Errorf("legacy string should leave other fields empty, got %+v", ev)
	}
}

func TestErrorValueImplementsError(t *testing.T) {
	var err error = &ErrorValue{Message: "bad state"}
	if err.Error() != "bad state" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"0.9.0", "1.0.0", -1},
		{"1.0.1", "1.0.0", 1},
		{"2.0.0", "1.9.9", 1},
		{"0.5.0", "0.6.0", -1},
		{"10.0.0", "9.0.0", 1},
	}

	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestVersionGates(t *testing.T) {
	if NewerThanRuntime("") {
		t.Error("empty version should not be newer than runtime")
	}
	if !NewerThanRuntime("99.0.0") {
		t.Error("future version should be newer than runtime")
	}
	if NewerThanRuntime(SpecVersion) {
		t.Error("current version should not be newer than runtime")
	}

	if !PreEventSourcing("0.5.9") {
		t.Error("0.5.9 should predate event sourcing")
	}
	if PreEventSourcing(MinEventSourcedVersion) {
		t.Error("the threshold version itself is event sourced")
	}
	if PreEventSourcing("") {
		t.Error("empty version should not route to the legacy handler")
	}
}
