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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestDeliveryMiddlewareSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	mw := NewDeliveryMiddleware(logger)

	d := &Delivery{
		Queue:       "workflow.workflow//math//addTen",
		RunID:       "run-1",
		Attempt:     1,
		RequestedAt: time.Now().Add(-5 * time.Millisecond),
	}

	delay, err := mw.Handle(d, func() (time.Duration, error) {
		return 0, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delay != 0 {
		t.Fatalf("unexpected delay: %v", delay)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0]["msg"] != "delivery received" {
		t.Errorf("first entry should be the delivery, got %v", entries[0]["msg"])
	}
	if entries[1]["msg"] != "delivery completed" {
		t.Errorf("second entry should be the completion, got %v", entries[1]["msg"])
	}
	if entries[1][QueueKey] != d.Queue {
		t.Errorf("queue field missing from outcome entry: %v", entries[1])
	}
}

func TestDeliveryMiddlewareDefer(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	mw := NewDeliveryMiddleware(logger)

	d := &Delivery{Queue: "step.step//math//add", RunID: "run-1", StepID: "step-1", Attempt: 2}

	delay, err := mw.Handle(d, func() (time.Duration, error) {
		return 30 * time.Second, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delay != 30*time.Second {
		t.Fatalf("delay not passed through, got %v", delay)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[1]["msg"] != "delivery deferred" {
		t.Errorf("expected deferred outcome, got %v", entries[1]["msg"])
	}
	if entries[1]["defer_ms"] != float64(30000) {
		t.Errorf("expected defer_ms 30000, got %v", entries[1]["defer_ms"])
	}
	if entries[1][StepIDKey] != "step-1" {
		t.Errorf("expected step_id in outcome, got %v", entries[1])
	}
}

func TestDeliveryMiddlewareError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	mw := NewDeliveryMiddleware(logger)

	d := &Delivery{Queue: "workflow.w", RunID: "run-1", Attempt: 1}
	handlerErr := errors.New("store unavailable")

	_, err := mw.Handle(d, func() (time.Duration, error) {
		return 0, handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error passed through, got %v", err)
	}

	entries := decodeLines(t, &buf)
	if entries[len(entries)-1]["msg"] != "delivery failed" {
		t.Errorf("expected failure entry, got %v", entries[len(entries)-1]["msg"])
	}
	if entries[len(entries)-1]["error"] != "store unavailable" {
		t.Errorf("expected error message, got %v", entries[len(entries)-1]["error"])
	}
}
