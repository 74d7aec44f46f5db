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

// Package hooks resumes suspended runs from webhook deliveries: token
// lookup, optional payload selection, the hook_received write, and the
// orchestrator wake that follows it.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rewindworks/rewind/internal/jq"
	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
)

// DefaultMaxPayload caps webhook bodies at 1 MiB unless configured
// otherwise.
const DefaultMaxPayload = 1 << 20

// Options configures a Manager.
type Options struct {
	// PayloadSelector is an optional jq program applied to JSON webhook
	// bodies; its output becomes the resume value.
	PayloadSelector string

	// MaxPayload caps webhook body size in bytes. Defaults to
	// DefaultMaxPayload.
	MaxPayload int

	// Logger receives delivery diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Manager handles webhook deliveries addressed to hook tokens.
type Manager struct {
	w          world.World
	selector   string
	jq         *jq.Executor
	maxPayload int
	logger     *slog.Logger
}

// Receipt describes an accepted webhook delivery.
type Receipt struct {
	// RunID is the run the hook belongs to.
	RunID string `json:"run_id"`

	// HookID is the resumed hook.
	HookID string `json:"hook_id"`

	// Payload is the resume value recorded for the hook, after any
	// configured selector.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New creates a hook manager over a world.
func New(w world.World, opts Options) *Manager {
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var executor *jq.Executor
	if opts.PayloadSelector != "" {
		executor = jq.NewExecutor(0, int64(maxPayload))
	}
	return &Manager{
		w:          w,
		selector:   opts.PayloadSelector,
		jq:         executor,
		maxPayload: maxPayload,
		logger:     log.WithComponent(logger, "hooks"),
	}
}

// Receive resumes the hook addressed by token with the delivered payload.
// Delivery headers are recorded alongside it, minus credential headers.
// Unknown tokens return a NotFoundError; the caller maps it to 404.
func (m *Manager) Receive(ctx context.Context, token string, payload []byte, contentType string, headers http.Header) (*Receipt, error) {
	if len(payload) > m.maxPayload {
		return nil, &errors.ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("webhook payload exceeds %d bytes", m.maxPayload),
		}
	}

	hook, err := m.w.GetHookByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	logger := log.WithHookContext(m.logger, hook.RunID, hook.HookID)

	resume, err := m.selectPayload(ctx, payload)
	if err != nil {
		return nil, &errors.ValidationError{Field: "payload", Message: err.Error()}
	}

	data, err := json.Marshal(world.HookReceivedData{
		Payload:     resume,
		ContentType: contentType,
		Headers:     recordableHeaders(headers),
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.w.CreateEvent(ctx, hook.RunID, world.NewEvent{
		Type:          world.EventHookReceived,
		CorrelationID: hook.HookID,
		Data:          data,
	}); err != nil {
		return nil, err
	}

	run, err := m.w.GetRun(ctx, hook.RunID, world.ResolveNone)
	if err != nil {
		return nil, err
	}
	if err := m.w.Enqueue(ctx, world.QueueMessage{
		Queue:        queue.WorkflowTopic(run.WorkflowName),
		RunID:        run.RunID,
		TraceContext: tracing.InjectMap(ctx),
	}); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "hook received",
		log.Int("payload_bytes", len(resume)))
	return &Receipt{RunID: hook.RunID, HookID: hook.HookID, Payload: resume}, nil
}

// sensitiveHeaders never make it into the recorded delivery.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"Cookie":              {},
	"Proxy-Authorization": {},
}

// recordableHeaders filters the delivery headers down to what is safe to
// persist on the event log.
func recordableHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string][]string, len(h))
	for name, values := range h {
		if _, skip := sensitiveHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		out[name] = values
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// selectPayload shapes the raw body into the stored resume value. Bodies
// are stored as JSON; non-JSON bodies are wrapped as a JSON string. A
// configured selector runs against the JSON form.
func (m *Manager) selectPayload(ctx context.Context, payload []byte) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		raw, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		return raw, nil
	}

	if m.jq != nil {
		selected, err := m.jq.Execute(ctx, m.selector, value)
		if err != nil {
			return nil, fmt.Errorf("payload selector: %w", err)
		}
		value = selected
	}
	return json.Marshal(value)
}
