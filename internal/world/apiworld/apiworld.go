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

// Package apiworld is the hosted-world client: a World implementation that
// proxies every operation to a remote world API over HTTPS with bearer
// credentials. Error statuses map back onto the behavioral kinds, so the
// engine classifies remote failures exactly like local ones.
package apiworld

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
)

// Config configures the hosted-world client.
type Config struct {
	// URL is the world API base, e.g. "https://api.rewindworks.dev".
	URL string

	// Token is the bearer credential.
	Token string

	// Timeout is the per-request timeout. Default 30s. Blocking stream
	// reads use the request context instead.
	Timeout time.Duration

	// HTTPClient overrides the constructed client. Used by tests.
	HTTPClient *http.Client
}

// World is the HTTP-backed world.
type World struct {
	base   *url.URL
	client *http.Client
}

var _ world.World = (*World)(nil)

// New builds the client. The token rides in an oauth2 static source so the
// transport injects Authorization on every request.
func New(cfg Config) (*World, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("apiworld: base URL is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("apiworld: parse base URL: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		client = &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
				Base:   transport,
			},
			Timeout: timeout,
		}
	}

	return &World{base: base, client: client}, nil
}

// errorEnvelope is the world API's error body.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do issues a JSON request and decodes a JSON response into out (when
// non-nil). Non-2xx statuses map onto the behavioral error kinds.
func (w *World) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := w.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiworld: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("apiworld: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("apiworld: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env errorEnvelope
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &env)
		msg := env.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return errors.FromStatus(resp.StatusCode, env.Error.Code, msg)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("apiworld: decode response: %w", err)
	}
	return nil
}

// DeploymentID identifies the remote deployment.
func (w *World) DeploymentID(ctx context.Context) (string, error) {
	var body struct {
		DeploymentID string `json:"deployment_id"`
	}
	if err := w.do(ctx, http.MethodGet, "/v1/world/deployment", nil, nil, &body); err != nil {
		return "", err
	}
	return body.DeploymentID, nil
}

func resolveQuery(mode world.ResolveMode) url.Values {
	if mode == "" {
		return nil
	}
	return url.Values{"resolve": {string(mode)}}
}

// GetRun retrieves a run by ID.
func (w *World) GetRun(ctx context.Context, runID string, mode world.ResolveMode) (*world.Run, error) {
	var run world.Run
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID, resolveQuery(mode), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs with optional filtering and cursor pagination.
func (w *World) ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error) {
	query := url.Values{}
	if filter.WorkflowName != "" {
		query.Set("workflow_name", filter.WorkflowName)
	}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.Cursor != "" {
		query.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Resolve != "" {
		query.Set("resolve", string(filter.Resolve))
	}

	var page world.RunPage
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CancelRun emits run_cancelled for the run.
func (w *World) CancelRun(ctx context.Context, runID string) (*world.Run, error) {
	var run world.Run
	if err := w.do(ctx, http.MethodPost, "/v1/world/runs/"+runID+"/cancel", nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetStep retrieves a step by run and step ID.
func (w *World) GetStep(ctx context.Context, runID, stepID string, mode world.ResolveMode) (*world.Step, error) {
	var step world.Step
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/steps/"+stepID, resolveQuery(mode), nil, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// ListSteps lists a run's steps with cursor pagination.
func (w *World) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error) {
	query := url.Values{}
	if filter.Cursor != "" {
		query.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Resolve != "" {
		query.Set("resolve", string(filter.Resolve))
	}

	var page world.StepPage
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/steps", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// createEventRequest is the CreateEvent wire shape. RunID rides in the body
// because run_created may arrive before a run ID exists.
type createEventRequest struct {
	RunID string         `json:"run_id,omitempty"`
	Event world.NewEvent `json:"event"`
}

// CreateEvent appends an event through the remote single write path.
func (w *World) CreateEvent(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	var result world.EventResult
	req := createEventRequest{RunID: runID, Event: ev}
	if err := w.do(ctx, http.MethodPost, "/v1/world/events", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListEvents returns a run's events ordered by event ID.
func (w *World) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	query := url.Values{}
	if filter.Cursor != "" {
		query.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Resolve != "" {
		query.Set("resolve", string(filter.Resolve))
	}

	var page world.EventPage
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/events", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListEventsByCorrelationID returns a run's events for one step or hook.
func (w *World) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*world.Event, error) {
	query := url.Values{"correlation_id": {correlationID}}
	var body struct {
		Events []*world.Event `json:"events"`
	}
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/events", query, nil, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// GetHook retrieves a hook by run and hook ID.
func (w *World) GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error) {
	var hook world.Hook
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/hooks/"+hookID, nil, nil, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

// GetHookByToken retrieves a live hook by its token.
func (w *World) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	var hook world.Hook
	if err := w.do(ctx, http.MethodGet, "/v1/world/hooks/"+url.PathEscape(token), nil, nil, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

// ListHooks lists a run's live hooks.
func (w *World) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	var body struct {
		Hooks []*world.Hook `json:"hooks"`
	}
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/hooks", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Hooks, nil
}

// WriteStream appends a chunk to a stream.
func (w *World) WriteStream(ctx context.Context, runID, streamID string, data []byte) error {
	body := struct {
		Data []byte `json:"data"`
	}{Data: data}
	return w.do(ctx, http.MethodPost, "/v1/world/runs/"+runID+"/streams/"+streamID, nil, body, nil)
}

// ReadStream returns the chunk at cursor. The server long-polls open
// streams, so the request blocks until data arrives or ctx expires.
func (w *World) ReadStream(ctx context.Context, runID, streamID string, cursor int) (*world.StreamChunk, error) {
	query := url.Values{"cursor": {strconv.Itoa(cursor)}}
	var chunk world.StreamChunk
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/streams/"+streamID, query, nil, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// CloseStream marks a stream complete.
func (w *World) CloseStream(ctx context.Context, runID, streamID string) error {
	return w.do(ctx, http.MethodPost, "/v1/world/runs/"+runID+"/streams/"+streamID+"/close", nil, nil, nil)
}

// ListStreamsByRunID returns the IDs of a run's streams.
func (w *World) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	var body struct {
		Streams []string `json:"streams"`
	}
	if err := w.do(ctx, http.MethodGet, "/v1/world/runs/"+runID+"/streams", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Streams, nil
}

// Enqueue submits a queue message through the remote broker.
func (w *World) Enqueue(ctx context.Context, msg world.QueueMessage) error {
	return w.do(ctx, http.MethodPost, "/v1/world/queue", nil, msg, nil)
}

// Close is a no-op; the transport pools its own connections.
func (w *World) Close() error {
	return nil
}
