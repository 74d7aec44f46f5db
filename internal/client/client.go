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

// Package client is the HTTP client for a daemon's admin API, used by the
// operator CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
)

// DefaultBaseURL is the daemon address the CLI assumes when none is given.
const DefaultBaseURL = "http://localhost:8080"

// Client talks to a daemon's admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the daemon address.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithToken sets the bearer token for admin endpoints.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client.
func New(opts ...Option) *Client {
	c := &Client{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// StartRunRequest is the POST /v1/runs body.
type StartRunRequest struct {
	WorkflowName     string                     `json:"workflow_name"`
	Input            []json.RawMessage          `json:"input,omitempty"`
	ExecutionContext map[string]json.RawMessage `json:"execution_context,omitempty"`
}

// StartRun submits a new run.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*world.Run, error) {
	var run world.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", nil, req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run with payloads resolved.
func (c *Client) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	var run world.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns pages through runs.
func (c *Client) ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error) {
	q := url.Values{}
	if filter.WorkflowName != "" {
		q.Set("workflow_name", filter.WorkflowName)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Cursor != "" {
		q.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var page world.RunPage
	if err := c.do(ctx, http.MethodGet, "/v1/runs", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CancelRun requests cancellation and returns the current run state.
func (c *Client) CancelRun(ctx context.Context, runID string) (*world.Run, error) {
	var run world.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListEvents pages through a run's event log.
func (c *Client) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	q := url.Values{}
	if filter.Cursor != "" {
		q.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Resolve == world.ResolveAll {
		q.Set("resolve_data", string(world.ResolveAll))
	}
	var page world.EventPage
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/events", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListSteps pages through a run's steps.
func (c *Client) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error) {
	q := url.Values{}
	if filter.Cursor != "" {
		q.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var page world.StepPage
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/steps", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListHooks returns a run's live hooks.
func (c *Client) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	var body struct {
		Hooks []*world.Hook `json:"hooks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/hooks", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Hooks, nil
}

// WebhookReceipt is what the webhook endpoint returns for an accepted
// delivery.
type WebhookReceipt struct {
	RunID   string          `json:"run_id"`
	HookID  string          `json:"hook_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Send posts a payload to a webhook token.
func (c *Client) Send(ctx context.Context, token string, payload []byte, contentType string) (*WebhookReceipt, error) {
	u := c.baseURL + "/.well-known/workflow/v1/webhook/" + url.PathEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(resp)
	}
	var receipt WebhookReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("client: decode receipt: %w", err)
	}
	return &receipt, nil
}

// Version reports the daemon's build and spec versions.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if err := c.do(ctx, http.MethodGet, "/v1/version", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports daemon health, including queue depth when available.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do issues one JSON request against the admin API.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// readError maps a non-2xx response onto the behavioral error kinds.
func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Error string `json:"error"`
	}
	message := ""
	if json.Unmarshal(data, &envelope) == nil {
		message = envelope.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return errors.FromStatus(resp.StatusCode, "", message)
}
