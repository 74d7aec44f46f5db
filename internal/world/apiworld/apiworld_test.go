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

package apiworld

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
)

func newTestWorld(t *testing.T, handler http.Handler) *World {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	w, err := New(Config{URL: srv.URL, Token: "tok_test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return w
}

func TestBearerTokenInjected(t *testing.T) {
	var gotAuth string
	w := newTestWorld(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(rw).Encode(map[string]string{"deployment_id": "dpl_1"})
	}))

	id, err := w.DeploymentID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dpl_1", id)
	assert.Equal(t, "Bearer tok_test", gotAuth)
}

func TestGetRunDecodesEntity(t *testing.T) {
	w := newTestWorld(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/world/runs/run_1", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("resolve"))
		json.NewEncoder(rw).Encode(&world.Run{
			RunID:        "run_1",
			WorkflowName: "order",
			Status:       world.RunRunning,
		})
	}))

	run, err := w.GetRun(context.Background(), "run_1", world.ResolveAll)
	require.NoError(t, err)
	assert.Equal(t, "order", run.WorkflowName)
	assert.Equal(t, world.RunRunning, run.Status)
}

func TestStatusMapsToBehavioralKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"404 is not found", http.StatusNotFound, func(t *testing.T, err error) {
			assert.True(t, errors.IsNotFound(err))
		}},
		{"410 is terminal conflict", http.StatusGone, func(t *testing.T, err error) {
			assert.True(t, errors.IsTerminalConflict(err))
		}},
		{"503 is retryable api error", http.StatusServiceUnavailable, func(t *testing.T, err error) {
			var api *errors.APIError
			require.ErrorAs(t, err, &api)
			assert.True(t, api.IsRetryable())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorld(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				rw.WriteHeader(tt.status)
				json.NewEncoder(rw).Encode(map[string]any{
					"error": map[string]string{"code": "X", "message": "run_1"},
				})
			}))
			_, err := w.GetRun(context.Background(), "run_1", world.ResolveNone)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestCreateEventWireShape(t *testing.T) {
	var got createEventRequest
	w := newTestWorld(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/world/events", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(rw).Encode(&world.EventResult{
			Event: &world.Event{RunID: "run_1", EventID: "ev_01", EventType: world.EventStepCompleted},
		})
	}))

	result, err := w.CreateEvent(context.Background(), "run_1", world.NewEvent{
		Type:          world.EventStepCompleted,
		CorrelationID: "step_1",
		Data:          json.RawMessage(`{"output":"ok"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ev_01", result.Event.EventID)
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, world.EventStepCompleted, got.Event.Type)
	assert.Equal(t, "step_1", got.Event.CorrelationID)
}

func TestListRunsQueryAndPage(t *testing.T) {
	w := newTestWorld(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "order", q.Get("workflow_name"))
		assert.Equal(t, "running", q.Get("status"))
		assert.Equal(t, "run_5", q.Get("cursor"))
		assert.Equal(t, "10", q.Get("limit"))
		json.NewEncoder(rw).Encode(&world.RunPage{
			Runs:       []*world.Run{{RunID: "run_6"}},
			NextCursor: "run_6",
		})
	}))

	page, err := w.ListRuns(context.Background(), world.RunFilter{
		WorkflowName: "order",
		Status:       world.RunRunning,
		Cursor:       "run_5",
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, "run_6", page.NextCursor)
}

func TestStreamRoundTrip(t *testing.T) {
	w := newTestWorld(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/world/runs/run_1/streams/out":
			var body struct {
				Data []byte `json:"data"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []byte("alpha"), body.Data)
			rw.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/world/runs/run_1/streams/out":
			assert.Equal(t, "0", r.URL.Query().Get("cursor"))
			json.NewEncoder(rw).Encode(&world.StreamChunk{
				StreamID: "out", Cursor: 0, Data: []byte("alpha"),
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/world/runs/run_1/streams/out/close":
			rw.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	ctx := context.Background()
	require.NoError(t, w.WriteStream(ctx, "run_1", "out", []byte("alpha")))

	chunk, err := w.ReadStream(ctx, "run_1", "out", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), chunk.Data)

	require.NoError(t, w.CloseStream(ctx, "run_1", "out"))
}

func TestEnqueuePostsMessage(t *testing.T) {
	var got world.QueueMessage
	w := newTestWorld(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/world/queue", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		rw.WriteHeader(http.StatusAccepted)
	}))

	err := w.Enqueue(context.Background(), world.QueueMessage{
		Queue: "workflow.order", RunID: "run_1", Delay: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "workflow.order", got.Queue)
	assert.Equal(t, time.Minute, got.Delay)
}
