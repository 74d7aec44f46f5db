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

package hooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/hooks"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/world"
	memworld "github.com/rewindworks/rewind/internal/world/memory"
	"github.com/rewindworks/rewind/pkg/errors"
)

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

func (q *captureQueue) drain() []world.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.msgs
	q.msgs = nil
	return msgs
}

// setup creates a running run with one live hook under the given token.
func setup(t *testing.T, token string, opts hooks.Options) (*hooks.Manager, *store.World, *captureQueue, string) {
	t.Helper()
	q := &captureQueue{}
	w := store.New(memworld.New(), memworld.NewStreams(), q, store.Options{})
	t.Cleanup(func() { w.Close() })

	ctx := context.Background()
	data, err := json.Marshal(world.RunCreatedData{WorkflowName: "workflow//pay//Main"})
	require.NoError(t, err)
	created, err := w.CreateEvent(ctx, "", world.NewEvent{Type: world.EventRunCreated, Data: data})
	require.NoError(t, err)
	runID := created.Run.RunID
	_, err = w.CreateEvent(ctx, runID, world.NewEvent{Type: world.EventRunStarted})
	require.NoError(t, err)

	hookData, err := json.Marshal(world.HookCreatedData{Token: token})
	require.NoError(t, err)
	_, err = w.CreateEvent(ctx, runID, world.NewEvent{
		Type:          world.EventHookCreated,
		CorrelationID: "hook#1",
		Data:          hookData,
	})
	require.NoError(t, err)
	q.drain()

	return hooks.New(w, opts), w, q, runID
}

func TestReceiveResumesRun(t *testing.T) {
	m, w, q, runID := setup(t, "tok-pay", hooks.Options{})
	ctx := context.Background()

	receipt, err := m.Receive(ctx, "tok-pay", []byte(`{"approved":true}`), "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, runID, receipt.RunID)
	assert.Equal(t, "hook#1", receipt.HookID)
	assert.JSONEq(t, `{"approved":true}`, string(receipt.Payload))

	// The delivery is on the log and the orchestrator was woken.
	events, err := w.ListEventsByCorrelationID(ctx, runID, "hook#1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, world.EventHookReceived, events[1].EventType)

	msgs := q.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, queue.WorkflowTopic("workflow//pay//Main"), msgs[0].Queue)
	assert.Equal(t, runID, msgs[0].RunID)
}

func TestReceiveUnknownToken(t *testing.T) {
	m, _, q, _ := setup(t, "tok-real", hooks.Options{})

	_, err := m.Receive(context.Background(), "tok-guess", []byte(`{}`), "application/json", nil)
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, q.drain())
}

func TestReceiveNonJSONWrapsAsString(t *testing.T) {
	m, _, _, _ := setup(t, "tok-x", hooks.Options{})

	receipt, err := m.Receive(context.Background(), "tok-x", []byte("PAYMENT OK"), "text/plain", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"PAYMENT OK"`, string(receipt.Payload))
}

func TestReceiveEmptyBody(t *testing.T) {
	m, _, _, _ := setup(t, "tok-x", hooks.Options{})

	receipt, err := m.Receive(context.Background(), "tok-x", nil, "", nil)
	require.NoError(t, err)
	assert.Empty(t, receipt.Payload)
}

func TestReceivePayloadSelector(t *testing.T) {
	m, _, _, _ := setup(t, "tok-x", hooks.Options{PayloadSelector: ".data.amount"})

	receipt, err := m.Receive(context.Background(), "tok-x",
		[]byte(`{"data":{"amount":1299,"currency":"usd"},"noise":true}`), "application/json", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `1299`, string(receipt.Payload))
}

func TestReceivePayloadCap(t *testing.T) {
	m, _, q, _ := setup(t, "tok-x", hooks.Options{MaxPayload: 16})

	_, err := m.Receive(context.Background(), "tok-x", []byte(`{"way":"too large for the cap"}`), "application/json", nil)
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "payload", ve.Field)
	assert.Empty(t, q.drain())
}

func TestReceiveRecordsHeaders(t *testing.T) {
	m, w, _, runID := setup(t, "tok-x", hooks.Options{})
	ctx := context.Background()

	headers := http.Header{
		"Content-Type":    {"application/json"},
		"X-Event-Id":      {"evt_789"},
		"Authorization":   {"Bearer hunter2"},
		"Cookie":          {"session=abc"},
		"X-Forwarded-For": {"10.0.0.1", "10.0.0.2"},
	}
	_, err := m.Receive(ctx, "tok-x", []byte(`{}`), "application/json", headers)
	require.NoError(t, err)

	events, err := w.ListEventsByCorrelationID(ctx, runID, "hook#1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	var data world.HookReceivedData
	require.NoError(t, json.Unmarshal(events[1].EventData, &data))
	assert.Equal(t, []string{"evt_789"}, data.Headers["X-Event-Id"])
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, data.Headers["X-Forwarded-For"])
	assert.NotContains(t, data.Headers, "Authorization")
	assert.NotContains(t, data.Headers, "Cookie")
}

func TestReceiveAfterRunTerminal(t *testing.T) {
	m, w, _, runID := setup(t, "tok-x", hooks.Options{})
	ctx := context.Background()

	// Terminal transition sweeps the hook; a late webhook gets 404.
	_, err := w.CancelRun(ctx, runID)
	require.NoError(t, err)

	_, err = m.Receive(ctx, "tok-x", []byte(`{}`), "application/json", nil)
	assert.True(t, errors.IsNotFound(err))
}
