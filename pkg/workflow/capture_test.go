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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/world"
	memworld "github.com/rewindworks/rewind/internal/world/memory"
)

type sinkQueue struct{}

func (sinkQueue) Enqueue(ctx context.Context, msg world.QueueMessage) error { return nil }

func TestStartWithRecordsCapturedVars(t *testing.T) {
	ctx := context.Background()
	w := store.New(memworld.New(), memworld.NewStreams(), sinkQueue{}, store.Options{})
	t.Cleanup(func() { w.Close() })

	created, err := w.CreateEvent(ctx, "", world.NewEvent{
		Type: world.EventRunCreated,
		Data: json.RawMessage(`{"workflow_name":"workflow//acct//Main"}`),
	})
	require.NoError(t, err)
	runID := created.Run.RunID
	_, err = w.CreateEvent(ctx, runID, world.NewEvent{Type: world.EventRunStarted})
	require.NoError(t, err)

	charge := &Step{Name: "step//acct//Charge"}
	wf := &Workflow{
		Name: "workflow//acct//Main",
		Fn: func(c *Context) (any, error) {
			return c.CallWith(charge, StartOptions{
				Args: []any{"inv_9"},
				Vars: map[string]any{"amount": 1299, "currency": "usd"},
			})
		},
	}

	run, err := w.GetRun(ctx, runID, world.ResolveAll)
	require.NoError(t, err)
	res := Replay(ctx, wf, ReplayDeps{World: w, Run: run})
	require.Equal(t, ReplaySuspended, res.Outcome)

	stepID := "step//acct//Charge#1"
	st, err := w.GetStep(ctx, runID, stepID, world.ResolveAll)
	require.NoError(t, err)
	require.Len(t, st.Input.Args, 1)
	assert.JSONEq(t, `"inv_9"`, string(st.Input.Args[0]))
	require.Len(t, st.Input.Vars, 2)
	assert.JSONEq(t, `1299`, string(st.Input.Vars["amount"]))
	assert.JSONEq(t, `"usd"`, string(st.Input.Vars["currency"]))

	// Replaying must resolve the call from the log, not re-capture it.
	res = Replay(ctx, wf, ReplayDeps{World: w, Run: run})
	require.Equal(t, ReplaySuspended, res.Outcome)
	events, err := w.ListEventsByCorrelationID(ctx, runID, stepID)
	require.NoError(t, err)
	createdEvents := 0
	for _, ev := range events {
		if ev.EventType == world.EventStepCreated {
			createdEvents++
		}
	}
	assert.Equal(t, 1, createdEvents)

	// The step body reads captures back through its context.
	sc := NewStepContext(ctx, StepContextConfig{
		RunID:  runID,
		StepID: stepID,
		Input:  st.Input,
	})
	var amount int
	require.NoError(t, sc.Var("amount", &amount))
	assert.Equal(t, 1299, amount)
	assert.ElementsMatch(t, []string{"amount", "currency"}, sc.VarNames())

	var missing string
	assert.Error(t, sc.Var("absent", &missing))
}
