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

package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/world"
)

// openTestAdapter starts a throwaway postgres container. Gated behind
// REWIND_TEST_POSTGRES so the suite stays green without Docker.
func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	if os.Getenv("REWIND_TEST_POSTGRES") == "" {
		t.Skip("set REWIND_TEST_POSTGRES=1 to run postgres integration tests")
	}

	ctx := context.Background()
	container, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("rewind_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	a, err := Open(Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func testRun(id string) *world.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &world.Run{
		RunID:        id,
		WorkflowName: "order",
		SpecVersion:  world.SpecVersion,
		Input:        []json.RawMessage{json.RawMessage(`{"sku":"a1"}`)},
		Status:       world.RunPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testStep(runID, stepID string) *world.Step {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &world.Step{
		RunID:     runID,
		StepID:    stepID,
		StepName:  "charge",
		Status:    world.StepPending,
		Input:     world.StepInput{Args: []json.RawMessage{json.RawMessage(`5`)}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAdapter(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	t.Run("run round trip", func(t *testing.T) {
		run := testRun("run_rt")
		require.NoError(t, a.InsertRun(ctx, run))

		got, err := a.GetRun(ctx, "run_rt")
		require.NoError(t, err)
		assert.Equal(t, run.WorkflowName, got.WorkflowName)
		assert.Equal(t, run.Status, got.Status)
		assert.JSONEq(t, `{"sku":"a1"}`, string(got.Input[0]))
		assert.True(t, run.CreatedAt.Equal(got.CreatedAt))

		assert.ErrorIs(t, a.InsertRun(ctx, run), store.ErrExists)

		_, err = a.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list runs with cursor", func(t *testing.T) {
		for _, id := range []string{"run_l1", "run_l2", "run_l3"} {
			require.NoError(t, a.InsertRun(ctx, testRun(id)))
		}

		page, err := a.ListRuns(ctx, world.RunFilter{WorkflowName: "order", Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Runs, 2)
		assert.NotEmpty(t, page.NextCursor)

		page, err = a.ListRuns(ctx, world.RunFilter{WorkflowName: "order", Cursor: page.NextCursor, Limit: 10})
		require.NoError(t, err)
		assert.NotEmpty(t, page.Runs)
		assert.Empty(t, page.NextCursor)
	})

	t.Run("update step if live", func(t *testing.T) {
		step := testStep("run_s1", "step_1")
		require.NoError(t, a.InsertStep(ctx, step))

		step.Status = world.StepCompleted
		step.Output = json.RawMessage(`"done"`)
		changed, err := a.UpdateStepIfLive(ctx, step)
		require.NoError(t, err)
		assert.True(t, changed)

		step.Output = json.RawMessage(`"overwritten"`)
		changed, err = a.UpdateStepIfLive(ctx, step)
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := a.GetStep(ctx, "run_s1", "step_1")
		require.NoError(t, err)
		assert.JSONEq(t, `"done"`, string(got.Output))
	})

	t.Run("hook token unique", func(t *testing.T) {
		now := time.Now().UTC()
		hook := &world.Hook{RunID: "run_h1", HookID: "hook_1", Token: "tok_abc", CreatedAt: now}
		require.NoError(t, a.InsertHook(ctx, hook))

		dup := &world.Hook{RunID: "run_h2", HookID: "hook_2", Token: "tok_abc", CreatedAt: now}
		assert.ErrorIs(t, a.InsertHook(ctx, dup), store.ErrTokenExists)

		got, err := a.GetHookByToken(ctx, "tok_abc")
		require.NoError(t, err)
		assert.Equal(t, "hook_1", got.HookID)

		require.NoError(t, a.DeleteHooksByRun(ctx, "run_h1"))
		_, err = a.GetHookByToken(ctx, "tok_abc")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("events ordered with cursor", func(t *testing.T) {
		now := time.Now().UTC()
		for _, id := range []string{"ev_01", "ev_02", "ev_03"} {
			require.NoError(t, a.AppendEvent(ctx, &world.Event{
				RunID:       "run_e1",
				EventID:     id,
				EventType:   world.EventRunStarted,
				CreatedAt:   now,
				SpecVersion: world.SpecVersion,
			}))
		}

		page, err := a.ListEvents(ctx, "run_e1", world.EventFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Events, 2)
		assert.Equal(t, "ev_01", page.Events[0].EventID)
		assert.Equal(t, "ev_02", page.NextCursor)

		page, err = a.ListEvents(ctx, "run_e1", world.EventFilter{Cursor: "ev_02"})
		require.NoError(t, err)
		require.Len(t, page.Events, 1)
		assert.Equal(t, "ev_03", page.Events[0].EventID)
	})

	t.Run("tx rolls back", func(t *testing.T) {
		err := a.Tx(ctx, func(r store.Rows) error {
			if err := r.InsertRun(ctx, testRun("run_tx")); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		_, err = a.GetRun(ctx, "run_tx")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("expire runs drops payloads", func(t *testing.T) {
		run := testRun("run_old")
		run.Status = world.RunCompleted
		run.Output = json.RawMessage(`"result"`)
		done := time.Now().Add(-48 * time.Hour).UTC()
		run.CompletedAt = &done
		require.NoError(t, a.InsertRun(ctx, run))
		require.NoError(t, a.InsertStep(ctx, testStep("run_old", "step_1")))

		n, err := a.ExpireRuns(ctx, time.Now().Add(-24*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := a.GetRun(ctx, "run_old")
		require.NoError(t, err)
		assert.Nil(t, got.Output)
		assert.Nil(t, got.Input)
		assert.NotNil(t, got.ExpiredAt)
		assert.Equal(t, world.RunCompleted, got.Status)

		n, err = a.ExpireRuns(ctx, time.Now().Add(-24*time.Hour), 10)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("streams", func(t *testing.T) {
		s := a.Streams()

		require.NoError(t, s.WriteStream(ctx, "run_st", "out", []byte("alpha")))
		require.NoError(t, s.WriteStream(ctx, "run_st", "out", []byte("beta")))

		chunk, err := s.ReadStream(ctx, "run_st", "out", 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), chunk.Data)

		require.NoError(t, s.CloseStream(ctx, "run_st", "out"))
		chunk, err = s.ReadStream(ctx, "run_st", "out", 2)
		require.NoError(t, err)
		assert.True(t, chunk.Closed)

		assert.Error(t, s.WriteStream(ctx, "run_st", "out", []byte("late")))
		assert.Error(t, s.CloseStream(ctx, "run_st", "out"))

		ids, err := s.ListStreamsByRunID(ctx, "run_st")
		require.NoError(t, err)
		assert.Equal(t, []string{"out"}, ids)

		_, err = s.ReadStream(ctx, "run_st", "missing", 0)
		assert.Error(t, err)
	})
}
