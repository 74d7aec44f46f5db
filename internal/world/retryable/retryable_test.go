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

package retryable

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/world"
	rwerrors "github.com/rewindworks/rewind/pkg/errors"
)

// flakyWorld fails reads a scripted number of times before succeeding.
// Unimplemented methods panic through the embedded nil interface.
type flakyWorld struct {
	world.World
	failures int
	failWith error
	getCalls int
	writes   int
}

func (f *flakyWorld) GetRun(ctx context.Context, runID string, mode world.ResolveMode) (*world.Run, error) {
	f.getCalls++
	if f.getCalls <= f.failures {
		return nil, f.failWith
	}
	return &world.Run{RunID: runID, Status: world.RunRunning}, nil
}

func (f *flakyWorld) CreateEvent(ctx context.Context, runID string, ev world.NewEvent) (*world.EventResult, error) {
	f.writes++
	return nil, f.failWith
}

func fastPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		MinBackoff: time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	}
}

func TestReadRetriesTransientFailure(t *testing.T) {
	inner := &flakyWorld{
		failures: 2,
		failWith: &rwerrors.APIError{Status: 503, Message: "upstream unavailable"},
	}
	w := Wrap(inner, fastPolicy())

	run, err := w.GetRun(context.Background(), "run_1", world.ResolveNone)
	require.NoError(t, err)
	assert.Equal(t, "run_1", run.RunID)
	assert.Equal(t, 3, inner.getCalls)
}

func TestReadDoesNotRetryNotFound(t *testing.T) {
	inner := &flakyWorld{
		failures: 5,
		failWith: &rwerrors.NotFoundError{Resource: "run", ID: "run_1"},
	}
	w := Wrap(inner, fastPolicy())

	_, err := w.GetRun(context.Background(), "run_1", world.ResolveNone)
	assert.True(t, rwerrors.IsNotFound(err))
	assert.Equal(t, 1, inner.getCalls)
}

func TestReadGivesUpAfterBudget(t *testing.T) {
	inner := &flakyWorld{
		failures: 100,
		failWith: &rwerrors.APIError{Status: 500},
	}
	w := Wrap(inner, fastPolicy())

	_, err := w.GetRun(context.Background(), "run_1", world.ResolveNone)
	var apiErr *rwerrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 4, inner.getCalls, "MaxRetries 3 = 4 attempts")
}

func TestWritesPassThrough(t *testing.T) {
	inner := &flakyWorld{failWith: &rwerrors.APIError{Status: 503}}
	w := Wrap(inner, fastPolicy())

	_, err := w.CreateEvent(context.Background(), "run_1", world.NewEvent{Type: world.EventRunStarted})
	require.Error(t, err)
	assert.Equal(t, 1, inner.writes, "writes must never retry")
}

func TestRetryCancelledContext(t *testing.T) {
	inner := &flakyWorld{
		failures: 100,
		failWith: &rwerrors.APIError{Status: 503},
	}
	w := Wrap(inner, Policy{MaxRetries: 10, MinBackoff: 50 * time.Millisecond, MaxBackoff: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := w.GetRun(ctx, "run_1", world.ResolveNone)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"api 500", &rwerrors.APIError{Status: 500}, true},
		{"api 502", &rwerrors.APIError{Status: 502}, true},
		{"api 429", &rwerrors.APIError{Status: 429}, true},
		{"api 408", &rwerrors.APIError{Status: 408}, true},
		{"api 404", &rwerrors.APIError{Status: 404}, false},
		{"api 400", &rwerrors.APIError{Status: 400}, false},
		{"timeout", &rwerrors.TimeoutError{Operation: "get"}, true},
		{"not found", &rwerrors.NotFoundError{Resource: "run", ID: "r"}, false},
		{"validation", &rwerrors.ValidationError{Field: "x"}, false},
		{"terminal conflict", &rwerrors.TerminalConflictError{Resource: "run", ID: "r"}, false},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"broken pipe", syscall.EPIPE, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
