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

package jq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	e := NewExecutor(0, 0)
	ctx := context.Background()

	tests := []struct {
		name    string
		program string
		data    any
		want    any
	}{
		{"identity on empty program", "", map[string]any{"a": 1}, map[string]any{"a": 1}},
		{"field extraction", ".foo", map[string]any{"foo": "bar"}, "bar"},
		{"nested path", ".a.b", map[string]any{"a": map[string]any{"b": 2}}, 2},
		{"missing field yields nil", ".absent", map[string]any{}, nil},
		{"array map", "map(.x)", []any{map[string]any{"x": 1}, map[string]any{"x": 2}}, []any{1, 2}},
		{"multiple outputs collect", ".[]", []any{"a", "b"}, []any{"a", "b"}},
		{"zero outputs yield nil", "empty", map[string]any{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Execute(ctx, tt.program, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteBadProgram(t *testing.T) {
	e := NewExecutor(0, 0)

	_, err := e.Execute(context.Background(), ".[", map[string]any{})
	assert.ErrorContains(t, err, "parse")
}

func TestExecuteRuntimeError(t *testing.T) {
	e := NewExecutor(0, 0)

	_, err := e.Execute(context.Background(), ".foo", "not an object")
	assert.Error(t, err)
}

func TestExecuteTimeout(t *testing.T) {
	e := NewExecutor(50*time.Millisecond, 0)

	_, err := e.Execute(context.Background(), "while(true; . + 1)", 0)
	assert.ErrorContains(t, err, "timeout")
}

func TestExecuteInputCap(t *testing.T) {
	e := NewExecutor(0, 8)

	_, err := e.Execute(context.Background(), ".", map[string]any{"big": "payload"})
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestValidate(t *testing.T) {
	e := NewExecutor(0, 0)

	assert.NoError(t, e.Validate(""))
	assert.NoError(t, e.Validate(".foo | select(. != null)"))
	assert.Error(t, e.Validate(".["))
}

func TestProgramCacheReuse(t *testing.T) {
	e := NewExecutor(0, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := e.Execute(ctx, ".n", map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.programs, 1)
}
