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

package serde

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/pkg/errors"
)

func TestDehydrate(t *testing.T) {
	raw, err := Dehydrate(map[string]any{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 1}`, string(raw))

	raw, err = Dehydrate(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestDehydrateUnserializableIsFatal(t *testing.T) {
	_, err := Dehydrate(make(chan int))
	assert.True(t, errors.IsFatal(err), "authoring errors must not be retried")
}

func TestDehydrateArgs(t *testing.T) {
	out, err := DehydrateArgs([]any{1, "two", nil})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.JSONEq(t, `1`, string(out[0]))
	assert.JSONEq(t, `"two"`, string(out[1]))
	assert.Nil(t, out[2])
}

func TestDehydrateArgsNamesOffendingArgument(t *testing.T) {
	_, err := DehydrateArgs([]any{1, make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argument 1")
	assert.True(t, errors.IsFatal(err))
}

func TestDehydrateVars(t *testing.T) {
	out, err := DehydrateVars(map[string]any{"amount": 1299, "note": "ok"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.JSONEq(t, `1299`, string(out["amount"]))
	assert.JSONEq(t, `"ok"`, string(out["note"]))

	out, err = DehydrateVars(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDehydrateVarsNamesOffendingVariable(t *testing.T) {
	_, err := DehydrateVars(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `variable "bad"`)
	assert.True(t, errors.IsFatal(err))
}
