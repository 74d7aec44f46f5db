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

package policy_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/manifest"
	"github.com/rewindworks/rewind/internal/policy"
	"github.com/rewindworks/rewind/pkg/errors"
)

func intp(n int) *int { return &n }

func TestCompileNilManifest(t *testing.T) {
	s, err := policy.Compile(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.MaxRetries("step//a//B", 3))
}

func TestExactEntryOverridesBudget(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Steps: map[string]map[string]manifest.StepEntry{
			"billing": {
				"Charge": {StepID: "charge", MaxRetries: intp(7)},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 7, s.MaxRetries("step//billing//Charge", 3))
	assert.Equal(t, 3, s.MaxRetries("step//billing//Refund", 3))
}

func TestNegativeOverrideDisablesRetries(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//mail//**", MaxRetries: intp(-1)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, s.MaxRetries("step//mail//Send", 3))
}

func TestPatternRulesFirstMatchWins(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//billing//**", MaxRetries: intp(5)},
			{Match: "step//**", MaxRetries: intp(1)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, s.MaxRetries("step//billing//Charge", 3))
	assert.Equal(t, 1, s.MaxRetries("step//mail//Send", 3))
}

func TestExactEntryBeatsPattern(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Steps: map[string]map[string]manifest.StepEntry{
			"billing": {
				"Charge": {StepID: "charge", MaxRetries: intp(9)},
			},
		},
		Policies: []manifest.PolicyRule{
			{Match: "step//**", MaxRetries: intp(0)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 9, s.MaxRetries("step//billing//Charge", 3))
	assert.Equal(t, 0, s.MaxRetries("step//billing//Refund", 3))
}

func TestClassifyRetryIfAllows(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//**", RetryIf: "status >= 500 || status == 429"},
		},
	})
	require.NoError(t, err)

	in := &errors.APIError{Status: 503, Message: "upstream"}
	assert.Same(t, error(in), s.Classify("step//billing//Charge", 1, in))
}

func TestClassifyRetryIfRejects(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//**", RetryIf: "status >= 500"},
		},
	})
	require.NoError(t, err)

	in := &errors.APIError{Status: 404, Message: "gone"}
	out := s.Classify("step//billing//Charge", 1, in)
	assert.True(t, errors.IsFatal(out))
	assert.ErrorIs(t, out, error(in))
}

func TestClassifyAttemptLimitExpression(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//**", RetryIf: "attempt < 3"},
		},
	})
	require.NoError(t, err)

	in := stderrors.New("flaky")
	assert.False(t, errors.IsFatal(s.Classify("step//a//B", 2, in)))
	assert.True(t, errors.IsFatal(s.Classify("step//a//B", 3, in)))
}

func TestClassifyLeavesFatalAlone(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//**", RetryIf: "false"},
		},
	})
	require.NoError(t, err)

	in := &errors.FatalError{Message: "already fatal"}
	assert.Same(t, error(in), s.Classify("step//a//B", 1, in))
	assert.Nil(t, s.Classify("step//a//B", 1, nil))
}

func TestClassifyUnmatchedStepPassesThrough(t *testing.T) {
	s, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//billing//**", RetryIf: "false"},
		},
	})
	require.NoError(t, err)

	in := stderrors.New("flaky")
	assert.Same(t, in, s.Classify("step//mail//Send", 1, in))
}

func TestCompileRejectsBadExpression(t *testing.T) {
	_, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//**", RetryIf: "status >=> 500"},
		},
	})
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Field, "policies[0]")
}

func TestCompileRejectsNonBoolExpression(t *testing.T) {
	_, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//**", RetryIf: "attempt + 1"},
		},
	})
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCompileRejectsBadPattern(t *testing.T) {
	_, err := policy.Compile(&manifest.Manifest{
		Version: "1",
		Policies: []manifest.PolicyRule{
			{Match: "step//[billing//**"},
		},
	})
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Field, "match")
}
