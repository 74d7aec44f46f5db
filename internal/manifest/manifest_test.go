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

package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/manifest"
	"github.com/rewindworks/rewind/pkg/errors"
)

const sample = `{
  "version": "1.0.0",
  "steps": {
    "billing": {
      "Charge": {"stepId": "step_charge_v2", "maxRetries": 5},
      "Refund": {"stepId": "step_refund_v1", "retryIf": "status >= 500"}
    }
  },
  "workflows": {
    "billing": {
      "Main": {"workflowId": "wf_billing_v3"}
    }
  },
  "policies": [
    {"match": "step//billing/**", "maxRetries": 2}
  ]
}`

func TestParseValid(t *testing.T) {
	m, err := manifest.Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, "step_charge_v2", m.Steps["billing"]["Charge"].StepID)
	require.NotNil(t, m.Steps["billing"]["Charge"].MaxRetries)
	assert.Equal(t, 5, *m.Steps["billing"]["Charge"].MaxRetries)
	assert.Equal(t, "wf_billing_v3", m.Workflows["billing"]["Main"].WorkflowID)
	require.Len(t, m.Policies, 1)
}

func TestParseRejectsMissingVersion(t *testing.T) {
	_, err := manifest.Parse([]byte(`{"steps": {}}`))
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestParseRejectsBadVersion(t *testing.T) {
	_, err := manifest.Parse([]byte(`{"version": "one"}`))
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestParseRejectsStepWithoutID(t *testing.T) {
	_, err := manifest.Parse([]byte(`{
	  "version": "1.0.0",
	  "steps": {"billing": {"Charge": {"maxRetries": 1}}}
	}`))
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestParseRejectsNonJSON(t *testing.T) {
	_, err := manifest.Parse([]byte("not json"))
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestResolve(t *testing.T) {
	m, err := manifest.Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "step_charge_v2", m.Resolve(manifest.KindStep, "step//billing//Charge"))
	assert.Equal(t, "wf_billing_v3", m.Resolve(manifest.KindWorkflow, "workflow//billing//Main"))

	// Undeclared names and malformed names resolve to themselves.
	assert.Equal(t, "step//billing//Void", m.Resolve(manifest.KindStep, "step//billing//Void"))
	assert.Equal(t, "workflow//billing//Charge", m.Resolve(manifest.KindWorkflow, "workflow//billing//Charge"))
	assert.Equal(t, "plain-name", m.Resolve(manifest.KindStep, "plain-name"))

	// Kind mismatch never crosses namespaces.
	assert.Equal(t, "step//billing//Main", m.Resolve(manifest.KindStep, "step//billing//Main"))
}

func TestResolveNilManifest(t *testing.T) {
	var m *manifest.Manifest
	assert.Equal(t, "step//a//B", m.Resolve(manifest.KindStep, "step//a//B"))
}

func TestStepByName(t *testing.T) {
	m, err := manifest.Parse([]byte(sample))
	require.NoError(t, err)

	entry, ok := m.StepByName("step//billing//Refund")
	require.True(t, ok)
	assert.Equal(t, "step_refund_v1", entry.StepID)
	assert.Equal(t, "status >= 500", entry.RetryIf)

	_, ok = m.StepByName("step//billing//Void")
	assert.False(t, ok)
	_, ok = m.StepByName("workflow//billing//Main")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	m, err := manifest.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := manifest.Load(filepath.Join(t.TempDir(), "absent.json"))
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "manifest_path", ce.Key)
}

func TestStoreSwap(t *testing.T) {
	s := manifest.NewStore(nil)
	assert.Nil(t, s.Current())
	assert.Equal(t, "step//a//B", s.Resolve(manifest.KindStep, "step//a//B"))

	m, err := manifest.Parse([]byte(sample))
	require.NoError(t, err)
	s.Swap(m)
	assert.Equal(t, "step_charge_v2", s.Resolve(manifest.KindStep, "step//billing//Charge"))
}
