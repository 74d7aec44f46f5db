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

// Package manifest consumes the build-time manifest that maps declared
// workflow and step names to their stable identities. The engine treats
// those identities as opaque; the bundler that produced them is out of
// band.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rewindworks/rewind/pkg/errors"
	"github.com/rewindworks/rewind/schemas"
)

// Name kinds used by Resolve. Declared names are of the form
// "workflow//<file>//<function>" and "step//<file>//<function>".
const (
	KindWorkflow = "workflow"
	KindStep     = "step"
)

// StepEntry is one declared step in the manifest.
type StepEntry struct {
	// StepID is the stable identity replay uses for this step.
	StepID string `json:"stepId"`

	// MaxRetries overrides the step's retry budget when >= 0; -1 means no
	// retries.
	MaxRetries *int `json:"maxRetries,omitempty"`

	// RetryIf is an optional retry-policy expression (see the policy
	// package).
	RetryIf string `json:"retryIf,omitempty"`
}

// WorkflowEntry is one declared workflow in the manifest.
type WorkflowEntry struct {
	// WorkflowID is the stable identity for this workflow.
	WorkflowID string `json:"workflowId"`

	// Graph is the bundler's static call graph, kept opaque.
	Graph json.RawMessage `json:"graph,omitempty"`
}

// PolicyRule is one retry-policy rule matched against step names.
type PolicyRule struct {
	// Match is a doublestar pattern over declared step names.
	Match string `json:"match"`

	// MaxRetries overrides the retry budget for matching steps.
	MaxRetries *int `json:"maxRetries,omitempty"`

	// RetryIf gates retries on an expression over the failure.
	RetryIf string `json:"retryIf,omitempty"`
}

// Manifest is the parsed manifest file.
type Manifest struct {
	Version   string                              `json:"version"`
	Steps     map[string]map[string]StepEntry     `json:"steps,omitempty"`
	Workflows map[string]map[string]WorkflowEntry `json:"workflows,omitempty"`
	Policies  []PolicyRule                        `json:"policies,omitempty"`
}

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemas.GetManifestSchema()))
	if err != nil {
		panic(fmt.Sprintf("manifest: embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.schema.json", doc); err != nil {
		panic(fmt.Sprintf("manifest: embedded schema: %v", err))
	}
	s, err := c.Compile("manifest.schema.json")
	if err != nil {
		panic(fmt.Sprintf("manifest: embedded schema: %v", err))
	}
	return s
}

// Parse validates raw manifest bytes against the embedded schema and
// decodes them.
func Parse(data []byte) (*Manifest, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &errors.ValidationError{Field: "manifest", Message: err.Error()}
	}
	if err := schema.Validate(inst); err != nil {
		return nil, &errors.ValidationError{Field: "manifest", Message: err.Error()}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &errors.ValidationError{Field: "manifest", Message: err.Error()}
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "manifest_path", Reason: "reading manifest", Cause: err}
	}
	return Parse(data)
}

// Resolve maps a declared name to its manifest identity. Names not in the
// manifest resolve to themselves, so a deployment can run without a
// manifest during development.
func (m *Manifest) Resolve(kind, name string) string {
	if m == nil {
		return name
	}
	file, fn, ok := splitName(kind, name)
	if !ok {
		return name
	}
	switch kind {
	case KindStep:
		if entry, ok := m.Steps[file][fn]; ok && entry.StepID != "" {
			return entry.StepID
		}
	case KindWorkflow:
		if entry, ok := m.Workflows[file][fn]; ok && entry.WorkflowID != "" {
			return entry.WorkflowID
		}
	}
	return name
}

// StepByName returns the manifest entry for a declared step name.
func (m *Manifest) StepByName(name string) (StepEntry, bool) {
	if m == nil {
		return StepEntry{}, false
	}
	file, fn, ok := splitName(KindStep, name)
	if !ok {
		return StepEntry{}, false
	}
	entry, ok := m.Steps[file][fn]
	return entry, ok
}

// splitName decomposes "<kind>//<file>//<function>".
func splitName(kind, name string) (file, fn string, ok bool) {
	parts := strings.Split(name, "//")
	if len(parts) != 3 || parts[0] != kind {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Store holds the active manifest and swaps it atomically on reload.
// Readers never block.
type Store struct {
	current atomic.Pointer[Manifest]
}

// NewStore creates a store holding m, which may be nil.
func NewStore(m *Manifest) *Store {
	s := &Store{}
	s.current.Store(m)
	return s
}

// Current returns the active manifest, possibly nil.
func (s *Store) Current() *Manifest {
	return s.current.Load()
}

// Swap replaces the active manifest.
func (s *Store) Swap(m *Manifest) {
	s.current.Store(m)
}

// Resolve resolves against the active manifest.
func (s *Store) Resolve(kind, name string) string {
	return s.Current().Resolve(kind, name)
}
