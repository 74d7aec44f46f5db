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

// Package workflow is the authoring surface for durable workflows: declared
// workflow and step functions, the replay context workflows run under, and
// the per-step execution context.
//
// A workflow function is ordinary code that calls declared steps through
// its *Context. Step calls do not run the step body; they consult the run's
// event log and either resolve with a recorded result, raise a recorded
// fatal failure, or dispatch the step and suspend the run. Because the
// function is re-executed from the top on every orchestrator tick, it must
// be deterministic given its event log: no wall-clock reads, random values,
// or map iteration influencing the order of step calls.
package workflow

import (
	"fmt"
	"sync"
)

// DefaultMaxRetries is the retry budget a step gets when its definition
// does not set one: 3 retries, 4 total attempts.
const DefaultMaxRetries = 3

// Workflow declares a durable workflow function.
type Workflow struct {
	// Name is the stable textual identifier, conventionally of the form
	// "workflow//<file>//<function>".
	Name string

	// Fn is the workflow body. Its returned value becomes the run output;
	// a returned error fails the run.
	Fn func(ctx *Context) (any, error)
}

// Step declares a durable step function.
type Step struct {
	// Name is the stable textual identifier, conventionally of the form
	// "step//<file>//<function>".
	Name string

	// Fn is the step body, executed off the step queue with hydrated
	// arguments.
	Fn func(ctx *StepContext) (any, error)

	// MaxRetries is the retry budget after the first attempt. Zero means
	// DefaultMaxRetries; negative means no retries.
	MaxRetries int
}

// Retries resolves the step's retry budget.
func (s *Step) Retries() int {
	switch {
	case s.MaxRetries == 0:
		return DefaultMaxRetries
	case s.MaxRetries < 0:
		return 0
	}
	return s.MaxRetries
}

// Registry holds the declared workflows and steps of a deployment, keyed
// by name. It is safe for concurrent use; registration normally happens at
// startup.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	steps     map[string]*Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
		steps:     make(map[string]*Step),
	}
}

// RegisterWorkflow adds a workflow and returns it. A duplicate name panics:
// it is a programming error caught at startup.
func (r *Registry) RegisterWorkflow(w *Workflow) *Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[w.Name]; ok {
		panic(fmt.Sprintf("workflow: duplicate workflow %q", w.Name))
	}
	r.workflows[w.Name] = w
	return w
}

// RegisterStep adds a step and returns it. A duplicate name panics.
func (r *Registry) RegisterStep(s *Step) *Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.steps[s.Name]; ok {
		panic(fmt.Sprintf("workflow: duplicate step %q", s.Name))
	}
	r.steps[s.Name] = s
	return s
}

// Workflow looks up a workflow by name.
func (r *Registry) Workflow(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// Step looks up a step by name.
func (r *Registry) Step(name string) (*Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	return s, ok
}

// Workflows returns the registered workflow names.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}

// Steps returns the registered step names.
func (r *Registry) Steps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	return names
}
