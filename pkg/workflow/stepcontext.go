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
	"fmt"
	"reflect"
	"time"

	"github.com/rewindworks/rewind/internal/world"
)

// StepContext is the execution context of one step attempt. It carries
// the attempt's identity (run, step, first start, attempt number) plus
// access to the run's streams.
type StepContext struct {
	ctx         context.Context
	runID       string
	stepID      string
	attempt     int
	startedAt   time.Time
	workflowURL string
	input       world.StepInput
	streams     world.StreamStore
}

// StepContextConfig assembles a StepContext; the step executor fills it.
type StepContextConfig struct {
	RunID       string
	StepID      string
	Attempt     int
	StartedAt   time.Time
	WorkflowURL string
	Input       world.StepInput
	Streams     world.StreamStore
}

// NewStepContext builds the context a step body runs under.
func NewStepContext(ctx context.Context, cfg StepContextConfig) *StepContext {
	return &StepContext{
		ctx:         ctx,
		runID:       cfg.RunID,
		stepID:      cfg.StepID,
		attempt:     cfg.Attempt,
		startedAt:   cfg.StartedAt,
		workflowURL: cfg.WorkflowURL,
		input:       cfg.Input,
		streams:     cfg.Streams,
	}
}

// Context returns the attempt's context; it is cancelled when the worker
// drains.
func (sc *StepContext) Context() context.Context { return sc.ctx }

// RunID returns the owning run's identifier.
func (sc *StepContext) RunID() string { return sc.runID }

// StepID returns this step's identifier.
func (sc *StepContext) StepID() string { return sc.stepID }

// Attempt returns the attempt counter, 1-based.
func (sc *StepContext) Attempt() int { return sc.attempt }

// StartedAt returns when the first attempt started; retries keep it.
func (sc *StepContext) StartedAt() time.Time { return sc.startedAt }

// WorkflowURL returns the public base URL of the serving deployment.
func (sc *StepContext) WorkflowURL() string { return sc.workflowURL }

// ArgCount returns the number of positional arguments.
func (sc *StepContext) ArgCount() int { return len(sc.input.Args) }

// Arg unmarshals the i'th positional argument into out and binds any
// stream references it contains to this run.
func (sc *StepContext) Arg(i int, out any) error {
	if i < 0 || i >= len(sc.input.Args) {
		return fmt.Errorf("workflow: argument %d out of range (have %d)", i, len(sc.input.Args))
	}
	if err := json.Unmarshal(sc.input.Args[i], out); err != nil {
		return fmt.Errorf("workflow: unmarshaling argument %d: %w", i, err)
	}
	sc.bindStreams(out)
	return nil
}

// Var unmarshals a captured closure variable into out.
func (sc *StepContext) Var(name string, out any) error {
	raw, ok := sc.input.Vars[name]
	if !ok {
		return fmt.Errorf("workflow: no captured variable %q", name)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("workflow: unmarshaling variable %q: %w", name, err)
	}
	sc.bindStreams(out)
	return nil
}

// VarNames returns the captured variable names, unordered.
func (sc *StepContext) VarNames() []string {
	names := make([]string, 0, len(sc.input.Vars))
	for name := range sc.input.Vars {
		names = append(names, name)
	}
	return names
}

// Arg unmarshals the i'th positional argument of sc as a T.
func Arg[T any](sc *StepContext, i int) (T, error) {
	var out T
	err := sc.Arg(i, &out)
	return out, err
}

// bindStreams walks a decoded value and attaches every *Stream it finds
// to this run, completing hydration for handles the JSON decoder produced
// as bare references.
func (sc *StepContext) bindStreams(v any) {
	if sc.streams == nil {
		return
	}
	sc.bindValue(reflect.ValueOf(v), 0)
}

const maxBindDepth = 32

func (sc *StepContext) bindValue(v reflect.Value, depth int) {
	if depth > maxBindDepth || !v.IsValid() {
		return
	}

	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		if stream, ok := v.Interface().(*Stream); ok {
			if !stream.Bound() {
				stream.Bind(sc.ctx, sc.runID, sc.streams)
			}
			return
		}
		sc.bindValue(v.Elem(), depth+1)
		return
	}

	switch v.Kind() {
	case reflect.Struct:
		if v.CanAddr() {
			if stream, ok := v.Addr().Interface().(*Stream); ok {
				if !stream.Bound() {
					stream.Bind(sc.ctx, sc.runID, sc.streams)
				}
				return
			}
		}
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if f.CanInterface() || f.CanAddr() {
				sc.bindValue(f, depth+1)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			sc.bindValue(v.Index(i), depth+1)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			sc.bindValue(iter.Value(), depth+1)
		}
	case reflect.Interface:
		if !v.IsNil() {
			sc.bindValue(v.Elem(), depth+1)
		}
	}
}
