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

// Package jq runs bounded jq programs over untrusted payloads. Programs
// are compiled once and cached; execution carries a deadline and an input
// size cap so a hostile webhook body cannot stall a delivery worker.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

// Defaults applied when an Executor is built with zero values.
const (
	DefaultTimeout      = time.Second
	DefaultMaxInputSize = 10 << 20
)

// Executor evaluates jq programs with a per-run deadline and input cap.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64

	mu       sync.Mutex
	programs map[string]*gojq.Code
}

// NewExecutor creates an executor. Zero values take the package defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		programs:     make(map[string]*gojq.Code),
	}
}

// Execute runs program against data. An empty program is the identity.
// Multiple outputs collect into an array; zero outputs yield nil.
func (e *Executor) Execute(ctx context.Context, program string, data any) (any, error) {
	if program == "" {
		return data, nil
	}
	if err := e.checkInputSize(data); err != nil {
		return nil, err
	}
	code, err := e.compile(program)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		var results []any
		iter := code.RunWithContext(ctx, data)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				done <- outcome{err: err}
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			done <- outcome{}
		case 1:
			done <- outcome{value: results[0]}
		default:
			done <- outcome{value: results}
		}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("jq: timeout after %v", e.timeout)
		}
		return out.value, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("jq: timeout after %v", e.timeout)
	}
}

// Validate compiles program without running it, for config-time checks.
func (e *Executor) Validate(program string) error {
	if program == "" {
		return nil
	}
	_, err := e.compile(program)
	return err
}

// compile returns the cached program, compiling on first use.
func (e *Executor) compile(program string) (*gojq.Code, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.programs[program]; ok {
		return code, nil
	}
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("jq: parse: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq: compile: %w", err)
	}
	e.programs[program] = code
	return code, nil
}

// checkInputSize bounds data by its JSON encoding.
func (e *Executor) checkInputSize(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("jq: input does not serialize: %w", err)
	}
	if int64(len(raw)) > e.maxInputSize {
		return fmt.Errorf("jq: input %d bytes exceeds limit %d", len(raw), e.maxInputSize)
	}
	return nil
}
