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
	"runtime/debug"
	"time"

	"github.com/rewindworks/rewind/internal/ident"
	"github.com/rewindworks/rewind/internal/world"
)

// ReplayOutcome classifies how one replay of a workflow function ended.
type ReplayOutcome string

const (
	// ReplayCompleted means the function returned; Output holds the run
	// result.
	ReplayCompleted ReplayOutcome = "completed"

	// ReplaySuspended means the function is waiting on an event that has
	// not landed; pending work was dispatched, the run stays live.
	ReplaySuspended ReplayOutcome = "suspended"

	// ReplayFailed means the function raised a user-visible failure; Err
	// holds it and the run should fail.
	ReplayFailed ReplayOutcome = "failed"

	// ReplayAborted means a world operation failed mid-tick; Err holds
	// the storage error and the tick should be redelivered.
	ReplayAborted ReplayOutcome = "aborted"
)

// ReplayResult is the outcome of one replay.
type ReplayResult struct {
	Outcome ReplayOutcome
	Output  json.RawMessage
	Err     error
}

// ReplayDeps wires a replay to its run and backend.
type ReplayDeps struct {
	// World is the backend the replay reads events from and emits
	// commands through.
	World world.World

	// Run is the run being replayed, loaded with data resolved.
	Run *world.Run

	// Resolve maps a declared name to its manifest identity. Nil uses
	// the name itself.
	Resolve func(kind, name string) string

	// NewToken generates hook tokens. Nil uses the ident generator.
	NewToken func() string

	// BaseURL is the public prefix hook URLs are built on.
	BaseURL string

	// Now supplies wall-clock time for wait deadlines. Nil uses time.Now.
	Now func() time.Time
}

// Replay executes one tick of the workflow function against the run's
// event log. It is idempotent: replaying any number of times converges on
// the same outcome because every durable decision is read back from the
// log before being made.
func Replay(ctx context.Context, wf *Workflow, deps ReplayDeps) (result ReplayResult) {
	resolve := deps.Resolve
	if resolve == nil {
		resolve = func(kind, name string) string { return name }
	}
	newToken := deps.NewToken
	if newToken == nil {
		newToken = ident.NewToken
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	c := &Context{
		ctx:      ctx,
		w:        deps.World,
		run:      deps.Run,
		resolve:  resolve,
		newToken: newToken,
		baseURL:  deps.BaseURL,
		now:      now,
		counters: make(map[string]int),
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case suspendSignal:
			result = ReplayResult{Outcome: ReplaySuspended}
		case abortSignal:
			result = ReplayResult{Outcome: ReplayAborted, Err: sig.err}
		default:
			// A panic in workflow code is a user-visible failure, not an
			// engine fault.
			result = ReplayResult{
				Outcome: ReplayFailed,
				Err:     fmt.Errorf("workflow panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	out, err := wf.Fn(c)
	if err != nil {
		return ReplayResult{Outcome: ReplayFailed, Err: err}
	}

	var output json.RawMessage
	if out != nil {
		raw, err := json.Marshal(out)
		if err != nil {
			return ReplayResult{Outcome: ReplayFailed, Err: fmt.Errorf("marshaling workflow output: %w", err)}
		}
		output = raw
	}
	return ReplayResult{Outcome: ReplayCompleted, Output: output}
}
