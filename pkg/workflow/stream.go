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
	"errors"
	"io"

	"github.com/rewindworks/rewind/internal/world"
)

// StreamRefKey marks a persisted stream reference in serialized step
// input and output: {"$workflow_stream": "<id>"}.
const StreamRefKey = "$workflow_stream"

// ErrStreamUnbound is returned when a Stream decoded from step input is
// used before hydration bound it to the run.
var ErrStreamUnbound = errors.New("workflow: stream is not bound to a run")

// Stream is a run-scoped byte stream handle. Across the step boundary it
// dehydrates to a {"$workflow_stream": id} reference; hydration binds the
// reference back to a live handle for the receiving side.
type Stream struct {
	// ID is the stream's identity within the run.
	ID string

	runID  string
	store  world.StreamStore
	ctx    context.Context
	cursor int
}

// MarshalJSON dehydrates the handle to its persisted reference.
func (s *Stream) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{StreamRefKey: s.ID})
}

// UnmarshalJSON rehydrates the reference. The handle stays unbound until
// Bind attaches it to a run.
func (s *Stream) UnmarshalJSON(data []byte) error {
	var ref map[string]string
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	id, ok := ref[StreamRefKey]
	if !ok {
		return errors.New("workflow: not a stream reference")
	}
	s.ID = id
	return nil
}

// Bind attaches the handle to a run's stream store. Hydration calls this
// for every stream reference in a step's input.
func (s *Stream) Bind(ctx context.Context, runID string, store world.StreamStore) {
	s.ctx = ctx
	s.runID = runID
	s.store = store
}

// Bound reports whether the handle is attached to a run.
func (s *Stream) Bound() bool { return s.store != nil }

// Write appends a chunk to the stream.
func (s *Stream) Write(p []byte) (int, error) {
	if !s.Bound() {
		return 0, ErrStreamUnbound
	}
	if err := s.store.WriteStream(s.ctx, s.runID, s.ID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the next chunk, blocking while the stream is open with no
// data past the cursor. It returns io.EOF once the stream is closed and
// drained.
func (s *Stream) Read() ([]byte, error) {
	if !s.Bound() {
		return nil, ErrStreamUnbound
	}
	chunk, err := s.store.ReadStream(s.ctx, s.runID, s.ID, s.cursor)
	if err != nil {
		return nil, err
	}
	if chunk.Closed {
		return nil, io.EOF
	}
	s.cursor++
	return chunk.Data, nil
}

// Close marks the stream complete, releasing blocked readers.
func (s *Stream) Close() error {
	if !s.Bound() {
		return ErrStreamUnbound
	}
	return s.store.CloseStream(s.ctx, s.runID, s.ID)
}

var _ json.Marshaler = (*Stream)(nil)
var _ json.Unmarshaler = (*Stream)(nil)
