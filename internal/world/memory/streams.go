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

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
)

// Streams is the in-memory implementation of world.StreamStore. Readers at
// the stream head block until a writer appends a chunk or closes the
// stream.
type Streams struct {
	mu      sync.Mutex
	streams map[string]map[string]*streamBuf
}

var _ world.StreamStore = (*Streams)(nil)

type streamBuf struct {
	chunks  [][]byte
	closed  bool
	changed chan struct{}
}

// NewStreams creates an empty in-memory stream store.
func NewStreams() *Streams {
	return &Streams{streams: make(map[string]map[string]*streamBuf)}
}

func (s *Streams) get(runID, streamID string, create bool) *streamBuf {
	byID := s.streams[runID]
	if byID == nil {
		if !create {
			return nil
		}
		byID = make(map[string]*streamBuf)
		s.streams[runID] = byID
	}
	buf := byID[streamID]
	if buf == nil && create {
		buf = &streamBuf{changed: make(chan struct{})}
		byID[streamID] = buf
	}
	return buf
}

// notify wakes every blocked reader. Must hold s.mu.
func (b *streamBuf) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// WriteStream appends a chunk, creating the stream on first write.
func (s *Streams) WriteStream(ctx context.Context, runID, streamID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.get(runID, streamID, true)
	if buf.closed {
		return &errors.ValidationError{Field: "stream_id", Message: fmt.Sprintf("stream %s is closed", streamID)}
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	buf.chunks = append(buf.chunks, chunk)
	buf.notify()
	return nil
}

// ReadStream returns the chunk at cursor, blocking while the cursor is at
// the head of a still-open stream.
func (s *Streams) ReadStream(ctx context.Context, runID, streamID string, cursor int) (*world.StreamChunk, error) {
	for {
		s.mu.Lock()
		buf := s.get(runID, streamID, false)
		if buf == nil {
			s.mu.Unlock()
			return nil, &errors.NotFoundError{Resource: "stream", ID: streamID}
		}
		if cursor < len(buf.chunks) {
			data := buf.chunks[cursor]
			s.mu.Unlock()
			return &world.StreamChunk{StreamID: streamID, Cursor: cursor, Data: data}, nil
		}
		if buf.closed {
			s.mu.Unlock()
			return &world.StreamChunk{StreamID: streamID, Cursor: cursor, Closed: true}, nil
		}
		changed := buf.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// CloseStream marks a stream complete and wakes blocked readers.
func (s *Streams) CloseStream(ctx context.Context, runID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.get(runID, streamID, false)
	if buf == nil {
		return &errors.NotFoundError{Resource: "stream", ID: streamID}
	}
	if buf.closed {
		return &errors.ValidationError{Field: "stream_id", Message: fmt.Sprintf("stream %s is already closed", streamID)}
	}
	buf.closed = true
	buf.notify()
	return nil
}

// ListStreamsByRunID returns the IDs of a run's streams.
func (s *Streams) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.streams[runID]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
