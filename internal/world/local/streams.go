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

package local

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/pkg/errors"
)

// streamPollInterval paces blocked readers tailing an open stream. SQLite
// has no notification channel, so readers poll.
const streamPollInterval = 100 * time.Millisecond

// Streams is the SQLite implementation of world.StreamStore, sharing the
// adapter's database. Chunks are rows keyed by (run, stream, cursor); the
// close marker is a final row with the closed flag set.
type Streams struct {
	db  *sql.DB
	enc *cipher
}

var _ world.StreamStore = (*Streams)(nil)

// WriteStream appends a chunk, creating the stream on first write.
func (s *Streams) WriteStream(ctx context.Context, runID, streamID string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	closed, next, err := streamHead(ctx, tx, runID, streamID)
	if err != nil {
		return err
	}
	if closed {
		return &errors.ValidationError{Field: "stream_id", Message: fmt.Sprintf("stream %s is closed", streamID)}
	}

	sealed, err := s.enc.seal(data)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stream_chunks (run_id, stream_id, cursor, data, closed) VALUES (?, ?, ?, ?, 0)`,
		runID, streamID, next, []byte(sealed)); err != nil {
		return err
	}
	return tx.Commit()
}

// ReadStream returns the chunk at cursor, polling while the cursor is at
// the head of a still-open stream.
func (s *Streams) ReadStream(ctx context.Context, runID, streamID string, cursor int) (*world.StreamChunk, error) {
	for {
		var (
			data   []byte
			closed bool
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT data, closed FROM stream_chunks WHERE run_id = ? AND stream_id = ? AND cursor = ?`,
			runID, streamID, cursor).Scan(&data, &closed)
		switch {
		case err == sql.ErrNoRows:
			exists, streamClosed, err := s.streamState(ctx, runID, streamID)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, &errors.NotFoundError{Resource: "stream", ID: streamID}
			}
			if streamClosed {
				return &world.StreamChunk{StreamID: streamID, Cursor: cursor, Closed: true}, nil
			}
		case err != nil:
			return nil, err
		case closed:
			return &world.StreamChunk{StreamID: streamID, Cursor: cursor, Closed: true}, nil
		default:
			plain, err := s.enc.open(string(data))
			if err != nil {
				return nil, err
			}
			return &world.StreamChunk{StreamID: streamID, Cursor: cursor, Data: plain}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(streamPollInterval):
		}
	}
}

// CloseStream appends the close marker and rejects double closes.
func (s *Streams) CloseStream(ctx context.Context, runID, streamID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, closed, err := streamStateTx(ctx, tx, runID, streamID)
	if err != nil {
		return err
	}
	if !exists {
		return &errors.NotFoundError{Resource: "stream", ID: streamID}
	}
	if closed {
		return &errors.ValidationError{Field: "stream_id", Message: fmt.Sprintf("stream %s is already closed", streamID)}
	}

	_, next, err := streamHead(ctx, tx, runID, streamID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stream_chunks (run_id, stream_id, cursor, data, closed) VALUES (?, ?, ?, NULL, 1)`,
		runID, streamID, next); err != nil {
		return err
	}
	return tx.Commit()
}

// ListStreamsByRunID returns the IDs of a run's streams.
func (s *Streams) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	rs, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT stream_id FROM stream_chunks WHERE run_id = ? ORDER BY stream_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	ids := []string{}
	for rs.Next() {
		var id string
		if err := rs.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rs.Err()
}

func (s *Streams) streamState(ctx context.Context, runID, streamID string) (exists, closed bool, err error) {
	return streamStateTx(ctx, s.db, runID, streamID)
}

func streamStateTx(ctx context.Context, q querier, runID, streamID string) (exists, closed bool, err error) {
	var count, closedCount int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(closed), 0) FROM stream_chunks WHERE run_id = ? AND stream_id = ?`,
		runID, streamID).Scan(&count, &closedCount)
	if err != nil {
		return false, false, err
	}
	return count > 0, closedCount > 0, nil
}

// streamHead reports whether the stream is closed and the next cursor.
func streamHead(ctx context.Context, q querier, runID, streamID string) (closed bool, next int, err error) {
	var count, closedCount int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(closed), 0) FROM stream_chunks WHERE run_id = ? AND stream_id = ?`,
		runID, streamID).Scan(&count, &closedCount)
	if err != nil {
		return false, 0, err
	}
	return closedCount > 0, count, nil
}
