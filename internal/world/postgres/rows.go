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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/world"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rows implements store.Rows over a querier.
type rows struct {
	q querier
}

var _ store.Rows = (*rows)(nil)

func (a *Adapter) rows() *rows {
	return &rows{q: a.db}
}

func (a *Adapter) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	return a.rows().GetRun(ctx, runID)
}

func (a *Adapter) InsertRun(ctx context.Context, run *world.Run) error {
	return a.rows().InsertRun(ctx, run)
}

func (a *Adapter) UpdateRun(ctx context.Context, run *world.Run) error {
	return a.rows().UpdateRun(ctx, run)
}

func (a *Adapter) ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error) {
	return a.rows().ListRuns(ctx, filter)
}

func (a *Adapter) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	return a.rows().GetStep(ctx, runID, stepID)
}

func (a *Adapter) InsertStep(ctx context.Context, step *world.Step) error {
	return a.rows().InsertStep(ctx, step)
}

func (a *Adapter) UpdateStep(ctx context.Context, step *world.Step) error {
	return a.rows().UpdateStep(ctx, step)
}

func (a *Adapter) UpdateStepIfLive(ctx context.Context, step *world.Step) (bool, error) {
	return a.rows().UpdateStepIfLive(ctx, step)
}

func (a *Adapter) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error) {
	return a.rows().ListSteps(ctx, runID, filter)
}

func (a *Adapter) GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error) {
	return a.rows().GetHook(ctx, runID, hookID)
}

func (a *Adapter) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	return a.rows().GetHookByToken(ctx, token)
}

func (a *Adapter) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	return a.rows().ListHooks(ctx, runID)
}

func (a *Adapter) InsertHook(ctx context.Context, hook *world.Hook) error {
	return a.rows().InsertHook(ctx, hook)
}

func (a *Adapter) DeleteHook(ctx context.Context, runID, hookID string) error {
	return a.rows().DeleteHook(ctx, runID, hookID)
}

func (a *Adapter) DeleteHooksByRun(ctx context.Context, runID string) error {
	return a.rows().DeleteHooksByRun(ctx, runID)
}

func (a *Adapter) AppendEvent(ctx context.Context, event *world.Event) error {
	return a.rows().AppendEvent(ctx, event)
}

func (a *Adapter) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	return a.rows().ListEvents(ctx, runID, filter)
}

func (a *Adapter) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*world.Event, error) {
	return a.rows().ListEventsByCorrelationID(ctx, runID, correlationID)
}

// ExpireRuns runs inside its own transaction so a batch expires atomically.
func (a *Adapter) ExpireRuns(ctx context.Context, before time.Time, limit int) (int, error) {
	var n int
	err := a.Tx(ctx, func(r store.Rows) error {
		var err error
		n, err = r.ExpireRuns(ctx, before, limit)
		return err
	})
	return n, err
}

// Column codecs.

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// jsonbValue marshals v for a JSONB column. Nil maps to NULL.
func jsonbValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func scanJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Runs.

const runColumns = `run_id, deployment_id, workflow_name, spec_version, input, execution_context,
	status, output, error, created_at, started_at, completed_at, expired_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*world.Run, error) {
	var (
		run                    world.Run
		deploymentID           sql.NullString
		input, execCtx         []byte
		output, errCol         []byte
		startedAt, completedAt sql.NullTime
		expiredAt              sql.NullTime
	)
	err := sc.Scan(&run.RunID, &deploymentID, &run.WorkflowName, &run.SpecVersion, &input, &execCtx,
		&run.Status, &output, &errCol, &run.CreatedAt, &startedAt, &completedAt, &expiredAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.DeploymentID = deploymentID.String
	if err := scanJSON(input, &run.Input); err != nil {
		return nil, err
	}
	if err := scanJSON(execCtx, &run.ExecutionContext); err != nil {
		return nil, err
	}
	if len(output) > 0 {
		run.Output = json.RawMessage(output)
	}
	if err := scanJSON(errCol, &run.Error); err != nil {
		return nil, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.ExpiredAt = timePtr(expiredAt)
	return &run, nil
}

func runArgs(run *world.Run) ([]any, error) {
	var input, execCtx, errCol any
	var err error
	if len(run.Input) > 0 {
		if input, err = jsonbValue(run.Input); err != nil {
			return nil, err
		}
	}
	if len(run.ExecutionContext) > 0 {
		if execCtx, err = jsonbValue(run.ExecutionContext); err != nil {
			return nil, err
		}
	}
	if run.Error != nil {
		if errCol, err = jsonbValue(run.Error); err != nil {
			return nil, err
		}
	}
	var deploymentID any
	if run.DeploymentID != "" {
		deploymentID = run.DeploymentID
	}
	return []any{
		run.RunID, deploymentID, run.WorkflowName, run.SpecVersion, input, execCtx,
		string(run.Status), rawValue(run.Output), errCol,
		run.CreatedAt.UTC(), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		nullTime(run.ExpiredAt), run.UpdatedAt.UTC(),
	}, nil
}

func (r *rows) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return run, err
}

func (r *rows) InsertRun(ctx context.Context, run *world.Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, args...)
	if isUniqueViolation(err, "runs_pkey") {
		return store.ErrExists
	}
	return err
}

func (r *rows) UpdateRun(ctx context.Context, run *world.Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	args = append(args[1:], run.RunID)
	res, err := r.q.ExecContext(ctx, `UPDATE runs SET
		deployment_id = $1, workflow_name = $2, spec_version = $3, input = $4, execution_context = $5,
		status = $6, output = $7, error = $8, created_at = $9, started_at = $10, completed_at = $11,
		expired_at = $12, updated_at = $13
		WHERE run_id = $14`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *rows) ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if filter.WorkflowName != "" {
		query += ` AND workflow_name = ` + arg(filter.WorkflowName)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Cursor != "" {
		query += ` AND run_id > ` + arg(filter.Cursor)
	}
	query += ` ORDER BY run_id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit+1)
	}

	rs, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	page := &world.RunPage{}
	for rs.Next() {
		run, err := scanRun(rs)
		if err != nil {
			return nil, err
		}
		if filter.Limit > 0 && len(page.Runs) == filter.Limit {
			page.NextCursor = page.Runs[len(page.Runs)-1].RunID
			break
		}
		page.Runs = append(page.Runs, run)
	}
	return page, rs.Err()
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// Steps.

const stepColumns = `run_id, step_id, step_name, status, input, output, error, attempt,
	started_at, completed_at, retry_after, created_at, updated_at`

func scanStep(sc rowScanner) (*world.Step, error) {
	var (
		step                   world.Step
		input, output, errCol  []byte
		startedAt, completedAt sql.NullTime
		retryAfter             sql.NullTime
	)
	err := sc.Scan(&step.RunID, &step.StepID, &step.StepName, &step.Status, &input, &output, &errCol,
		&step.Attempt, &startedAt, &completedAt, &retryAfter, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(input, &step.Input); err != nil {
		return nil, err
	}
	if len(output) > 0 {
		step.Output = json.RawMessage(output)
	}
	if err := scanJSON(errCol, &step.Error); err != nil {
		return nil, err
	}
	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)
	step.RetryAfter = timePtr(retryAfter)
	step.CreatedAt = step.CreatedAt.UTC()
	step.UpdatedAt = step.UpdatedAt.UTC()
	return &step, nil
}

func stepArgs(step *world.Step) ([]any, error) {
	input, err := jsonbValue(step.Input)
	if err != nil {
		return nil, err
	}
	var errCol any
	if step.Error != nil {
		if errCol, err = jsonbValue(step.Error); err != nil {
			return nil, err
		}
	}
	return []any{
		step.RunID, step.StepID, step.StepName, string(step.Status), input, rawValue(step.Output), errCol,
		step.Attempt, nullTime(step.StartedAt), nullTime(step.CompletedAt),
		nullTime(step.RetryAfter), step.CreatedAt.UTC(), step.UpdatedAt.UTC(),
	}, nil
}

func (r *rows) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 AND step_id = $2`, runID, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return step, err
}

func (r *rows) InsertStep(ctx context.Context, step *world.Step) error {
	args, err := stepArgs(step)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, args...)
	if isUniqueViolation(err, "steps_pkey") {
		return store.ErrExists
	}
	return err
}

const stepUpdateSet = `step_name = $1, status = $2, input = $3, output = $4, error = $5, attempt = $6,
	started_at = $7, completed_at = $8, retry_after = $9, created_at = $10, updated_at = $11`

func (r *rows) UpdateStep(ctx context.Context, step *world.Step) error {
	args, err := stepArgs(step)
	if err != nil {
		return err
	}
	args = append(args[2:], step.RunID, step.StepID)
	res, err := r.q.ExecContext(ctx, `UPDATE steps SET `+stepUpdateSet+`
		WHERE run_id = $12 AND step_id = $13`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *rows) UpdateStepIfLive(ctx context.Context, step *world.Step) (bool, error) {
	args, err := stepArgs(step)
	if err != nil {
		return false, err
	}
	args = append(args[2:], step.RunID, step.StepID)
	res, err := r.q.ExecContext(ctx, `UPDATE steps SET `+stepUpdateSet+`
		WHERE run_id = $12 AND step_id = $13 AND status NOT IN ('completed', 'failed')`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *rows) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = $1`
	args := []any{runID}
	if filter.Cursor != "" {
		args = append(args, filter.Cursor)
		query += ` AND step_id > ` + placeholder(len(args))
	}
	query += ` ORDER BY step_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit+1)
		query += ` LIMIT ` + placeholder(len(args))
	}

	rs, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	page := &world.StepPage{}
	for rs.Next() {
		step, err := scanStep(rs)
		if err != nil {
			return nil, err
		}
		if filter.Limit > 0 && len(page.Steps) == filter.Limit {
			page.NextCursor = page.Steps[len(page.Steps)-1].StepID
			break
		}
		page.Steps = append(page.Steps, step)
	}
	return page, rs.Err()
}

// Hooks.

func scanHook(sc rowScanner) (*world.Hook, error) {
	var (
		hook     world.Hook
		metadata []byte
	)
	if err := sc.Scan(&hook.RunID, &hook.HookID, &hook.Token, &metadata, &hook.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		hook.Metadata = json.RawMessage(metadata)
	}
	hook.CreatedAt = hook.CreatedAt.UTC()
	return &hook, nil
}

func (r *rows) GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT run_id, hook_id, token, metadata, created_at FROM hooks WHERE run_id = $1 AND hook_id = $2`,
		runID, hookID)
	hook, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return hook, err
}

func (r *rows) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT run_id, hook_id, token, metadata, created_at FROM hooks WHERE token = $1`, token)
	hook, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return hook, err
}

func (r *rows) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	rs, err := r.q.QueryContext(ctx,
		`SELECT run_id, hook_id, token, metadata, created_at FROM hooks WHERE run_id = $1 ORDER BY hook_id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var hooks []*world.Hook
	for rs.Next() {
		hook, err := scanHook(rs)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, rs.Err()
}

func (r *rows) InsertHook(ctx context.Context, hook *world.Hook) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO hooks (run_id, hook_id, token, metadata, created_at) VALUES ($1, $2, $3, $4, $5)`,
		hook.RunID, hook.HookID, hook.Token, rawValue(hook.Metadata), hook.CreatedAt.UTC())
	if isUniqueViolation(err, "hooks_token_key") {
		return store.ErrTokenExists
	}
	if isUniqueViolation(err, "hooks_pkey") {
		return store.ErrExists
	}
	return err
}

func (r *rows) DeleteHook(ctx context.Context, runID, hookID string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM hooks WHERE run_id = $1 AND hook_id = $2`, runID, hookID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *rows) DeleteHooksByRun(ctx context.Context, runID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM hooks WHERE run_id = $1`, runID)
	return err
}

// Events.

const eventColumns = `run_id, event_id, correlation_id, event_type, event_data, created_at, spec_version`

func (r *rows) AppendEvent(ctx context.Context, event *world.Event) error {
	var correlationID any
	if event.CorrelationID != "" {
		correlationID = event.CorrelationID
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.RunID, event.EventID, correlationID, string(event.EventType),
		rawValue(event.EventData), event.CreatedAt.UTC(), event.SpecVersion)
	if isUniqueViolation(err, "events_pkey") {
		return store.ErrExists
	}
	return err
}

func scanEvent(sc rowScanner) (*world.Event, error) {
	var (
		event         world.Event
		correlationID sql.NullString
		data          []byte
	)
	err := sc.Scan(&event.RunID, &event.EventID, &correlationID, &event.EventType, &data,
		&event.CreatedAt, &event.SpecVersion)
	if err != nil {
		return nil, err
	}
	event.CorrelationID = correlationID.String
	if len(data) > 0 {
		event.EventData = json.RawMessage(data)
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return &event, nil
}

func (r *rows) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE run_id = $1`
	args := []any{runID}
	if filter.Cursor != "" {
		args = append(args, filter.Cursor)
		query += ` AND event_id > ` + placeholder(len(args))
	}
	query += ` ORDER BY event_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit+1)
		query += ` LIMIT ` + placeholder(len(args))
	}

	rs, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	page := &world.EventPage{}
	for rs.Next() {
		event, err := scanEvent(rs)
		if err != nil {
			return nil, err
		}
		if filter.Limit > 0 && len(page.Events) == filter.Limit {
			page.NextCursor = page.Events[len(page.Events)-1].EventID
			break
		}
		page.Events = append(page.Events, event)
	}
	return page, rs.Err()
}

func (r *rows) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*world.Event, error) {
	rs, err := r.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = $1 AND correlation_id = $2 ORDER BY event_id`,
		runID, correlationID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var events []*world.Event
	for rs.Next() {
		event, err := scanEvent(rs)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rs.Err()
}

// Retention.

func (r *rows) ExpireRuns(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rs, err := r.q.QueryContext(ctx, `SELECT run_id FROM runs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND expired_at IS NULL
		AND completed_at IS NOT NULL AND completed_at < $1
		ORDER BY run_id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, before.UTC(), limit)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rs.Next() {
		var id string
		if err := rs.Scan(&id); err != nil {
			rs.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rs.Close()
	if err := rs.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	if _, err := r.q.ExecContext(ctx, `UPDATE runs SET
		input = NULL, execution_context = NULL, output = NULL,
		expired_at = $1, updated_at = $1
		WHERE run_id = ANY($2)`, now, pq.Array(ids)); err != nil {
		return 0, err
	}
	if _, err := r.q.ExecContext(ctx, `UPDATE steps SET
		input = NULL, output = NULL, updated_at = $1
		WHERE run_id = ANY($2)`, now, pq.Array(ids)); err != nil {
		return 0, err
	}
	if _, err := r.q.ExecContext(ctx, `UPDATE events SET event_data = NULL
		WHERE run_id = ANY($1)`, pq.Array(ids)); err != nil {
		return 0, err
	}
	return len(ids), nil
}
