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
	"encoding/json"
	"strings"
	"time"

	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/world"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the same row code
// serves direct reads and transactional writes.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rows implements store.Rows over a querier.
type rows struct {
	q   querier
	enc *cipher
}

var _ store.Rows = (*rows)(nil)

func (a *Adapter) rows() *rows {
	return &rows{q: a.db, enc: a.enc}
}

// Adapter-level row methods run against the pooled connection.

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

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQL (RFC3339Nano trims trailing zeros and breaks ordering).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// sealJSON marshals v and seals the result. A nil v maps to NULL.
func (r *rows) sealJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	sealed, err := r.enc.seal(raw)
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// sealRaw seals a raw JSON payload. Empty maps to NULL.
func (r *rows) sealRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	sealed, err := r.enc.seal(raw)
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// openJSON opens a sealed column and unmarshals it into out. NULL leaves
// out untouched.
func (r *rows) openJSON(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	raw, err := r.enc.open(ns.String)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// openRaw opens a sealed column into a raw JSON payload.
func (r *rows) openRaw(ns sql.NullString) (json.RawMessage, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	raw, err := r.enc.open(ns.String)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func isUniqueViolation(err error, needle string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, needle)
}

// Runs.

const runColumns = `run_id, deployment_id, workflow_name, spec_version, input, execution_context,
	status, output, error, created_at, started_at, completed_at, expired_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *rows) scanRun(sc rowScanner) (*world.Run, error) {
	var (
		run                    world.Run
		deploymentID           sql.NullString
		input, execCtx         sql.NullString
		output, errCol         sql.NullString
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
		expiredAt              sql.NullString
	)
	err := sc.Scan(&run.RunID, &deploymentID, &run.WorkflowName, &run.SpecVersion, &input, &execCtx,
		&run.Status, &output, &errCol, &createdAt, &startedAt, &completedAt, &expiredAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	run.DeploymentID = deploymentID.String
	if err := r.openJSON(input, &run.Input); err != nil {
		return nil, err
	}
	if err := r.openJSON(execCtx, &run.ExecutionContext); err != nil {
		return nil, err
	}
	if run.Output, err = r.openRaw(output); err != nil {
		return nil, err
	}
	if err := r.openJSON(errCol, &run.Error); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if run.ExpiredAt, err = parseTimePtr(expiredAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *rows) runArgs(run *world.Run) ([]any, error) {
	var input, execCtx, errCol any
	var err error
	if len(run.Input) > 0 {
		if input, err = r.sealJSON(run.Input); err != nil {
			return nil, err
		}
	}
	if len(run.ExecutionContext) > 0 {
		if execCtx, err = r.sealJSON(run.ExecutionContext); err != nil {
			return nil, err
		}
	}
	if run.Error != nil {
		if errCol, err = r.sealJSON(run.Error); err != nil {
			return nil, err
		}
	}
	output, err := r.sealRaw(run.Output)
	if err != nil {
		return nil, err
	}
	var deploymentID any
	if run.DeploymentID != "" {
		deploymentID = run.DeploymentID
	}
	return []any{
		run.RunID, deploymentID, run.WorkflowName, run.SpecVersion, input, execCtx,
		string(run.Status), output, errCol,
		fmtTime(run.CreatedAt), fmtTimePtr(run.StartedAt), fmtTimePtr(run.CompletedAt),
		fmtTimePtr(run.ExpiredAt), fmtTime(run.UpdatedAt),
	}, nil
}

func (r *rows) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := r.scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return run, err
}

func (r *rows) InsertRun(ctx context.Context, run *world.Run) error {
	args, err := r.runArgs(run)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err, "runs.run_id") {
		return store.ErrExists
	}
	return err
}

func (r *rows) UpdateRun(ctx context.Context, run *world.Run) error {
	args, err := r.runArgs(run)
	if err != nil {
		return err
	}
	// Shift run_id to the WHERE position.
	args = append(args[1:], run.RunID)
	res, err := r.q.ExecContext(ctx, `UPDATE runs SET
		deployment_id = ?, workflow_name = ?, spec_version = ?, input = ?, execution_context = ?,
		status = ?, output = ?, error = ?, created_at = ?, started_at = ?, completed_at = ?,
		expired_at = ?, updated_at = ?
		WHERE run_id = ?`, args...)
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
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Cursor != "" {
		query += ` AND run_id > ?`
		args = append(args, filter.Cursor)
	}
	query += ` ORDER BY run_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit+1)
	}

	rs, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	page := &world.RunPage{}
	for rs.Next() {
		run, err := r.scanRun(rs)
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

// Steps.

const stepColumns = `run_id, step_id, step_name, status, input, output, error, attempt,
	started_at, completed_at, retry_after, created_at, updated_at`

func (r *rows) scanStep(sc rowScanner) (*world.Step, error) {
	var (
		step                   world.Step
		input, output, errCol  sql.NullString
		startedAt, completedAt sql.NullString
		retryAfter             sql.NullString
		createdAt, updatedAt   string
	)
	err := sc.Scan(&step.RunID, &step.StepID, &step.StepName, &step.Status, &input, &output, &errCol,
		&step.Attempt, &startedAt, &completedAt, &retryAfter, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := r.openJSON(input, &step.Input); err != nil {
		return nil, err
	}
	if step.Output, err = r.openRaw(output); err != nil {
		return nil, err
	}
	if err := r.openJSON(errCol, &step.Error); err != nil {
		return nil, err
	}
	if step.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if step.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if step.RetryAfter, err = parseTimePtr(retryAfter); err != nil {
		return nil, err
	}
	if step.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if step.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *rows) stepArgs(step *world.Step) ([]any, error) {
	input, err := r.sealJSON(step.Input)
	if err != nil {
		return nil, err
	}
	output, err := r.sealRaw(step.Output)
	if err != nil {
		return nil, err
	}
	var errCol any
	if step.Error != nil {
		if errCol, err = r.sealJSON(step.Error); err != nil {
			return nil, err
		}
	}
	return []any{
		step.RunID, step.StepID, step.StepName, string(step.Status), input, output, errCol,
		step.Attempt, fmtTimePtr(step.StartedAt), fmtTimePtr(step.CompletedAt),
		fmtTimePtr(step.RetryAfter), fmtTime(step.CreatedAt), fmtTime(step.UpdatedAt),
	}, nil
}

func (r *rows) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID)
	step, err := r.scanStep(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return step, err
}

func (r *rows) InsertStep(ctx context.Context, step *world.Step) error {
	args, err := r.stepArgs(step)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err, "steps.") {
		return store.ErrExists
	}
	return err
}

const stepUpdateSet = `step_name = ?, status = ?, input = ?, output = ?, error = ?, attempt = ?,
	started_at = ?, completed_at = ?, retry_after = ?, created_at = ?, updated_at = ?`

func (r *rows) UpdateStep(ctx context.Context, step *world.Step) error {
	args, err := r.stepArgs(step)
	if err != nil {
		return err
	}
	args = append(args[2:], step.RunID, step.StepID)
	res, err := r.q.ExecContext(ctx, `UPDATE steps SET `+stepUpdateSet+`
		WHERE run_id = ? AND step_id = ?`, args...)
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
	args, err := r.stepArgs(step)
	if err != nil {
		return false, err
	}
	args = append(args[2:], step.RunID, step.StepID)
	res, err := r.q.ExecContext(ctx, `UPDATE steps SET `+stepUpdateSet+`
		WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed', 'failed')`, args...)
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
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = ?`
	args := []any{runID}
	if filter.Cursor != "" {
		query += ` AND step_id > ?`
		args = append(args, filter.Cursor)
	}
	query += ` ORDER BY step_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit+1)
	}

	rs, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	page := &world.StepPage{}
	for rs.Next() {
		step, err := r.scanStep(rs)
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

func (r *rows) scanHook(sc rowScanner) (*world.Hook, error) {
	var (
		hook      world.Hook
		metadata  sql.NullString
		createdAt string
	)
	if err := sc.Scan(&hook.RunID, &hook.HookID, &hook.Token, &metadata, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if hook.Metadata, err = r.openRaw(metadata); err != nil {
		return nil, err
	}
	if hook.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (r *rows) GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT run_id, hook_id, token, metadata, created_at FROM hooks WHERE run_id = ? AND hook_id = ?`,
		runID, hookID)
	hook, err := r.scanHook(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return hook, err
}

func (r *rows) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT run_id, hook_id, token, metadata, created_at FROM hooks WHERE token = ?`, token)
	hook, err := r.scanHook(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return hook, err
}

func (r *rows) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	rs, err := r.q.QueryContext(ctx,
		`SELECT run_id, hook_id, token, metadata, created_at FROM hooks WHERE run_id = ? ORDER BY hook_id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var hooks []*world.Hook
	for rs.Next() {
		hook, err := r.scanHook(rs)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, rs.Err()
}

func (r *rows) InsertHook(ctx context.Context, hook *world.Hook) error {
	metadata, err := r.sealRaw(hook.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO hooks (run_id, hook_id, token, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		hook.RunID, hook.HookID, hook.Token, metadata, fmtTime(hook.CreatedAt))
	if isUniqueViolation(err, "hooks.token") {
		return store.ErrTokenExists
	}
	if isUniqueViolation(err, "hooks.") {
		return store.ErrExists
	}
	return err
}

func (r *rows) DeleteHook(ctx context.Context, runID, hookID string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM hooks WHERE run_id = ? AND hook_id = ?`, runID, hookID)
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
	_, err := r.q.ExecContext(ctx, `DELETE FROM hooks WHERE run_id = ?`, runID)
	return err
}

// Events.

func (r *rows) AppendEvent(ctx context.Context, event *world.Event) error {
	data, err := r.sealRaw(event.EventData)
	if err != nil {
		return err
	}
	var correlationID any
	if event.CorrelationID != "" {
		correlationID = event.CorrelationID
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO events (run_id, event_id, correlation_id, event_type, event_data, created_at, spec_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.EventID, correlationID, string(event.EventType), data,
		fmtTime(event.CreatedAt), event.SpecVersion)
	if isUniqueViolation(err, "events.") {
		return store.ErrExists
	}
	return err
}

func (r *rows) scanEvent(sc rowScanner) (*world.Event, error) {
	var (
		event         world.Event
		correlationID sql.NullString
		data          sql.NullString
		createdAt     string
	)
	err := sc.Scan(&event.RunID, &event.EventID, &correlationID, &event.EventType, &data,
		&createdAt, &event.SpecVersion)
	if err != nil {
		return nil, err
	}
	event.CorrelationID = correlationID.String
	if event.EventData, err = r.openRaw(data); err != nil {
		return nil, err
	}
	if event.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &event, nil
}

const eventColumns = `run_id, event_id, correlation_id, event_type, event_data, created_at, spec_version`

func (r *rows) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE run_id = ?`
	args := []any{runID}
	if filter.Cursor != "" {
		query += ` AND event_id > ?`
		args = append(args, filter.Cursor)
	}
	query += ` ORDER BY event_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit+1)
	}

	rs, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	page := &world.EventPage{}
	for rs.Next() {
		event, err := r.scanEvent(rs)
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
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND correlation_id = ? ORDER BY event_id`,
		runID, correlationID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var events []*world.Event
	for rs.Next() {
		event, err := r.scanEvent(rs)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rs.Err()
}

// Retention.

func (r *rows) ExpireRuns(ctx context.Context, before time.Time, limit int) (int, error) {
	query := `SELECT run_id FROM runs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND expired_at IS NULL
		AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY run_id`
	args := []any{fmtTime(before)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rs, err := r.q.QueryContext(ctx, query, args...)
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

	now := fmtTime(time.Now())
	for _, id := range ids {
		if _, err := r.q.ExecContext(ctx, `UPDATE runs SET
			input = NULL, execution_context = NULL, output = NULL,
			expired_at = ?, updated_at = ?
			WHERE run_id = ?`, now, now, id); err != nil {
			return 0, err
		}
		if _, err := r.q.ExecContext(ctx, `UPDATE steps SET
			input = NULL, output = NULL, updated_at = ?
			WHERE run_id = ?`, now, id); err != nil {
			return 0, err
		}
		if _, err := r.q.ExecContext(ctx, `UPDATE events SET event_data = NULL WHERE run_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
