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

// Package memory provides the in-memory storage adapter. It backs unit
// tests and the default local development configuration; nothing survives a
// restart.
//
// Stored entities are treated as immutable values: reads return copies and
// writes replace whole entries, which makes transaction rollback a matter
// of restoring the map snapshot taken at Tx entry.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/world"
)

// Adapter is the in-memory implementation of store.Adapter.
type Adapter struct {
	mu sync.Mutex
	st *state
}

var _ store.Adapter = (*Adapter)(nil)

// state holds every table. Tx snapshots and swaps the whole struct.
type state struct {
	runs   map[string]*world.Run
	steps  map[string]map[string]*world.Step
	hooks  map[string]map[string]*world.Hook
	tokens map[string]hookRef
	events map[string][]*world.Event
}

type hookRef struct {
	runID  string
	hookID string
}

// New creates an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{st: newState()}
}

func newState() *state {
	return &state{
		runs:   make(map[string]*world.Run),
		steps:  make(map[string]map[string]*world.Step),
		hooks:  make(map[string]map[string]*world.Hook),
		tokens: make(map[string]hookRef),
		events: make(map[string][]*world.Event),
	}
}

// snapshot copies the map structure. Entity pointers are shared: entries
// are never mutated in place, only replaced.
func (s *state) snapshot() *state {
	cp := &state{
		runs:   make(map[string]*world.Run, len(s.runs)),
		steps:  make(map[string]map[string]*world.Step, len(s.steps)),
		hooks:  make(map[string]map[string]*world.Hook, len(s.hooks)),
		tokens: make(map[string]hookRef, len(s.tokens)),
		events: make(map[string][]*world.Event, len(s.events)),
	}
	for k, v := range s.runs {
		cp.runs[k] = v
	}
	for k, v := range s.steps {
		inner := make(map[string]*world.Step, len(v))
		for k2, v2 := range v {
			inner[k2] = v2
		}
		cp.steps[k] = inner
	}
	for k, v := range s.hooks {
		inner := make(map[string]*world.Hook, len(v))
		for k2, v2 := range v {
			inner[k2] = v2
		}
		cp.hooks[k] = inner
	}
	for k, v := range s.tokens {
		cp.tokens[k] = v
	}
	for k, v := range s.events {
		cp.events[k] = v[:len(v):len(v)]
	}
	return cp
}

// Tx runs fn atomically under the adapter lock. On error the pre-Tx
// snapshot is restored, rolling every buffered change back.
func (a *Adapter) Tx(ctx context.Context, fn func(store.Rows) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	before := a.st.snapshot()
	if err := fn((*rows)(a)); err != nil {
		a.st = before
		return err
	}
	return nil
}

// Close releases nothing; the adapter holds no external resources.
func (a *Adapter) Close() error { return nil }

// rows is the unlocked view handed to Tx callbacks. The adapter's public
// row methods lock and delegate to it.
type rows Adapter

func (a *Adapter) locked(fn func(r *rows) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn((*rows)(a))
}

func (a *Adapter) GetRun(ctx context.Context, runID string) (run *world.Run, err error) {
	err = a.locked(func(r *rows) error {
		run, err = r.GetRun(ctx, runID)
		return err
	})
	return run, err
}

func (a *Adapter) InsertRun(ctx context.Context, run *world.Run) error {
	return a.locked(func(r *rows) error { return r.InsertRun(ctx, run) })
}

func (a *Adapter) UpdateRun(ctx context.Context, run *world.Run) error {
	return a.locked(func(r *rows) error { return r.UpdateRun(ctx, run) })
}

func (a *Adapter) ListRuns(ctx context.Context, filter world.RunFilter) (page *world.RunPage, err error) {
	err = a.locked(func(r *rows) error {
		page, err = r.ListRuns(ctx, filter)
		return err
	})
	return page, err
}

func (a *Adapter) GetStep(ctx context.Context, runID, stepID string) (step *world.Step, err error) {
	err = a.locked(func(r *rows) error {
		step, err = r.GetStep(ctx, runID, stepID)
		return err
	})
	return step, err
}

func (a *Adapter) InsertStep(ctx context.Context, step *world.Step) error {
	return a.locked(func(r *rows) error { return r.InsertStep(ctx, step) })
}

func (a *Adapter) UpdateStep(ctx context.Context, step *world.Step) error {
	return a.locked(func(r *rows) error { return r.UpdateStep(ctx, step) })
}

func (a *Adapter) UpdateStepIfLive(ctx context.Context, step *world.Step) (changed bool, err error) {
	err = a.locked(func(r *rows) error {
		changed, err = r.UpdateStepIfLive(ctx, step)
		return err
	})
	return changed, err
}

func (a *Adapter) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (page *world.StepPage, err error) {
	err = a.locked(func(r *rows) error {
		page, err = r.ListSteps(ctx, runID, filter)
		return err
	})
	return page, err
}

func (a *Adapter) GetHook(ctx context.Context, runID, hookID string) (hook *world.Hook, err error) {
	err = a.locked(func(r *rows) error {
		hook, err = r.GetHook(ctx, runID, hookID)
		return err
	})
	return hook, err
}

func (a *Adapter) GetHookByToken(ctx context.Context, token string) (hook *world.Hook, err error) {
	err = a.locked(func(r *rows) error {
		hook, err = r.GetHookByToken(ctx, token)
		return err
	})
	return hook, err
}

func (a *Adapter) ListHooks(ctx context.Context, runID string) (hooks []*world.Hook, err error) {
	err = a.locked(func(r *rows) error {
		hooks, err = r.ListHooks(ctx, runID)
		return err
	})
	return hooks, err
}

func (a *Adapter) InsertHook(ctx context.Context, hook *world.Hook) error {
	return a.locked(func(r *rows) error { return r.InsertHook(ctx, hook) })
}

func (a *Adapter) DeleteHook(ctx context.Context, runID, hookID string) error {
	return a.locked(func(r *rows) error { return r.DeleteHook(ctx, runID, hookID) })
}

func (a *Adapter) DeleteHooksByRun(ctx context.Context, runID string) error {
	return a.locked(func(r *rows) error { return r.DeleteHooksByRun(ctx, runID) })
}

func (a *Adapter) AppendEvent(ctx context.Context, event *world.Event) error {
	return a.locked(func(r *rows) error { return r.AppendEvent(ctx, event) })
}

func (a *Adapter) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (page *world.EventPage, err error) {
	err = a.locked(func(r *rows) error {
		page, err = r.ListEvents(ctx, runID, filter)
		return err
	})
	return page, err
}

func (a *Adapter) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) (events []*world.Event, err error) {
	err = a.locked(func(r *rows) error {
		events, err = r.ListEventsByCorrelationID(ctx, runID, correlationID)
		return err
	})
	return events, err
}

func (a *Adapter) ExpireRuns(ctx context.Context, before time.Time, limit int) (n int, err error) {
	err = a.locked(func(r *rows) error {
		n, err = r.ExpireRuns(ctx, before, limit)
		return err
	})
	return n, err
}

// Row implementations. All run under the adapter lock.

func (r *rows) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	run, ok := r.st.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *rows) InsertRun(ctx context.Context, run *world.Run) error {
	if _, ok := r.st.runs[run.RunID]; ok {
		return store.ErrExists
	}
	cp := *run
	r.st.runs[run.RunID] = &cp
	return nil
}

func (r *rows) UpdateRun(ctx context.Context, run *world.Run) error {
	if _, ok := r.st.runs[run.RunID]; !ok {
		return store.ErrNotFound
	}
	cp := *run
	r.st.runs[run.RunID] = &cp
	return nil
}

func (r *rows) ListRuns(ctx context.Context, filter world.RunFilter) (*world.RunPage, error) {
	ids := make([]string, 0, len(r.st.runs))
	for id, run := range r.st.runs {
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Cursor != "" && id <= filter.Cursor {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page := &world.RunPage{}
	for _, id := range ids {
		if filter.Limit > 0 && len(page.Runs) == filter.Limit {
			page.NextCursor = page.Runs[len(page.Runs)-1].RunID
			break
		}
		cp := *r.st.runs[id]
		page.Runs = append(page.Runs, &cp)
	}
	return page, nil
}

func (r *rows) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	step, ok := r.st.steps[runID][stepID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *step
	return &cp, nil
}

func (r *rows) InsertStep(ctx context.Context, step *world.Step) error {
	byID := r.st.steps[step.RunID]
	if byID == nil {
		byID = make(map[string]*world.Step)
		r.st.steps[step.RunID] = byID
	}
	if _, ok := byID[step.StepID]; ok {
		return store.ErrExists
	}
	cp := *step
	byID[step.StepID] = &cp
	return nil
}

func (r *rows) UpdateStep(ctx context.Context, step *world.Step) error {
	byID := r.st.steps[step.RunID]
	if _, ok := byID[step.StepID]; !ok {
		return store.ErrNotFound
	}
	cp := *step
	byID[step.StepID] = &cp
	return nil
}

// UpdateStepIfLive is the memory rendition of the SQL conditional update:
// the write lands only while the current status is outside the terminal
// set, in one critical section.
func (r *rows) UpdateStepIfLive(ctx context.Context, step *world.Step) (bool, error) {
	current, ok := r.st.steps[step.RunID][step.StepID]
	if !ok || current.Status.Terminal() {
		return false, nil
	}
	cp := *step
	r.st.steps[step.RunID][step.StepID] = &cp
	return true, nil
}

func (r *rows) ListSteps(ctx context.Context, runID string, filter world.StepFilter) (*world.StepPage, error) {
	byID := r.st.steps[runID]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		if filter.Cursor != "" && id <= filter.Cursor {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page := &world.StepPage{}
	for _, id := range ids {
		if filter.Limit > 0 && len(page.Steps) == filter.Limit {
			page.NextCursor = page.Steps[len(page.Steps)-1].StepID
			break
		}
		cp := *byID[id]
		page.Steps = append(page.Steps, &cp)
	}
	return page, nil
}

func (r *rows) GetHook(ctx context.Context, runID, hookID string) (*world.Hook, error) {
	hook, ok := r.st.hooks[runID][hookID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *hook
	return &cp, nil
}

func (r *rows) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	ref, ok := r.st.tokens[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.GetHook(ctx, ref.runID, ref.hookID)
}

func (r *rows) ListHooks(ctx context.Context, runID string) ([]*world.Hook, error) {
	byID := r.st.hooks[runID]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hooks := make([]*world.Hook, 0, len(ids))
	for _, id := range ids {
		cp := *byID[id]
		hooks = append(hooks, &cp)
	}
	return hooks, nil
}

func (r *rows) InsertHook(ctx context.Context, hook *world.Hook) error {
	if _, ok := r.st.tokens[hook.Token]; ok {
		return store.ErrTokenExists
	}
	byID := r.st.hooks[hook.RunID]
	if byID == nil {
		byID = make(map[string]*world.Hook)
		r.st.hooks[hook.RunID] = byID
	}
	if _, ok := byID[hook.HookID]; ok {
		return store.ErrExists
	}
	cp := *hook
	byID[hook.HookID] = &cp
	r.st.tokens[hook.Token] = hookRef{runID: hook.RunID, hookID: hook.HookID}
	return nil
}

func (r *rows) DeleteHook(ctx context.Context, runID, hookID string) error {
	hook, ok := r.st.hooks[runID][hookID]
	if !ok {
		return store.ErrNotFound
	}
	delete(r.st.hooks[runID], hookID)
	delete(r.st.tokens, hook.Token)
	return nil
}

func (r *rows) DeleteHooksByRun(ctx context.Context, runID string) error {
	for _, hook := range r.st.hooks[runID] {
		delete(r.st.tokens, hook.Token)
	}
	delete(r.st.hooks, runID)
	return nil
}

func (r *rows) AppendEvent(ctx context.Context, event *world.Event) error {
	cp := *event
	r.st.events[event.RunID] = append(r.st.events[event.RunID], &cp)
	return nil
}

func (r *rows) ListEvents(ctx context.Context, runID string, filter world.EventFilter) (*world.EventPage, error) {
	page := &world.EventPage{}
	for _, ev := range r.st.events[runID] {
		if filter.Cursor != "" && ev.EventID <= filter.Cursor {
			continue
		}
		if filter.Limit > 0 && len(page.Events) == filter.Limit {
			page.NextCursor = page.Events[len(page.Events)-1].EventID
			break
		}
		cp := *ev
		page.Events = append(page.Events, &cp)
	}
	return page, nil
}

func (r *rows) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string) ([]*world.Event, error) {
	var events []*world.Event
	for _, ev := range r.st.events[runID] {
		if ev.CorrelationID != correlationID {
			continue
		}
		cp := *ev
		events = append(events, &cp)
	}
	return events, nil
}

func (r *rows) ExpireRuns(ctx context.Context, before time.Time, limit int) (int, error) {
	ids := make([]string, 0, len(r.st.runs))
	for id, run := range r.st.runs {
		if !run.Status.Terminal() || run.ExpiredAt != nil {
			continue
		}
		if run.CompletedAt == nil || !run.CompletedAt.Before(before) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	now := time.Now().UTC()
	for _, id := range ids {
		run := *r.st.runs[id]
		run.Input = nil
		run.Output = nil
		run.ExecutionContext = nil
		run.ExpiredAt = &now
		run.UpdatedAt = now
		r.st.runs[id] = &run

		for stepID, step := range r.st.steps[id] {
			cp := *step
			cp.Input = world.StepInput{}
			cp.Output = nil
			cp.UpdatedAt = now
			r.st.steps[id][stepID] = &cp
		}
		stripped := make([]*world.Event, 0, len(r.st.events[id]))
		for _, ev := range r.st.events[id] {
			cp := *ev
			cp.EventData = nil
			stripped = append(stripped, &cp)
		}
		r.st.events[id] = stripped
	}
	return len(ids), nil
}
