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

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rewindworks/rewind/internal/httputil"
	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
)

// startRunRequest is the POST /v1/runs body.
type startRunRequest struct {
	WorkflowName     string                     `json:"workflow_name"`
	Input            []json.RawMessage          `json:"input,omitempty"`
	ExecutionContext map[string]json.RawMessage `json:"execution_context,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := httputil.DecodeJSON(r, s.maxBody, &req); err != nil {
		writeBodyErr(w, err)
		return
	}
	if req.WorkflowName == "" {
		httputil.WriteError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	data, err := json.Marshal(world.RunCreatedData{
		WorkflowName:     req.WorkflowName,
		Input:            req.Input,
		ExecutionContext: req.ExecutionContext,
	})
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	result, err := s.w.CreateEvent(r.Context(), "", world.NewEvent{
		Type: world.EventRunCreated,
		Data: data,
	})
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}

	if err := s.w.Enqueue(r.Context(), world.QueueMessage{
		Queue:        queue.WorkflowTopic(req.WorkflowName),
		RunID:        result.Run.RunID,
		TraceContext: tracing.InjectMap(r.Context()),
	}); err != nil {
		// The run exists; the caller can retry via cancel/start or wait
		// for a redelivery path. Surface the failure.
		s.logger.ErrorContext(r.Context(), "enqueue after run create failed",
			log.String(log.RunIDKey, result.Run.RunID),
			log.Error(err))
		httputil.WriteErr(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, result.Run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := world.RunFilter{
		WorkflowName: q.Get("workflow_name"),
		Status:       world.RunStatus(q.Get("status")),
		Cursor:       q.Get("cursor"),
		Limit:        queryInt(q.Get("limit")),
		Resolve:      resolveMode(q.Get("resolve_data")),
	}
	page, err := s.w.ListRuns(r.Context(), filter)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.w.GetRun(r.Context(), r.PathValue("id"), world.ResolveAll)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.w.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.w.ListEvents(r.Context(), r.PathValue("id"), world.EventFilter{
		Cursor:  q.Get("cursor"),
		Limit:   queryInt(q.Get("limit")),
		Resolve: resolveMode(q.Get("resolve_data")),
	})
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.w.ListSteps(r.Context(), r.PathValue("id"), world.StepFilter{
		Cursor:  q.Get("cursor"),
		Limit:   queryInt(q.Get("limit")),
		Resolve: resolveMode(q.Get("resolve_data")),
	})
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleListHooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.w.ListHooks(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"hooks": hooks})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.w.DeploymentID(r.Context()); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": "world unreachable",
		})
		return
	}
	body := map[string]any{"ok": true}
	if s.broker != nil {
		if depth, err := s.broker.Depth(r.Context()); err == nil {
			body["queue_depth"] = depth
		}
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":      s.version,
		"spec_version": world.SpecVersion,
	})
}

func queryInt(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

// resolveMode defaults list endpoints to eliding payloads.
func resolveMode(v string) world.ResolveMode {
	if v == string(world.ResolveAll) {
		return world.ResolveAll
	}
	return world.ResolveNone
}
