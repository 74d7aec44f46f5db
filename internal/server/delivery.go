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
	"net/http"
	"strconv"
	"strings"

	"github.com/rewindworks/rewind/internal/httputil"
	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/steprun"
	"github.com/rewindworks/rewind/internal/world"
	rwerrors "github.com/rewindworks/rewind/pkg/errors"
)

// deliveryResponse acknowledges a delivery or defers its redelivery.
type deliveryResponse struct {
	OK             bool `json:"ok"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
}

// handleDelivery serves the flow and step endpoints: queue backends POST
// one message per request and honor the deferral in the response.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if isHealthProbe(r) {
		httputil.WriteJSON(w, http.StatusOK, deliveryResponse{OK: true})
		return
	}

	var msg world.QueueMessage
	if err := httputil.DecodeJSON(r, s.maxBody, &msg); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	if msg.RunID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	attempt := 1
	if v := r.Header.Get(DeliveryAttemptHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			attempt = n
		}
	}

	result, err := s.dispatcher.Handle(r.Context(), queue.Delivery{Message: msg, Attempt: attempt})
	if err != nil {
		s.logger.ErrorContext(r.Context(), "delivery handler failed",
			log.String(log.QueueKey, msg.Queue),
			log.String(log.RunIDKey, msg.RunID),
			log.Error(err))
		// 5xx asks the backend to redeliver.
		httputil.WriteError(w, http.StatusInternalServerError, "delivery failed")
		return
	}

	resp := deliveryResponse{OK: true}
	if result.Defer > 0 {
		resp.TimeoutSeconds = steprun.DeferSeconds(result.Defer)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleWebhook resumes the hook addressed by the token path segment.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		httputil.WriteError(w, http.StatusNotFound, "unknown token")
		return
	}

	body, err := httputil.ReadBody(r, s.maxBody)
	if err != nil {
		writeBodyErr(w, err)
		return
	}

	receipt, err := s.hooks.Receive(r.Context(), token, body, r.Header.Get("Content-Type"), r.Header)
	if err != nil {
		if rwerrors.IsNotFound(err) {
			httputil.WriteError(w, http.StatusNotFound, "unknown token")
			return
		}
		writeBodyErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

// writeBodyErr maps oversize payloads to 413 instead of the generic 400.
func writeBodyErr(w http.ResponseWriter, err error) {
	if bodyTooLarge(err) {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	httputil.WriteErr(w, err)
}

func bodyTooLarge(err error) bool {
	var validation *rwerrors.ValidationError
	if !rwerrors.As(err, &validation) {
		return false
	}
	return strings.Contains(validation.Message, "too large") ||
		strings.Contains(validation.Message, "exceeds")
}

func isHealthProbe(r *http.Request) bool {
	if r.URL.Query().Get(HealthQueryFlag) == "1" {
		return true
	}
	return r.Header.Get(HealthHeader) == "1"
}
