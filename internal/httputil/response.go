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

// Package httputil holds the small HTTP response and request helpers
// shared by the delivery, webhook, and admin endpoints.
package httputil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/rewindworks/rewind/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and
// message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErr maps err onto its HTTP status and writes it. Behavioral kinds
// carry their status (404, 410, 400, ...); anything else is a 500 with
// the message withheld.
func WriteErr(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	body := map[string]string{"error": message}
	var classifier errors.ErrorClassifier
	if errors.As(err, &classifier) {
		body["code"] = classifier.ErrorType()
	}
	WriteJSON(w, status, body)
}

// ReadBody reads a request body up to maxBytes. Oversize bodies return a
// ValidationError the caller can map to 413.
func ReadBody(r *http.Request, maxBytes int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, &errors.ValidationError{Field: "body", Message: "request body too large"}
	}
	return body, nil
}

// DecodeJSON decodes a JSON request body into out, rejecting unknown
// fields so client typos surface as 400s instead of silent drops.
func DecodeJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := ReadBody(r, maxBytes)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &errors.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
