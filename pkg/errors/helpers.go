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

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := loadFile(path); err != nil {
//	    return errors.Wrapf(err, "loading file %s", path)
//	}
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
// This is a convenience wrapper around errors.Unwrap from the standard library.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRetryable reports whether err should be retried. It consults the
// ErrorClassifier interface when implemented, so both the behavioral
// types in this package and domain errors participate.
func IsRetryable(err error) bool {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return false
}

// RetryAfter extracts the requested retry delay from err, if it carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var retryable *RetryableError
	if errors.As(err, &retryable) && retryable.RetryAfter > 0 {
		return retryable.RetryAfter, true
	}
	return 0, false
}

// IsTerminalConflict reports whether err means the target entity is in a
// terminal status: either a TerminalConflictError from an in-process store
// or an APIError with HTTP 410 from a remote one.
func IsTerminalConflict(err error) bool {
	var conflict *TerminalConflictError
	if errors.As(err, &conflict) {
		return true
	}
	var api *APIError
	return errors.As(err, &api) && api.Status == http.StatusGone
}

// IsNotFound reports whether err means the target entity does not exist.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var api *APIError
	return errors.As(err, &api) && api.Status == http.StatusNotFound
}

// HTTPStatus maps an error to the HTTP status code it should surface as.
// Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var api *APIError
	if errors.As(err, &api) && api.Status > 0 {
		return api.Status
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		switch classifier.ErrorType() {
		case "not_found":
			return http.StatusNotFound
		case "terminal_conflict":
			return http.StatusGone
		case "validation":
			return http.StatusBadRequest
		case "unsupported_version":
			return http.StatusConflict
		case "timeout":
			return http.StatusGatewayTimeout
		}
	}

	return http.StatusInternalServerError
}

// FromStatus builds the behavioral error matching an HTTP status returned
// by a remote world. 404 and 410 map to their dedicated kinds so callers
// can classify without inspecting status codes.
func FromStatus(status int, code, message string) error {
	switch status {
	case http.StatusNotFound:
		return &NotFoundError{Resource: "entity", ID: message}
	case http.StatusGone:
		return &TerminalConflictError{Resource: "entity", ID: message}
	default:
		return &APIError{Status: status, Code: code, Message: message}
	}
}
