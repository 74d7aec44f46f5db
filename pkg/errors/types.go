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
	"fmt"
	"time"
)

// FatalError signals an unrecoverable step failure. The step executor
// fails the step immediately without further attempts and the failure
// propagates into the workflow as the result of the awaited call.
type FatalError struct {
	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "fatal error"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable reports whether the operation should be retried.
func (e *FatalError) IsRetryable() bool { return false }

// RetryableError signals a recoverable step failure. It optionally carries
// a RetryAfter delay that gates when the step may be re-executed.
type RetryableError struct {
	// Message is the human-readable error description
	Message string

	// RetryAfter is the minimum delay before the next attempt.
	// Zero means retry at the executor's default cadence.
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "retryable error"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %v)", msg, e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category.
func (e *RetryableError) ErrorType() string { return "retryable" }

// IsRetryable reports whether the operation should be retried.
func (e *RetryableError) IsRetryable() bool { return true }

// APIError represents a failure reported by the storage or queue layer
// over HTTP. Status 410 means the target entity is terminal; 404 means
// it does not exist.
type APIError struct {
	// Status is the HTTP status code
	Status int

	// Code is a machine-readable error code (e.g., "TERMINAL_CONFLICT")
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID correlates this error with server logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("api error [HTTP %d]", e.Status)

	if e.Code != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Code)
	}

	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category.
func (e *APIError) ErrorType() string { return "api" }

// IsRetryable reports whether the operation should be retried.
// Timeouts, throttling, and server-side failures are retryable;
// every other 4xx bails immediately.
func (e *APIError) IsRetryable() bool {
	switch e.Status {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// TerminalConflictError represents an attempted modification of an entity
// in a terminal status. It surfaces over HTTP as 410 Gone.
type TerminalConflictError struct {
	// Resource is the type of entity (e.g., "run", "step")
	Resource string

	// ID is the entity identifier
	ID string

	// Status is the terminal status the entity is in
	Status string
}

// Error implements the error interface.
func (e *TerminalConflictError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s %s is %s and cannot be modified", e.Resource, e.ID, e.Status)
	}
	return fmt.Sprintf("%s %s is terminal and cannot be modified", e.Resource, e.ID)
}

// ErrorType identifies the error category.
func (e *TerminalConflictError) ErrorType() string { return "terminal_conflict" }

// IsRetryable reports whether the operation should be retried.
func (e *TerminalConflictError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "step", "hook")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType identifies the error category.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable reports whether the operation should be retried.
func (e *NotFoundError) IsRetryable() bool { return false }

// UnsupportedVersionError means an event was sourced against a run whose
// spec version is newer than this runtime understands.
type UnsupportedVersionError struct {
	// RunVersion is the spec version recorded on the run
	RunVersion string

	// RuntimeVersion is the spec version this runtime implements
	RuntimeVersion string
}

// Error implements the error interface.
func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("run spec version %s is newer than runtime version %s", e.RunVersion, e.RuntimeVersion)
}

// ErrorType identifies the error category.
func (e *UnsupportedVersionError) ErrorType() string { return "unsupported_version" }

// IsRetryable reports whether the operation should be retried.
func (e *UnsupportedVersionError) IsRetryable() bool { return false }

// ValidationError represents malformed event data or invalid user input.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType identifies the error category.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable reports whether the operation should be retried.
func (e *ValidationError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "world.target", "queue.backend")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable reports whether the operation should be retried.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "event append", "queue send")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable reports whether the operation should be retried.
func (e *TimeoutError) IsRetryable() bool { return true }
