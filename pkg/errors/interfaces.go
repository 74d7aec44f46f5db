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

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for retry logic, error reporting, or specific handling paths.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "fatal", "retryable", "not_found", "terminal_conflict"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// Compile-time interface checks for the behavioral error types.
var (
	_ ErrorClassifier = (*FatalError)(nil)
	_ ErrorClassifier = (*RetryableError)(nil)
	_ ErrorClassifier = (*APIError)(nil)
	_ ErrorClassifier = (*TerminalConflictError)(nil)
	_ ErrorClassifier = (*NotFoundError)(nil)
	_ ErrorClassifier = (*UnsupportedVersionError)(nil)
	_ ErrorClassifier = (*ValidationError)(nil)
	_ ErrorClassifier = (*ConfigError)(nil)
	_ ErrorClassifier = (*TimeoutError)(nil)
)
