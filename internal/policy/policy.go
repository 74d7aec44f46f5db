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

// Package policy applies manifest-declared retry policies to step
// failures. A rule matches step names with a doublestar pattern and can
// cap the retry budget or gate retries on a retry_if expression evaluated
// against the failure.
package policy

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rewindworks/rewind/internal/manifest"
	"github.com/rewindworks/rewind/pkg/errors"
)

// rule is one compiled policy rule.
type rule struct {
	pattern    string
	maxRetries *int
	retryIf    *vm.Program
}

// Set is the compiled policy set for one manifest.
type Set struct {
	// exact maps declared step names to their per-step entries.
	exact map[string]rule

	// rules are pattern rules, applied in manifest order; first match
	// wins.
	rules []rule
}

// exprEnv is the environment a retry_if expression sees.
func exprEnv(attempt int, err error) map[string]any {
	env := map[string]any{
		"attempt": attempt,
		"code":    "",
		"status":  0,
		"message": "",
	}
	if err != nil {
		env["message"] = err.Error()
	}
	var classifier errors.ErrorClassifier
	if errors.As(err, &classifier) {
		env["code"] = classifier.ErrorType()
	}
	var api *errors.APIError
	if errors.As(err, &api) {
		env["status"] = api.Status
	}
	return env
}

// compileRetryIf compiles a retry_if expression against the failure
// environment.
func compileRetryIf(code string) (*vm.Program, error) {
	return expr.Compile(code, expr.Env(exprEnv(0, nil)), expr.AsBool())
}

// Compile builds the policy set declared by a manifest. A nil manifest
// compiles to an empty set.
func Compile(m *manifest.Manifest) (*Set, error) {
	s := &Set{exact: make(map[string]rule)}
	if m == nil {
		return s, nil
	}

	for file, entries := range m.Steps {
		for fn, entry := range entries {
			if entry.MaxRetries == nil && entry.RetryIf == "" {
				continue
			}
			name := manifest.KindStep + "//" + file + "//" + fn
			r := rule{pattern: name, maxRetries: entry.MaxRetries}
			if entry.RetryIf != "" {
				program, err := compileRetryIf(entry.RetryIf)
				if err != nil {
					return nil, &errors.ValidationError{
						Field:   "manifest.steps." + file + "." + fn + ".retryIf",
						Message: err.Error(),
					}
				}
				r.retryIf = program
			}
			s.exact[name] = r
		}
	}

	for i, pr := range m.Policies {
		if !doublestar.ValidatePattern(pr.Match) {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("manifest.policies[%d].match", i),
				Message: "invalid pattern " + pr.Match,
			}
		}
		r := rule{pattern: pr.Match, maxRetries: pr.MaxRetries}
		if pr.RetryIf != "" {
			program, err := compileRetryIf(pr.RetryIf)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:   fmt.Sprintf("manifest.policies[%d].retryIf", i),
					Message: err.Error(),
				}
			}
			r.retryIf = program
		}
		s.rules = append(s.rules, r)
	}
	return s, nil
}

// match finds the rule governing a step name.
func (s *Set) match(stepName string) (rule, bool) {
	if r, ok := s.exact[stepName]; ok {
		return r, true
	}
	for _, r := range s.rules {
		if ok, _ := doublestar.Match(r.pattern, stepName); ok {
			return r, true
		}
	}
	return rule{}, false
}

// MaxRetries returns the retry budget for a step: the governing rule's
// override when one applies, else fallback. A negative override means no
// retries.
func (s *Set) MaxRetries(stepName string, fallback int) int {
	r, ok := s.match(stepName)
	if !ok || r.maxRetries == nil {
		return fallback
	}
	if *r.maxRetries < 0 {
		return 0
	}
	return *r.maxRetries
}

// Classify is a steprun classifier: when the governing rule's retry_if
// evaluates false for a failure, the failure is upgraded to fatal so the
// executor stops retrying.
func (s *Set) Classify(stepName string, attempt int, err error) error {
	if err == nil || errors.IsFatal(err) || errors.IsTerminalConflict(err) {
		return err
	}
	r, ok := s.match(stepName)
	if !ok || r.retryIf == nil {
		return err
	}

	out, runErr := expr.Run(r.retryIf, exprEnv(attempt, err))
	if runErr != nil {
		// A broken expression must not mask the real failure.
		return err
	}
	if allowed, _ := out.(bool); !allowed {
		return &errors.FatalError{
			Message: "retry policy rejected retry: " + err.Error(),
			Cause:   err,
		}
	}
	return err
}
