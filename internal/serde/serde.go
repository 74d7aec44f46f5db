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

// Package serde carries values across the step boundary. Dehydration
// turns live handles into persistable references (stream handles marshal
// themselves to {"$workflow_stream": id}); hydration happens on the
// receiving side when the step context decodes its arguments and binds
// references back to the run.
package serde

import (
	"encoding/json"
	"fmt"

	"github.com/rewindworks/rewind/pkg/errors"
)

// Dehydrate serializes a step argument or result for persistence. A value
// that cannot serialize is a fatal authoring error, not a transient one.
func Dehydrate(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &errors.FatalError{
			Message: fmt.Sprintf("value does not serialize: %v", err),
			Cause:   err,
		}
	}
	return raw, nil
}

// DehydrateArgs serializes positional arguments in order.
func DehydrateArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := Dehydrate(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// DehydrateVars serializes named captured variables. Nil and empty maps
// dehydrate to nil.
func DehydrateVars(vars map[string]any) (map[string]json.RawMessage, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(vars))
	for name, v := range vars {
		raw, err := Dehydrate(v)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}
