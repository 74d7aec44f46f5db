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

package world

import (
	"strconv"
	"strings"
)

const (
	// SpecVersion is the event format version this runtime implements.
	// It is stamped on every run and event the runtime creates.
	SpecVersion = "1.0.0"

	// MinEventSourcedVersion is the oldest spec version handled by the
	// event-sourcing pipeline. Runs recorded before it predate the event
	// log and route through the legacy handler, which accepts only
	// run_cancelled (direct mutation) and wait_completed (log only).
	MinEventSourcedVersion = "0.6.0"
)

// CompareVersions orders two dotted numeric versions: -1 when a < b, 0 when
// equal, 1 when a > b. Missing segments compare as zero, so "1.0" equals
// "1.0.0". Non-numeric segments compare as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

// NewerThanRuntime reports whether a run's version is ahead of this runtime.
// Events against such runs fail with UnsupportedVersion.
func NewerThanRuntime(runVersion string) bool {
	if runVersion == "" {
		return false
	}
	return CompareVersions(runVersion, SpecVersion) > 0
}

// PreEventSourcing reports whether a run predates the event-sourced store
// and must route through the legacy handler.
func PreEventSourcing(runVersion string) bool {
	if runVersion == "" {
		return false
	}
	return CompareVersions(runVersion, MinEventSourcedVersion) < 0
}
