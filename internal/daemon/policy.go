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

package daemon

import (
	"log/slog"
	"sync/atomic"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/manifest"
	"github.com/rewindworks/rewind/internal/policy"
)

// policyState pairs a compiled policy set with the manifest it came from,
// so a manifest swap invalidates the compilation.
type policyState struct {
	m   *manifest.Manifest
	set *policy.Set
}

// policyCache compiles the active manifest's retry policies on demand.
// The executor consults it on every failure; compilation happens once per
// manifest swap, not per call.
type policyCache struct {
	manifests *manifest.Store
	logger    *slog.Logger
	current   atomic.Pointer[policyState]
}

func newPolicyCache(manifests *manifest.Store, logger *slog.Logger) *policyCache {
	c := &policyCache{
		manifests: manifests,
		logger:    log.WithComponent(logger, "policy"),
	}
	empty, _ := policy.Compile(nil)
	c.current.Store(&policyState{set: empty})
	return c
}

// set returns the policy set for the active manifest, recompiling after a
// swap. A manifest whose policies fail to compile keeps the previous set
// active; the watcher already validated the schema, so this is rare.
func (c *policyCache) set() *policy.Set {
	m := c.manifests.Current()
	st := c.current.Load()
	if st.m == m {
		return st.set
	}
	compiled, err := policy.Compile(m)
	if err != nil {
		c.logger.Warn("manifest policies rejected, keeping previous", log.Error(err))
		c.current.Store(&policyState{m: m, set: st.set})
		return st.set
	}
	c.current.Store(&policyState{m: m, set: compiled})
	return compiled
}

// Classify is the steprun classifier backed by the active policy set.
func (c *policyCache) Classify(stepName string, attempt int, err error) error {
	return c.set().Classify(stepName, attempt, err)
}

// Budget applies the active policy set's retry-budget overrides.
func (c *policyCache) Budget(stepName string, declared int) int {
	return c.set().MaxRetries(stepName, declared)
}
