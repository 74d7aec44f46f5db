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

// Package ident issues the globally unique, lexicographically sortable
// identifiers used for runs, steps, hooks, and events. An identifier is a
// kind prefix, a zero-padded millisecond timestamp, a per-millisecond
// counter, and a random suffix, so ordering identifiers as strings orders
// them by creation time within a process.
package ident

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the entity prefix embedded in an identifier.
type Kind string

const (
	KindRun    Kind = "run"
	KindStep   Kind = "step"
	KindHook   Kind = "hook"
	KindEvent  Kind = "evt"
	KindStream Kind = "strm"
)

const (
	millisWidth  = 12
	counterWidth = 4
	suffixWidth  = 8
	maxCounter   = 1<<16 - 1
)

// Clock abstracts wall-clock time so tests can drive ID generation
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Generator issues identifiers. It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	clock   Clock
	lastMs  int64
	counter uint32
}

// NewGenerator creates a Generator on the given clock. A nil clock uses
// the system clock.
func NewGenerator(clock Clock) *Generator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Generator{clock: clock}
}

// New issues the next identifier for the given kind. Identifiers issued by
// one Generator are strictly increasing in lexicographic order even when
// the clock stalls or steps backwards.
func (g *Generator) New(kind Kind) string {
	g.mu.Lock()
	ms := g.clock.Now().UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs
		g.counter++
		if g.counter > maxCounter {
			ms++
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMs = ms
	counter := g.counter
	g.mu.Unlock()

	return fmt.Sprintf("%s_%0*x%0*x_%s", kind, millisWidth, ms, counterWidth, counter, randomSuffix())
}

// NewToken issues an opaque token suitable for hook URLs. Tokens are not
// sortable; they only need to be unguessable and unique.
func NewToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func randomSuffix() string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	return s[:suffixWidth]
}

// Timestamp extracts the creation time encoded in an identifier. The second
// return value is false when the identifier was not produced by a Generator.
func Timestamp(id string) (time.Time, bool) {
	underscore := strings.IndexByte(id, '_')
	if underscore < 0 || len(id) < underscore+1+millisWidth {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(id[underscore+1:underscore+1+millisWidth], 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// KindOf extracts the kind prefix from an identifier. The second return
// value is false when the identifier has no prefix.
func KindOf(id string) (Kind, bool) {
	underscore := strings.IndexByte(id, '_')
	if underscore <= 0 {
		return "", false
	}
	return Kind(id[:underscore]), true
}
