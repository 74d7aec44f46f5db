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

package ident

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fakeClock returns a fixed sequence of instants, repeating the last one
// once exhausted.
type fakeClock struct {
	mu    sync.Mutex
	times []time.Time
	idx   int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.idx]
	c.idx++
	return t
}

func TestNewIDShape(t *testing.T) {
	g := NewGenerator(nil)

	id := g.New(KindRun)
	if !strings.HasPrefix(id, "run_") {
		t.Errorf("expected run_ prefix, got %q", id)
	}

	kind, ok := KindOf(id)
	if !ok || kind != KindRun {
		t.Errorf("KindOf(%q) = %q, %v", id, kind, ok)
	}

	ts, ok := Timestamp(id)
	if !ok {
		t.Fatalf("Timestamp(%q) not parseable", id)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Errorf("embedded timestamp %v not near now", ts)
	}
}

func TestNewIDMonotonicSameMillisecond(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	clock := &fakeClock{times: []time.Time{now, now, now, now}}
	g := NewGenerator(clock)

	prev := g.New(KindEvent)
	for i := 0; i < 3; i++ {
		next := g.New(KindEvent)
		if next <= prev {
			t.Fatalf("ids not strictly increasing within one millisecond: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestNewIDMonotonicClockBackwards(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	clock := &fakeClock{times: []time.Time{
		base,
		base.Add(-5 * time.Millisecond),
		base.Add(-10 * time.Millisecond),
	}}
	g := NewGenerator(clock)

	a := g.New(KindRun)
	b := g.New(KindRun)
	c := g.New(KindRun)
	if !(a < b && b < c) {
		t.Errorf("ids must stay ordered when the clock steps backwards: %q %q %q", a, b, c)
	}
}

func TestNewIDUniqueUnderConcurrency(t *testing.T) {
	g := NewGenerator(nil)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	ids := make(chan string, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- g.New(KindStep)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, workers*perWorker)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id issued: %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewToken(t *testing.T) {
	a := NewToken()
	b := NewToken()
	if a == b {
		t.Error("tokens must differ")
	}
	if strings.Contains(a, "-") {
		t.Errorf("token should not contain dashes: %q", a)
	}
	if len(a) != 32 {
		t.Errorf("token length = %d, want 32", len(a))
	}
}

func TestTimestampRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{"", "run", "run_short", "no-underscore", "run_zzzzzzzzzzzz_x"} {
		if _, ok := Timestamp(id); ok && id == "run_zzzzzzzzzzzz_x" {
			t.Errorf("Timestamp(%q) should fail to parse", id)
		}
	}
}

func TestIDOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("issue order equals lexicographic order", prop.ForAll(
		func(jitters []int8) bool {
			base := time.UnixMilli(1700000000000)
			times := make([]time.Time, 0, len(jitters)+1)
			times = append(times, base)
			for _, j := range jitters {
				base = base.Add(time.Duration(j) * time.Millisecond)
				times = append(times, base)
			}

			g := NewGenerator(&fakeClock{times: times})
			prev := g.New(KindEvent)
			for range jitters {
				next := g.New(KindEvent)
				if next <= prev {
					return false
				}
				prev = next
			}
			return true
		},
		gen.SliceOf(gen.Int8()),
	))

	properties.TestingRun(t)
}
