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

package dbqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/internal/world/local"
)

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	a, err := local.Open(local.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	opts.DB = a.DB()
	opts.Dialect = DialectSQLite
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDeliverAndAck(t *testing.T) {
	b := newTestBroker(t, Options{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan world.QueueMessage, 1)
	go b.Consume(ctx, func(ctx context.Context, d queue.Delivery) (queue.Result, error) {
		got <- d.Message
		return queue.Result{}, nil
	})

	require.NoError(t, b.Enqueue(ctx, world.QueueMessage{Queue: "workflow.order", RunID: "run_1"}))

	select {
	case msg := <-got:
		assert.Equal(t, "workflow.order", msg.Queue)
		assert.Equal(t, "run_1", msg.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	require.Eventually(t, func() bool {
		n, err := b.Depth(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPerRunSerialization(t *testing.T) {
	b := newTestBroker(t, Options{Workers: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	inFlight := map[string]int{}
	var violations int
	var delivered int
	done := make(chan struct{})

	go b.Consume(ctx, func(ctx context.Context, d queue.Delivery) (queue.Result, error) {
		mu.Lock()
		inFlight[d.Message.RunID]++
		if inFlight[d.Message.RunID] > 1 {
			violations++
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight[d.Message.RunID]--
		delivered++
		if delivered == 6 {
			close(done)
		}
		mu.Unlock()
		return queue.Result{}, nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(ctx, world.QueueMessage{Queue: "workflow.order", RunID: "run_a"}))
		require.NoError(t, b.Enqueue(ctx, world.QueueMessage{Queue: "step.charge", RunID: "run_b", StepID: "s1"}))
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("messages not drained")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, violations, "two deliveries for one run were in flight")
}

func TestDelayHonored(t *testing.T) {
	b := newTestBroker(t, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan time.Time, 1)
	go b.Consume(ctx, func(ctx context.Context, d queue.Delivery) (queue.Result, error) {
		got <- time.Now()
		return queue.Result{}, nil
	})

	start := time.Now()
	require.NoError(t, b.Enqueue(ctx, world.QueueMessage{
		Queue: "workflow.order", RunID: "run_1", Delay: 300 * time.Millisecond,
	}))

	select {
	case at := <-got:
		assert.GreaterOrEqual(t, at.Sub(start), 250*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed message not delivered")
	}
}

func TestDeferParksMessage(t *testing.T) {
	b := newTestBroker(t, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var times []time.Time
	done := make(chan struct{})

	go b.Consume(ctx, func(ctx context.Context, d queue.Delivery) (queue.Result, error) {
		mu.Lock()
		times = append(times, time.Now())
		n := len(times)
		mu.Unlock()
		if n == 1 {
			return queue.Result{Defer: 200 * time.Millisecond}, nil
		}
		close(done)
		return queue.Result{}, nil
	})

	require.NoError(t, b.Enqueue(ctx, world.QueueMessage{Queue: "workflow.order", RunID: "run_1"}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deferred message not redelivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 150*time.Millisecond)
}

func TestErrorTriggersRedeliveryWithAttempts(t *testing.T) {
	b := newTestBroker(t, Options{Workers: 1, RetryBase: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})

	go b.Consume(ctx, func(ctx context.Context, d queue.Delivery) (queue.Result, error) {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			return queue.Result{}, assert.AnError
		}
		close(done)
		return queue.Result{}, nil
	})

	require.NoError(t, b.Enqueue(ctx, world.QueueMessage{Queue: "step.charge", RunID: "run_1"}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("message not redelivered to success")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.Close())
	err := b.Enqueue(context.Background(), world.QueueMessage{Queue: "workflow.order", RunID: "run_1"})
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}
