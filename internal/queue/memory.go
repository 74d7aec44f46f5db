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

package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/world"
)

// MemoryOptions configures a MemoryBroker.
type MemoryOptions struct {
	// Workers is the number of concurrent handler slots. Default 4.
	Workers int

	// RetryBase is the redelivery backoff base after a handler error.
	// Backoff doubles per attempt up to RetryMax. Default 1s.
	RetryBase time.Duration

	// RetryMax caps the redelivery backoff. Default 30s.
	RetryMax time.Duration

	// Logger receives broker diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// MemoryBroker is the in-process queue backend. Messages live on a single
// delay heap ordered by availability time; workers claim the earliest due
// message whose run has nothing in flight, which gives per-run
// serialization across both topic families.
type MemoryBroker struct {
	mu       sync.Mutex
	heap     msgHeap
	inFlight map[string]bool
	signal   chan struct{}
	closed   bool

	workers   int
	retryBase time.Duration
	retryMax  time.Duration
	logger    *slog.Logger
}

var _ Broker = (*MemoryBroker)(nil)

type queuedMsg struct {
	msg         world.QueueMessage
	attempt     int
	availableAt time.Time
	seq         uint64
}

type msgHeap []*queuedMsg

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if !h[i].availableAt.Equal(h[j].availableAt) {
		return h[i].availableAt.Before(h[j].availableAt)
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)        { *h = append(*h, x.(*queuedMsg)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

var memorySeq uint64

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(opts MemoryOptions) *MemoryBroker {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		inFlight:  make(map[string]bool),
		signal:    make(chan struct{}, 1),
		workers:   opts.Workers,
		retryBase: opts.RetryBase,
		retryMax:  opts.RetryMax,
		logger:    log.WithComponent(logger, "queue"),
	}
}

// Enqueue submits a message, honoring its Delay.
func (b *MemoryBroker) Enqueue(ctx context.Context, msg world.QueueMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}

	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}
	memorySeq++
	heap.Push(&b.heap, &queuedMsg{
		msg:         msg,
		availableAt: time.Now().Add(msg.Delay),
		seq:         memorySeq,
	})
	b.wake()
	return nil
}

// wake nudges one idle worker. Must hold b.mu. After Close the signal
// channel is closed, so sending would panic; closed workers are already
// awake and draining.
func (b *MemoryBroker) wake() {
	if b.closed {
		return
	}
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// claim pops the earliest due message whose run is idle. It returns the
// message, or the duration until the next message becomes due, or ok=false
// when nothing is queued.
func (b *MemoryBroker) claim(now time.Time) (m *queuedMsg, wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	best := -1
	for i, qm := range b.heap {
		if qm.availableAt.After(now) {
			continue
		}
		if b.inFlight[qm.msg.RunID] {
			continue
		}
		if best < 0 || b.heap.Less(i, best) {
			best = i
		}
	}
	if best >= 0 {
		qm := b.heap[best]
		heap.Remove(&b.heap, best)
		qm.attempt++
		b.inFlight[qm.msg.RunID] = true
		return qm, 0, true
	}
	if len(b.heap) == 0 {
		return nil, 0, false
	}
	next := b.heap[0].availableAt.Sub(now)
	if next < time.Millisecond {
		next = time.Millisecond
	}
	return nil, next, true
}

// release returns a run to the idle set and optionally re-parks the
// message for later delivery.
func (b *MemoryBroker) release(qm *queuedMsg, redeliverIn time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inFlight, qm.msg.RunID)
	if redeliverIn >= 0 && !b.closed {
		qm.availableAt = time.Now().Add(redeliverIn)
		heap.Push(&b.heap, qm)
	}
	b.wake()
}

// Consume runs the worker pool until ctx is done or the broker closes.
func (b *MemoryBroker) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(ctx, h)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *MemoryBroker) work(ctx context.Context, h Handler) {
	for {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		qm, wait, ok := b.claim(time.Now())
		if qm == nil {
			var timer *time.Timer
			var due <-chan time.Time
			if ok {
				timer = time.NewTimer(wait)
				due = timer.C
			}
			select {
			case <-ctx.Done():
			case <-b.signal:
			case <-due:
			}
			if timer != nil {
				timer.Stop()
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		res, err := h(ctx, Delivery{Message: qm.msg, Attempt: qm.attempt})
		switch {
		case err != nil:
			backoff := b.retryBase << (qm.attempt - 1)
			if backoff > b.retryMax || backoff <= 0 {
				backoff = b.retryMax
			}
			b.logger.Warn("delivery failed, redelivering",
				log.QueueKey, qm.msg.Queue,
				log.RunIDKey, qm.msg.RunID,
				log.AttemptKey, qm.attempt,
				"backoff_ms", backoff.Milliseconds(),
				"error", err.Error())
			b.release(qm, backoff)
		case res.Defer > 0:
			b.release(qm, res.Defer)
		default:
			b.release(qm, -1)
		}
	}
}

// Depth reports queued plus parked messages.
func (b *MemoryBroker) Depth(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap), nil
}

// Close stops intake and wakes idle workers so Consume can drain.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.signal)
	return nil
}
