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

// Package queue defines the delivery contract between the engine and its
// queue backends: at-least-once delivery, per-run serialization, native
// delays, and handler-directed visibility deferral.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rewindworks/rewind/internal/world"
)

// ErrQueueClosed is returned by operations on a closed broker.
var ErrQueueClosed = errors.New("queue: closed")

// WorkflowTopicPrefix and StepTopicPrefix name the two topic families. The
// full queue name is the prefix plus the workflow or step name.
const (
	WorkflowTopicPrefix = "workflow."
	StepTopicPrefix     = "step."
)

// WorkflowTopic returns the orchestrator queue name for a workflow.
func WorkflowTopic(workflowName string) string {
	return WorkflowTopicPrefix + workflowName
}

// StepTopic returns the executor queue name for a step.
func StepTopic(stepName string) string {
	return StepTopicPrefix + stepName
}

// Delivery is one attempt to hand a message to a handler.
type Delivery struct {
	// Message is the enqueued payload.
	Message world.QueueMessage

	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// Result directs the broker after a handler returns without error.
type Result struct {
	// Defer requests redelivery after the given delay instead of
	// acknowledgment. Zero acknowledges the message.
	Defer time.Duration
}

// Handler processes one delivery. Returning an error triggers redelivery
// with backoff; returning a Result with Defer set parks the message.
type Handler func(ctx context.Context, d Delivery) (Result, error)

// Broker is a queue backend. Delivery guarantees:
//
//   - at-least-once: a message is redelivered until acknowledged
//   - per-run serialization: at most one delivery for a given run is in
//     flight at a time, across both topic families
//   - delays: Enqueue honors QueueMessage.Delay, and Result.Defer parks a
//     delivered message for the requested duration
type Broker interface {
	world.Queuer

	// Consume delivers messages to h until ctx is done or the broker
	// closes. It blocks for the life of the consumer.
	Consume(ctx context.Context, h Handler) error

	// Depth reports how many messages are queued or parked.
	Depth(ctx context.Context) (int, error)

	// Close stops intake. In-flight deliveries finish.
	Close() error
}
