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

// Package sqs is the AWS SQS queue backend. FIFO queues give per-run
// serialization for free via MessageGroupId=run_id; delays beyond the
// 900s DelaySeconds cap are chunked with visibility deferral on receive.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/world"
)

// maxDelaySeconds is the SQS per-message DelaySeconds cap.
const maxDelaySeconds = 900

// maxVisibilitySeconds is the SQS visibility timeout cap (12 hours).
const maxVisibilitySeconds = 43200

// Client is the slice of the SQS API the broker uses.
type Client interface {
	SendMessage(ctx context.Context, in *awssqs.SendMessageInput, opts ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, opts ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, opts ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *awssqs.ChangeMessageVisibilityInput, opts ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *awssqs.GetQueueAttributesInput, opts ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Options configures a Broker.
type Options struct {
	// QueueURL is the SQS queue URL. A ".fifo" suffix enables FIFO
	// semantics (MessageGroupId per run).
	QueueURL string

	// Region is the AWS region. Falls back to the default credential
	// chain's region when empty.
	Region string

	// RoleArn, when set, assumes the role via STS before talking to SQS.
	RoleArn string

	// Client overrides the constructed SQS client. Used by tests.
	Client Client

	// Workers is the number of concurrent receive loops. Default 4.
	Workers int

	// WaitTime is the long-poll duration per receive. Default 20s.
	WaitTime time.Duration

	// RetryBase is the redelivery backoff base after a handler error.
	// Backoff doubles per attempt up to RetryMax. Default 1s.
	RetryBase time.Duration

	// RetryMax caps the redelivery backoff. Default 30s.
	RetryMax time.Duration

	// Logger receives broker diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// envelope wraps a queue message on the wire. NotBefore carries delays the
// DelaySeconds cap cannot express; receivers re-defer until it passes.
type envelope struct {
	NotBefore time.Time          `json:"not_before,omitempty"`
	Message   world.QueueMessage `json:"message"`
}

// Broker is the SQS queue backend.
type Broker struct {
	client   Client
	queueURL string
	fifo     bool

	workers   int
	waitTime  time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ queue.Broker = (*Broker)(nil)

// New builds the broker, loading AWS credentials from the default chain and
// assuming RoleArn when configured.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if opts.QueueURL == "" {
		return nil, fmt.Errorf("sqs: queue URL is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = 20 * time.Second
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

	client := opts.Client
	if client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("sqs: load AWS config: %w", err)
		}
		if opts.RoleArn != "" {
			stsClient := sts.NewFromConfig(cfg)
			cfg.Credentials = aws.NewCredentialsCache(
				stscreds.NewAssumeRoleProvider(stsClient, opts.RoleArn))
		}
		client = awssqs.NewFromConfig(cfg)
	}

	return &Broker{
		client:    client,
		queueURL:  opts.QueueURL,
		fifo:      strings.HasSuffix(opts.QueueURL, ".fifo"),
		workers:   opts.Workers,
		waitTime:  opts.WaitTime,
		retryBase: opts.RetryBase,
		retryMax:  opts.RetryMax,
		logger:    log.WithComponent(logger, "sqsqueue"),
	}, nil
}

// Enqueue sends a message. Short delays on standard queues use
// DelaySeconds; FIFO queues and longer delays carry NotBefore in the body.
func (b *Broker) Enqueue(ctx context.Context, msg world.QueueMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return queue.ErrQueueClosed
	}

	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}

	env := envelope{Message: msg}
	in := &awssqs.SendMessageInput{
		QueueUrl: aws.String(b.queueURL),
	}
	if b.fifo {
		in.MessageGroupId = aws.String(msg.RunID)
		in.MessageDeduplicationId = aws.String(uuid.NewString())
		if msg.Delay > 0 {
			// FIFO queues reject per-message DelaySeconds.
			env.NotBefore = time.Now().Add(msg.Delay).UTC()
		}
	} else if msg.Delay > 0 {
		delaySec := int32(msg.Delay / time.Second)
		if delaySec > maxDelaySeconds {
			delaySec = maxDelaySeconds
			env.NotBefore = time.Now().Add(msg.Delay).UTC()
		}
		in.DelaySeconds = delaySec
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sqs: marshal message: %w", err)
	}
	in.MessageBody = aws.String(string(body))

	if _, err := b.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs: send: %w", err)
	}
	return nil
}

// Consume runs the receive loops until ctx is done or the broker closes.
func (b *Broker) Consume(ctx context.Context, h queue.Handler) error {
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

func (b *Broker) work(ctx context.Context, h queue.Handler) {
	for {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		out, err := b.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(b.queueURL),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       int32(b.waitTime / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("receive failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range out.Messages {
			b.handle(ctx, h, m)
		}
	}
}

func (b *Broker) handle(ctx context.Context, h queue.Handler, m types.Message) {
	receipt := aws.ToString(m.ReceiptHandle)

	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &env); err != nil {
		b.logger.Error("dropping undecodable message",
			"message_id", aws.ToString(m.MessageId), "error", err.Error())
		b.delete(ctx, receipt)
		return
	}
	msg := env.Message

	// Not due yet: push visibility out toward NotBefore and let SQS
	// redeliver. Delays beyond the visibility cap re-chunk on the next
	// receive.
	if !env.NotBefore.IsZero() {
		if remaining := time.Until(env.NotBefore); remaining > 0 {
			b.defer_(ctx, receipt, remaining)
			return
		}
	}

	attempt := 1
	if rc, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(rc); err == nil && n > 0 {
			attempt = n
		}
	}

	res, err := h(ctx, queue.Delivery{Message: msg, Attempt: attempt})
	switch {
	case err != nil:
		backoff := b.retryBase << (attempt - 1)
		if backoff > b.retryMax || backoff <= 0 {
			backoff = b.retryMax
		}
		b.logger.Warn("delivery failed, redelivering",
			log.QueueKey, msg.Queue,
			log.RunIDKey, msg.RunID,
			log.AttemptKey, attempt,
			"backoff_ms", backoff.Milliseconds(),
			"error", err.Error())
		b.defer_(ctx, receipt, backoff)
	case res.Defer > 0:
		b.defer_(ctx, receipt, res.Defer)
	default:
		b.delete(ctx, receipt)
	}
}

func (b *Broker) delete(ctx context.Context, receipt string) {
	_, err := b.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		b.logger.Warn("delete failed", "error", err.Error())
	}
}

// defer_ parks the in-flight message by extending its visibility timeout.
func (b *Broker) defer_(ctx context.Context, receipt string, d time.Duration) {
	sec := int32(d / time.Second)
	if sec < 1 {
		sec = 1
	}
	if sec > maxVisibilitySeconds {
		sec = maxVisibilitySeconds
	}
	_, err := b.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: sec,
	})
	if err != nil {
		b.logger.Warn("visibility change failed", "error", err.Error())
	}
}

// Depth reports visible, in-flight, and delayed messages.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	out, err := b.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, v := range out.Attributes {
		if n, err := strconv.Atoi(v); err == nil {
			total += n
		}
	}
	return total, nil
}

// Close stops intake. In-flight receives finish their current batch.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
