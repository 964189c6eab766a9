package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/3rs4lg4d0/courier/claim"
	"github.com/3rs4lg4d0/courier/dedup"
	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const (
	defaultPollTimeout     = 100 * time.Millisecond
	runningGracePerAttempt = time.Minute
)

// kafkaConsumer is the subset of *kafka.Consumer the queue needs.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
}

// Consumer reads jobs from Kafka and runs them through a Handler. A finished
// job id is skipped while the dedup store remembers it. Failing jobs are
// retried in place following their retry policy.
type Consumer struct {
	consumer     kafkaConsumer
	handler      outbox.Handler
	seen         dedup.Store
	logger       logger.Logger
	completedCtr metrics.Counter
	failedCtr    metrics.Counter
	pollTimeout  time.Duration
}

var _ logger.Loggable = (*Consumer)(nil)

// ConsumerOption allows optional configuration.
type ConsumerOption func(c *Consumer)

// WithCounters configures counters for completed and failed jobs.
func WithCounters(completed metrics.Counter, failed metrics.Counter) ConsumerOption {
	return func(c *Consumer) {
		c.completedCtr = metrics.OrNop(completed)
		c.failedCtr = metrics.OrNop(failed)
	}
}

func NewConsumer(kc kafkaConsumer, h outbox.Handler, seen dedup.Store, options ...ConsumerOption) *Consumer {
	if kc == nil || reflect.ValueOf(kc).IsNil() {
		panic("consumer is mandatory")
	}
	if h == nil || seen == nil {
		panic("you must provide a handler and a dedup store")
	}
	c := &Consumer{
		consumer:     kc,
		handler:      h,
		seen:         seen,
		logger:       &logger.NopLogger{},
		completedCtr: &metrics.NopCounter{},
		failedCtr:    &metrics.NopCounter{},
		pollTimeout:  defaultPollTimeout,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Consumer) SetLogger(l logger.Logger) {
	c.logger = l
}

// Run subscribes to every job topic and consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.consumer.SubscribeTopics(TopicNames(), nil); err != nil {
		return fmt.Errorf("could not subscribe to the job topics: %w", err)
	}
	for ctx.Err() == nil {
		msg, err := c.consumer.ReadMessage(c.pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("reading from kafka", err)
			continue
		}
		if !c.Process(ctx, msg) {
			continue
		}
		if _, err := c.consumer.CommitMessage(msg); err != nil {
			c.logger.Error("committing kafka offset", err)
		}
	}
	return nil
}

// Process runs the job carried by msg and reports whether its offset can be
// committed. It is false only when ctx ended before the job finished.
//
// A job is skipped only once its done key exists, and that key is written
// after the job completed or ran out of attempts. A run that dies halfway
// leaves just the running key behind, so the redelivered record runs again.
func (c *Consumer) Process(ctx context.Context, msg *kafka.Message) bool {
	j, err := jobFromMessage(msg)
	if err != nil {
		c.failedCtr.Inc(1)
		c.logger.Error("dropping malformed job record", err)
		return true
	}

	doneKey, runKey := jobKeys(j.ID)
	done, err := c.seen.Exists(ctx, doneKey)
	if err != nil {
		// without the dedup store a duplicate run is possible but harmless
		c.logger.Error(fmt.Sprintf("checking job '%s' for duplicates", j.ID), err)
	} else if done {
		c.logger.Debug(fmt.Sprintf("job '%s' already ran, skipping it", j.ID))
		return true
	}

	running, err := c.seen.Acquire(ctx, runKey, runningTTL(j.Retry))
	if err != nil {
		c.logger.Error(fmt.Sprintf("marking job '%s' as running", j.ID), err)
	} else if !running {
		c.logger.Warn(fmt.Sprintf("job '%s' was interrupted earlier or is running elsewhere, running it again", j.ID))
	}
	defer func() {
		if err := c.seen.Release(context.WithoutCancel(ctx), runKey); err != nil {
			c.logger.Error(fmt.Sprintf("releasing job '%s'", j.ID), err)
		}
	}()

	for attempt := 1; ; attempt++ {
		j.Attempt = attempt
		err = c.handle(ctx, j)
		if err == nil {
			c.completedCtr.Inc(1)
			c.markDone(ctx, j.ID, doneKey, j.Retention.KeepCompletedFor)
			return true
		}
		if attempt >= j.Retry.Attempts {
			break
		}
		c.logger.Warn(fmt.Sprintf("job '%s' failed on attempt %d and will be retried: %v", j.ID, attempt, err))
		if serr := claim.SleepWithContext(ctx, j.Retry.Delay(attempt)); serr != nil {
			return false
		}
	}

	c.failedCtr.Inc(1)
	c.logger.Error(fmt.Sprintf("job '%s' failed after %d attempts", j.ID, j.Attempt), err)
	c.markDone(ctx, j.ID, doneKey, j.Retention.KeepFailedFor)
	return true
}

// markDone remembers a finished job for ttl. A non positive ttl keeps
// nothing, so a redelivery runs the job again.
func (c *Consumer) markDone(ctx context.Context, id, key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if _, err := c.seen.Acquire(context.WithoutCancel(ctx), key, ttl); err != nil {
		c.logger.Error(fmt.Sprintf("remembering job '%s' as done", id), err)
	}
}

func jobKeys(id string) (done string, running string) {
	return "job:" + id, "job:" + id + ":running"
}

// runningTTL bounds how long the running key outlives a crashed consumer:
// every backoff of the policy plus a grace period per attempt.
func runningTTL(p outbox.RetryPolicy) time.Duration {
	attempts := max(p.Attempts, 1)
	ttl := time.Duration(attempts) * runningGracePerAttempt
	for retry := 1; retry < attempts; retry++ {
		ttl += p.Delay(retry)
	}
	return ttl
}

func (c *Consumer) handle(ctx context.Context, j outbox.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler.Handle(ctx, j)
}

// jobFromMessage rebuilds a job from a produced record. Missing policy headers
// fall back to the defaults.
func jobFromMessage(msg *kafka.Message) (outbox.Job, error) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	j := outbox.Job{
		ID:        headers[headerID],
		Topic:     event.Topic(headers[headerTopic]),
		Payload:   msg.Value,
		Retry:     outbox.DefaultRetryPolicy(),
		Retention: outbox.DefaultRetention(),
	}
	if j.ID == "" {
		j.ID = string(msg.Key)
	}
	if j.ID == "" || !j.Topic.Valid() {
		return j, fmt.Errorf("record without a valid job id or topic (id=%q, topic=%q)", j.ID, j.Topic)
	}

	num := func(key string) (int64, bool) {
		v, err := strconv.ParseInt(headers[key], 10, 64)
		return v, err == nil && v > 0
	}
	if v, ok := num(headerCreatedAt); ok {
		j.CreatedAt = time.UnixMilli(v).UTC()
	}
	if v, ok := num(headerAttempts); ok {
		j.Retry.Attempts = int(v)
	}
	if v, ok := num(headerBackoff); ok {
		j.Retry.Backoff = time.Duration(v) * time.Millisecond
	}
	if v, ok := num(headerKeepCompleted); ok {
		j.Retention.KeepCompletedFor = time.Duration(v) * time.Millisecond
	}
	if v, ok := num(headerKeepCompletedN); ok {
		j.Retention.KeepCompletedCount = int(v)
	}
	if v, ok := num(headerKeepFailed); ok {
		j.Retention.KeepFailedFor = time.Duration(v) * time.Millisecond
	}
	return j, nil
}
