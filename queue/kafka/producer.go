// Package kafka runs the work queue on Kafka: the producer implements
// outbox.Queue and the consumer delivers jobs to an outbox.Handler,
// dropping job ids it already ran.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

const (
	headerID             = "id"
	headerTopic          = "topic"
	headerCreatedAt      = "createdAt"
	headerAttempts       = "retryAttempts"
	headerBackoff        = "retryBackoffMs"
	headerKeepCompleted  = "keepCompletedMs"
	headerKeepCompletedN = "keepCompletedCount"
	headerKeepFailed     = "keepFailedMs"
)

var ErrUnexpectedReport = errors.New("unexpected delivery report")

// kafkaProducer is the subset of *kafka.Producer the queue needs.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Producer implements outbox.Queue by producing one record per job.
type Producer struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ outbox.Queue = (*Producer)(nil)
var _ logger.Loggable = (*Producer)(nil)

func NewProducer(p kafkaProducer) *Producer {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Producer{
		producer: p,
		logger:   &logger.NopLogger{},
	}
}

func (p *Producer) SetLogger(l logger.Logger) {
	p.logger = l
}

// Enqueue produces the job and waits for its delivery report.
func (p *Producer) Enqueue(ctx context.Context, j outbox.Job) error {
	delivery := make(chan kafka.Event, 1)
	topic := buildTopicName(j.Topic)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(j.ID),
		Value:          j.Payload,
		Headers:        jobHeaders(j),
	}, delivery)
	if err != nil {
		return fmt.Errorf("could not produce job '%s': %w", j.ID, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		switch m := ev.(type) {
		case *kafka.Message:
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("job '%s' was not delivered: %w", j.ID, m.TopicPartition.Error)
			}
			p.logger.Debug(fmt.Sprintf("delivered job '%s' to topic %s [%d] at offset %v",
				j.ID, *m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
			return nil
		default:
			return fmt.Errorf("%w for job '%s': %s", ErrUnexpectedReport, j.ID, ev)
		}
	}
}

// buildTopicName builds a Kafka topic name from an event topic (e.g. if
// topic="message_created" then the name is "courier-message-created").
func buildTopicName(t event.Topic) string {
	return fmt.Sprintf("courier-%s", strcase.ToKebab(string(t)))
}

// TopicNames returns the Kafka topics of every event topic.
func TopicNames() []string {
	names := make([]string, 0, len(event.Topics))
	for _, t := range event.Topics {
		names = append(names, buildTopicName(t))
	}
	return names
}

func jobHeaders(j outbox.Job) []kafka.Header {
	ms := func(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }
	return []kafka.Header{
		{Key: headerID, Value: []byte(j.ID)},
		{Key: headerTopic, Value: []byte(j.Topic)},
		{Key: headerCreatedAt, Value: ms(j.CreatedAt.UnixMilli())},
		{Key: headerAttempts, Value: ms(int64(j.Retry.Attempts))},
		{Key: headerBackoff, Value: ms(j.Retry.Backoff.Milliseconds())},
		{Key: headerKeepCompleted, Value: ms(j.Retention.KeepCompletedFor.Milliseconds())},
		{Key: headerKeepCompletedN, Value: ms(int64(j.Retention.KeepCompletedCount))},
		{Key: headerKeepFailed, Value: ms(j.Retention.KeepFailedFor.Milliseconds())},
	}
}
