package test

import (
	"strings"
	"sync"

	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestLogger records every line so tests can assert on them.
type TestLogger struct {
	mu    sync.Mutex
	Lines []string
}

var _ logger.Logger = (*TestLogger)(nil)

func (l *TestLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, level+" "+msg)
}

func (l *TestLogger) Debug(msg string) { l.record("DEBUG", msg) }

func (l *TestLogger) Info(msg string) { l.record("INFO", msg) }

func (l *TestLogger) Warn(msg string) { l.record("WARN", msg) }

func (l *TestLogger) Error(msg string, err error) {
	if err != nil {
		msg += ": " + err.Error()
	}
	l.record("ERROR", msg)
}

// Count returns how many lines of the level contain substr.
func (l *TestLogger) Count(level, substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.Lines {
		if strings.HasPrefix(line, level+" ") && strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// TestCounter is a concurrency safe counter.
type TestCounter struct {
	mu  sync.Mutex
	Ctr int64
}

var _ metrics.Counter = (*TestCounter)(nil)

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ctr += delta
}

func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ctr
}
