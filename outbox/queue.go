package outbox

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/courier/event"
)

const (
	defaultJobAttempts        = 5
	defaultJobBackoff         = 2 * time.Second
	defaultKeepCompletedFor   = 24 * time.Hour
	defaultKeepCompletedCount = 1000
	defaultKeepFailedFor      = 7 * 24 * time.Hour
)

// RetryPolicy tells the queue how often to run a failing job and how long to
// wait in between. The n-th retry waits Backoff·2^(n-1).
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Delay returns the wait before the given retry (1 based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	return p.Backoff << (retry - 1)
}

// Retention tells the queue how long finished jobs are remembered. A job id is
// deduplicated for as long as the queue remembers it.
type Retention struct {
	KeepCompletedFor   time.Duration
	KeepCompletedCount int
	KeepFailedFor      time.Duration
}

// DefaultRetryPolicy is 5 attempts with exponential backoff starting at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: defaultJobAttempts, Backoff: defaultJobBackoff}
}

func DefaultRetention() Retention {
	return Retention{
		KeepCompletedFor:   defaultKeepCompletedFor,
		KeepCompletedCount: defaultKeepCompletedCount,
		KeepFailedFor:      defaultKeepFailedFor,
	}
}

// Job is the unit handed to the work queue.
type Job struct {
	ID        string // idempotency key, the queue ignores a second job with the same id
	Topic     event.Topic
	Payload   []byte
	Retry     RetryPolicy
	Retention Retention
	CreatedAt time.Time
	Attempt   int // set by the queue when delivering, 1 based
}

// Queue is an at-least-once, deduplicating work queue.
type Queue interface {
	// Enqueue submits a job. Submitting an id the queue still remembers is a
	// successful no-op.
	Enqueue(ctx context.Context, j Job) error
}

// Handler processes delivered jobs.
type Handler interface {
	Handle(ctx context.Context, j Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j Job) error

func (f HandlerFunc) Handle(ctx context.Context, j Job) error {
	return f(ctx, j)
}
