// Package claim holds the pieces shared by every worker that stakes temporary
// ownership of table rows: the staleness predicate, worker identities and the
// retry policy applied when a claim transaction loses against a concurrent one.
package claim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts int           = 5
	defaultBaseBackoff time.Duration = 100 * time.Millisecond
)

// ErrRetriesExhausted is returned by Retrier.Do when every attempt failed with
// a contention error.
var ErrRetriesExhausted = errors.New("claim retries exhausted")

// Stale reports whether a claim taken at claimedAt may be taken over at now.
// A nil claimedAt means the row was never claimed.
func Stale(claimedAt *time.Time, now time.Time, ttl time.Duration) bool {
	if claimedAt == nil {
		return true
	}
	return claimedAt.Before(now.Add(-ttl))
}

// NewWorkerID returns a diagnostic identity for a claiming process.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Backoff returns base·attempt² for attempt >= 1.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base * time.Duration(attempt*attempt)
}

// Classifier tells contention errors (worth another attempt) apart from the rest.
type Classifier func(error) bool

// Retrier retries a claim transaction that failed because of contention.
type Retrier struct {
	MaxAttempts  int
	Base         time.Duration
	IsContention Classifier
	// Sleep is replaceable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier builds a Retrier with the default policy: 5 attempts, 100ms base.
func NewRetrier(isContention Classifier) *Retrier {
	return &Retrier{
		MaxAttempts:  defaultMaxAttempts,
		Base:         defaultBaseBackoff,
		IsContention: isContention,
		Sleep:        SleepWithContext,
	}
}

// Do runs fn until it succeeds, fails with a non contention error or the
// attempts run out.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepWithContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if r.IsContention == nil || !r.IsContention(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, Backoff(r.Base, attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// SleepWithContext sleeps for d unless ctx is done first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
