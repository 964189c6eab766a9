// Package memory is an in-process, deduplicating, at-least-once work queue.
// Job ids are remembered until the job's retention expires; enqueueing a
// remembered id is a successful no-op.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
	"github.com/3rs4lg4d0/courier/outbox"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 50 * time.Millisecond
	defaultSweepEvery   = time.Minute
)

var ErrInvalidJobID = errors.New("invalid job id")

// State is the lifecycle state of a remembered job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type entry struct {
	job        outbox.Job
	state      State
	runAt      time.Time
	finishedAt time.Time
	lastErr    error
}

// Queue implements outbox.Queue and delivers jobs to a Handler.
type Queue struct {
	mu           sync.Mutex
	entries      map[string]*entry
	pending      []*entry
	signal       chan struct{}
	handler      outbox.Handler
	workers      int
	pollInterval time.Duration
	sweepEvery   time.Duration
	logger       logger.Logger
	completedCtr metrics.Counter
	failedCtr    metrics.Counter
	now          func() time.Time
}

var _ outbox.Queue = (*Queue)(nil)
var _ logger.Loggable = (*Queue)(nil)

// opt allows optional configuration.
type opt func(q *Queue)

// WithWorkers sets how many jobs are handled concurrently.
func WithWorkers(n int) opt {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithCounters configures counters for completed and terminally failed jobs.
func WithCounters(completed metrics.Counter, failed metrics.Counter) opt {
	return func(q *Queue) {
		q.completedCtr = metrics.OrNop(completed)
		q.failedCtr = metrics.OrNop(failed)
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) opt {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithPollInterval sets how often idle workers look for delayed jobs.
func WithPollInterval(d time.Duration) opt {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func New(h outbox.Handler, options ...opt) *Queue {
	if h == nil {
		panic("you must provide a handler")
	}
	q := &Queue{
		entries:      map[string]*entry{},
		signal:       make(chan struct{}, 1),
		handler:      h,
		workers:      defaultWorkers,
		pollInterval: defaultPollInterval,
		sweepEvery:   defaultSweepEvery,
		logger:       &logger.NopLogger{},
		completedCtr: &metrics.NopCounter{},
		failedCtr:    &metrics.NopCounter{},
		now:          time.Now,
	}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// SetLogger sets an optional logger.
func (q *Queue) SetLogger(l logger.Logger) {
	q.logger = l
}

// Enqueue adds j unless a job with the same id is still remembered.
func (q *Queue) Enqueue(_ context.Context, j outbox.Job) error {
	if j.ID == "" || strings.ContainsAny(j.ID, ": \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, j.ID)
	}
	if j.Retry.Attempts <= 0 {
		j.Retry = outbox.DefaultRetryPolicy()
	}
	if j.Retention == (outbox.Retention{}) {
		j.Retention = outbox.DefaultRetention()
	}

	q.mu.Lock()
	if _, ok := q.entries[j.ID]; ok {
		q.mu.Unlock()
		q.logger.Debug(fmt.Sprintf("job '%s' is already known, ignoring it", j.ID))
		return nil
	}
	e := &entry{job: j, state: StateWaiting, runAt: q.now()}
	q.entries[j.ID] = e
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Run starts the workers and the retention sweeper and blocks until ctx is
// done. Jobs being handled when ctx ends are allowed to finish.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(q.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := q.Sweep(); n > 0 {
					q.logger.Debug(fmt.Sprintf("%d finished jobs were forgotten", n))
				}
			}
		}
	})
	return g.Wait()
}

func (q *Queue) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if q.ProcessNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		case <-time.After(q.pollInterval):
		}
	}
}

// ProcessNext handles one job that is due, reporting whether there was one.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	e := q.next()
	if e == nil {
		return false
	}
	err := q.handle(ctx, e.job)
	q.finish(e, err)
	return true
}

// Drain handles due jobs until none is left and returns how many ran.
func (q *Queue) Drain(ctx context.Context) int {
	n := 0
	for q.ProcessNext(ctx) {
		n++
	}
	return n
}

func (q *Queue) next() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for i, e := range q.pending {
		if !e.runAt.After(now) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			e.state = StateActive
			e.job.Attempt++
			return e
		}
	}
	return nil
}

func (q *Queue) handle(ctx context.Context, j outbox.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return q.handler.Handle(ctx, j)
}

func (q *Queue) finish(e *entry, err error) {
	q.mu.Lock()
	now := q.now()
	e.lastErr = err
	switch {
	case err == nil:
		e.state = StateCompleted
		e.finishedAt = now
	case e.job.Attempt < e.job.Retry.Attempts:
		e.state = StateDelayed
		e.runAt = now.Add(e.job.Retry.Delay(e.job.Attempt))
		q.pending = append(q.pending, e)
	default:
		e.state = StateFailed
		e.finishedAt = now
	}
	state, attempt := e.state, e.job.Attempt
	q.mu.Unlock()

	switch state {
	case StateCompleted:
		q.completedCtr.Inc(1)
	case StateDelayed:
		q.logger.Warn(fmt.Sprintf("job '%s' failed on attempt %d and will be retried: %v", e.job.ID, attempt, err))
	case StateFailed:
		q.failedCtr.Inc(1)
		q.logger.Error(fmt.Sprintf("job '%s' failed after %d attempts", e.job.ID, attempt), err)
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Sweep forgets finished jobs whose retention expired and returns how many
// were dropped. Forgotten ids can be enqueued again.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var completed []*entry
	dropped := 0
	for id, e := range q.entries {
		switch e.state {
		case StateCompleted:
			if now.Sub(e.finishedAt) > e.job.Retention.KeepCompletedFor {
				delete(q.entries, id)
				dropped++
				continue
			}
			completed = append(completed, e)
		case StateFailed:
			if now.Sub(e.finishedAt) > e.job.Retention.KeepFailedFor {
				delete(q.entries, id)
				dropped++
			}
		}
	}

	// newest first, each job is kept while fewer than its count are newer
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].finishedAt.After(completed[j].finishedAt)
	})
	for i, e := range completed {
		if limit := e.job.Retention.KeepCompletedCount; limit > 0 && i >= limit {
			delete(q.entries, e.job.ID)
			dropped++
		}
	}
	return dropped
}

// JobState returns the state of a remembered job.
func (q *Queue) JobState(id string) (State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Len returns how many job ids are remembered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
