package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/internal/strutil"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
)

// Forwarder moves claimed outbox records into the work queue.
type Forwarder struct {
	settings   Settings
	logger     logger.Logger
	repository Repository
	queue      Queue
	successCtr metrics.Counter
	errorCtr   metrics.Counter
	now        func() time.Time
}

// TickResult summarizes one forwarder tick.
type TickResult struct {
	Claimed   int
	Published int
	Failed    int
}

// WorkerID returns the identity the forwarder claims records with.
func (f *Forwarder) WorkerID() string {
	return f.settings.WorkerID
}

// Run executes a tick every polling interval until ctx is done. A tick in
// progress is allowed to finish.
func (f *Forwarder) Run(ctx context.Context) error {
	f.logger.Info(fmt.Sprintf("outbox forwarder '%s' started (interval %s, batch %d)",
		f.settings.WorkerID, f.settings.PollingInterval, f.settings.BatchSize))
	ticker := time.NewTicker(f.settings.PollingInterval)
	defer ticker.Stop()
	for {
		f.Tick(ctx)
		select {
		case <-ctx.Done():
			f.logger.Info(fmt.Sprintf("outbox forwarder '%s' stopped", f.settings.WorkerID))
			return nil
		case <-ticker.C:
		}
	}
}

// Tick claims a batch of eligible records and enqueues them in creation order.
func (f *Forwarder) Tick(ctx context.Context) TickResult {
	var res TickResult
	batch, err := f.repository.ClaimBatch(ctx, Claim{
		WorkerID: f.settings.WorkerID,
		Limit:    f.settings.BatchSize,
		Now:      f.now().UTC(),
		TTL:      f.settings.ClaimTTL,
	})
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Error("claiming outbox records", err)
		}
		return res
	}
	if len(batch) == 0 {
		return res
	}
	res.Claimed = len(batch)
	f.logger.Debug(fmt.Sprintf("claimed %d outbox records", len(batch)))

	for _, r := range batch {
		if f.forward(ctx, r) {
			res.Published++
		} else {
			res.Failed++
		}
	}

	f.logger.Info(fmt.Sprintf("%d outbox records were published (with %d failed) from a total of %d claimed",
		res.Published, res.Failed, res.Claimed))
	return res
}

// forward enqueues one record and stores the outcome on it.
func (f *Forwarder) forward(ctx context.Context, r *Record) bool {
	job := Job{
		ID:        IdempotencyKey(r),
		Topic:     r.Topic,
		Payload:   r.Payload,
		Retry:     f.settings.Retry,
		Retention: f.settings.Retention,
		CreatedAt: r.CreatedAt,
	}

	if err := f.queue.Enqueue(ctx, job); err != nil {
		f.errorCtr.Inc(1)
		f.logger.Error(fmt.Sprintf("enqueueing outbox record '%s' as job '%s'", r.ID, job.ID), err)
		reason := strutil.Truncate(err.Error(), maxLastErrorLength, "")
		if err := f.repository.MarkFailed(ctx, r.ID, reason); err != nil {
			f.logger.Error(fmt.Sprintf("recording the failure of outbox record '%s'", r.ID), err)
		}
		if r.Attempts+1 >= f.settings.WarnAfterAttempts {
			f.logger.Warn(fmt.Sprintf("outbox record '%s' (%s) failed %d times", r.ID, r.Topic, r.Attempts+1))
		}
		return false
	}

	// The job is in the queue from here on, a failure to record it only means
	// the record is enqueued again after the claim goes stale and the queue
	// drops the duplicate.
	if err := f.repository.MarkPublished(ctx, r.ID, f.now().UTC()); err != nil {
		f.logger.Error(fmt.Sprintf("marking outbox record '%s' as published", r.ID), err)
	}
	f.successCtr.Inc(1)
	f.logger.Debug(fmt.Sprintf("outbox record '%s' enqueued as job '%s'", r.ID, job.ID))
	return true
}
