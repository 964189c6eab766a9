package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/internal/strutil"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
)

// Dispatcher sends scheduled messages once they are due.
type Dispatcher struct {
	settings   Settings
	repository Repository
	sender     Sender
	logger     logger.Logger
	sentCtr    metrics.Counter
	failedCtr  metrics.Counter
	now        func() time.Time
}

// DispatcherOption allows optional configuration of a Dispatcher.
type DispatcherOption func(d *Dispatcher)

// WithLogger configures an optional logger.
func WithLogger(l logger.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCounters configures optional counters for sent and failed messages.
func WithCounters(sent metrics.Counter, failed metrics.Counter) DispatcherOption {
	return func(d *Dispatcher) {
		if sent != nil {
			d.sentCtr = sent
		}
		if failed != nil {
			d.failedCtr = failed
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// TickResult summarizes one dispatcher tick.
type TickResult struct {
	Reclaimed int64
	Due       int
	Claimed   int
	Sent      int
	Failed    int
}

func NewDispatcher(s Settings, r Repository, sender Sender, options ...DispatcherOption) *Dispatcher {
	if r == nil || sender == nil {
		panic("you must provide a repository and a sender")
	}
	s.EnableDispatcher = true
	validateSettings(&s)

	d := &Dispatcher{
		settings:   s,
		repository: r,
		sender:     sender,
		logger:     &logger.NopLogger{},
		sentCtr:    &metrics.NopCounter{},
		failedCtr:  &metrics.NopCounter{},
		now:        time.Now,
	}
	for _, opt := range options {
		opt(d)
	}
	logger.Inject(d.logger, r, sender)
	return d
}

// Run executes a tick every tick interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info(fmt.Sprintf("scheduled message dispatcher '%s' started (interval %s)",
		d.settings.WorkerID, d.settings.TickInterval))
	ticker := time.NewTicker(d.settings.TickInterval)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info(fmt.Sprintf("scheduled message dispatcher '%s' stopped", d.settings.WorkerID))
			return nil
		case <-ticker.C:
		}
	}
}

// Tick reclaims orphaned claims and sends every due message it manages to
// claim. Messages claimed by another dispatcher are skipped.
func (d *Dispatcher) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := d.now().UTC()

	n, err := d.repository.ReclaimStale(ctx, now.Add(-d.settings.StaleAfter))
	if err != nil {
		d.logger.Error("reclaiming stale scheduled messages", err)
	} else if n > 0 {
		res.Reclaimed = n
		d.logger.Warn(fmt.Sprintf("%d scheduled messages stuck in PROCESSING were returned to PENDING", n))
	}

	due, err := d.repository.ListDue(ctx, now, d.settings.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("listing due scheduled messages", err)
		}
		return res
	}
	res.Due = len(due)

	for _, candidate := range due {
		m, ok, err := d.repository.ClaimOne(ctx, candidate.ID, now)
		if err != nil {
			d.logger.Error(fmt.Sprintf("claiming scheduled message '%s'", candidate.ID), err)
			continue
		}
		if !ok {
			d.logger.Debug(fmt.Sprintf("scheduled message '%s' was taken by someone else", candidate.ID))
			continue
		}
		res.Claimed++
		if d.dispatch(ctx, m) {
			res.Sent++
		} else {
			res.Failed++
		}
	}

	if res.Claimed > 0 {
		d.logger.Info(fmt.Sprintf("%d scheduled messages were sent (with %d failed) from %d due",
			res.Sent, res.Failed, res.Due))
	}
	return res
}

// dispatch sends a claimed message and records the terminal outcome.
func (d *Dispatcher) dispatch(ctx context.Context, m *ScheduledMessage) bool {
	sent, err := d.send(ctx, m)
	if err != nil {
		d.failedCtr.Inc(1)
		d.logger.Error(fmt.Sprintf("sending scheduled message '%s'", m.ID), err)
		reason := strutil.Truncate(err.Error(), maxFailReasonLength, "")
		if err := d.repository.MarkFailed(ctx, m.ID, reason, d.now().UTC()); err != nil {
			d.logger.Error(fmt.Sprintf("marking scheduled message '%s' as failed", m.ID), err)
		}
		return false
	}

	if err := d.repository.MarkSent(ctx, m.ID, sent.ID, d.now().UTC()); err != nil {
		d.logger.Error(fmt.Sprintf("marking scheduled message '%s' as sent", m.ID), err)
	}
	d.sentCtr.Inc(1)
	d.logger.Debug(fmt.Sprintf("scheduled message '%s' sent as '%s'", m.ID, sent.ID))
	return true
}

// send calls the sender, turning a panic into an error.
func (d *Dispatcher) send(ctx context.Context, m *ScheduledMessage) (sent SentMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return d.sender.Send(ctx, m.SenderID, NewMessage{
		ConversationID: m.ConversationID,
		Type:           d.settings.MessageType,
		Content:        m.Content,
		Metadata:       m.Metadata,
	})
}
