package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
	"github.com/google/uuid"
)

// ErrForwarderDisabled is returned by Run when the forwarder is not enabled.
var ErrForwarderDisabled = errors.New("the outbox forwarder is disabled")

// Outbox is the entry point of the module: business code emits events through
// it and, when enabled, it runs the forwarder that moves them to the queue.
type Outbox struct {
	settings   Settings
	logger     logger.Logger
	repository Repository
	queue      Queue
	successCtr metrics.Counter
	errorCtr   metrics.Counter
	now        func() time.Time
	forwarder  *Forwarder
}

// opt allows optional configuration.
type opt func(o *Outbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for observability.
// The success counter is increased for each published record, the error counter
// for each failed enqueue.
func WithCounters(success metrics.Counter, failure metrics.Counter) opt {
	return func(o *Outbox) {
		if success != nil {
			o.successCtr = success
		}
		if failure != nil {
			o.errorCtr = failure
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) opt {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Outbox using the provided settings, options and the provided
// Repository and Queue implementations. The queue is only mandatory when the
// forwarder is enabled.
func New(s Settings, r Repository, q Queue, options ...opt) *Outbox {
	if r == nil {
		panic("you must provide a repository")
	}
	if s.EnableForwarder && q == nil {
		panic("you must provide a queue when the forwarder is enabled")
	}

	validateSettings(&s)

	o := &Outbox{
		settings:   s,
		logger:     &logger.NopLogger{},
		repository: r,
		queue:      q,
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
		now:        time.Now,
	}

	for _, opt := range options {
		opt(o)
	}

	logger.Inject(o.logger, r, q)

	if s.EnableForwarder {
		o.forwarder = &Forwarder{
			settings:   o.settings,
			logger:     o.logger,
			repository: o.repository,
			queue:      o.queue,
			successCtr: o.successCtr,
			errorCtr:   o.errorCtr,
			now:        o.now,
		}
	}

	return o
}

// EmitOption customizes a single Emit call.
type EmitOption func(r *Record)

// WithEventKey sets the idempotency key of the emitted event.
func WithEventKey(key string) EmitOption {
	return func(r *Record) {
		r.EventKey = key
	}
}

// Emit stores a domain event in the outbox. If ctx carries a business
// transaction (see Repository.Save) the insert is part of it.
func (o *Outbox) Emit(ctx context.Context, p event.Payload, options ...EmitOption) error {
	r, err := o.newRecord(p)
	if err != nil {
		return err
	}
	for _, opt := range options {
		opt(r)
	}
	return o.repository.Save(ctx, r)
}

// EmitInTx stores a domain event inside the given business transaction, so the
// event exists if and only if the transaction commits.
func (o *Outbox) EmitInTx(ctx context.Context, tx any, eventKey string, p event.Payload) error {
	if tx == nil {
		return errors.New("a transaction is required")
	}
	r, err := o.newRecord(p)
	if err != nil {
		return err
	}
	r.EventKey = eventKey
	return o.repository.SaveTx(ctx, tx, r)
}

// Forwarder returns the forwarder, or nil when it is disabled.
func (o *Outbox) Forwarder() *Forwarder {
	return o.forwarder
}

// Run runs the forwarder until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	if o.forwarder == nil {
		return ErrForwarderDisabled
	}
	o.logger.Debug("the outbox forwarder is enabled")
	return o.forwarder.Run(ctx)
}

func (o *Outbox) newRecord(p event.Payload) (*Record, error) {
	payload, err := event.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("could not build the outbox record: %w", err)
	}
	return &Record{
		ID:        uuid.New(),
		Topic:     p.Topic(),
		Payload:   payload,
		CreatedAt: o.now().UTC(),
	}, nil
}
