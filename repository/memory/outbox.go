// Package memory provides in-process implementations of the outbox and
// scheduled message repositories. A mutex stands in for the conditional
// updates of a database, so the claim semantics match the SQL stores.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/google/uuid"
)

var ErrTxDone = errors.New("transaction already committed or rolled back")

// OutboxStore is an in-memory outbox.Repository.
type OutboxStore struct {
	mu      sync.Mutex
	txKey   outbox.TxKey
	records []*outbox.Record
	byID    map[uuid.UUID]*outbox.Record
	logger  logger.Logger
}

var _ outbox.Repository = (*OutboxStore)(nil)
var _ logger.Loggable = (*OutboxStore)(nil)

// NewOutboxStore creates an empty store. Save joins a *Tx found in the context
// under txKey; txKey may be nil when transactions are never put in contexts.
func NewOutboxStore(txKey outbox.TxKey) *OutboxStore {
	return &OutboxStore{
		txKey:  txKey,
		byID:   map[uuid.UUID]*outbox.Record{},
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *OutboxStore) SetLogger(l logger.Logger) {
	s.logger = l
}

// Tx buffers records until Commit, mimicking a business transaction.
type Tx struct {
	store   *OutboxStore
	mu      sync.Mutex
	pending []*outbox.Record
	done    bool
}

// Begin starts a transaction on the store.
func (s *OutboxStore) Begin() *Tx {
	return &Tx{store: s}
}

func (tx *Tx) add(r *outbox.Record) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.pending = append(tx.pending, r)
	return nil
}

// Commit makes the buffered records visible.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.store.insert(tx.pending...)
	tx.pending = nil
	return nil
}

// Rollback drops the buffered records.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.pending = nil
	return nil
}

// Save stores r, inside the context transaction when there is one.
func (s *OutboxStore) Save(ctx context.Context, r *outbox.Record) error {
	if s.txKey != nil {
		if tx, ok := ctx.Value(s.txKey).(*Tx); ok {
			return s.SaveTx(ctx, tx, r)
		}
	}
	s.insert(r)
	return nil
}

// SaveTx stores r inside tx, which must be a *Tx of this store.
func (s *OutboxStore) SaveTx(_ context.Context, tx any, r *outbox.Record) error {
	t, ok := tx.(*Tx)
	if !ok || t == nil || t.store != s {
		return errors.New("a memory.Tx of this store was expected")
	}
	return t.add(r)
}

func (s *OutboxStore) insert(records ...*outbox.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		c := *r
		s.records = append(s.records, &c)
		s.byID[c.ID] = &c
	}
}

// ClaimBatch stakes up to c.Limit eligible records, oldest first.
func (s *OutboxStore) ClaimBatch(_ context.Context, c outbox.Claim) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*outbox.Record
	for _, r := range s.records {
		if r.Eligible(c.Now, c.TTL) {
			eligible = append(eligible, r)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if c.Limit > 0 && len(eligible) > c.Limit {
		eligible = eligible[:c.Limit]
	}

	batch := make([]*outbox.Record, 0, len(eligible))
	for _, r := range eligible {
		at := c.Now
		r.ClaimedAt = &at
		r.ClaimedBy = c.WorkerID
		cp := *r
		batch = append(batch, &cp)
	}
	return batch, nil
}

// MarkPublished sets published_at once; later calls are no-ops.
func (s *OutboxStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok || r.PublishedAt != nil {
		return nil
	}
	r.PublishedAt = &at
	r.LastError = ""
	r.Attempts++
	return nil
}

// MarkFailed counts the attempt and records reason on unpublished records.
func (s *OutboxStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok || r.PublishedAt != nil {
		return nil
	}
	r.Attempts++
	r.LastError = reason
	return nil
}

// Get returns a copy of a stored record.
func (s *OutboxStore) Get(id uuid.UUID) (outbox.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return outbox.Record{}, false
	}
	return *r, true
}

// Records returns a copy of every stored record in insertion order.
func (s *OutboxStore) Records() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}
