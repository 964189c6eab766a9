package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type txMarker struct{}

// fakeRepository keeps what the outbox asks it to do.
type fakeRepository struct {
	mu        sync.Mutex
	saved     []*Record
	savedTx   []any
	batch     []*Record
	claimErr  error
	claims    []Claim
	published map[uuid.UUID]time.Time
	failed    map[uuid.UUID]string
	saveErr   error
}

func newFakeRepository(batch ...*Record) *fakeRepository {
	return &fakeRepository{
		batch:     batch,
		published: map[uuid.UUID]time.Time{},
		failed:    map[uuid.UUID]string{},
	}
}

func (r *fakeRepository) Save(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, rec)
	return nil
}

func (r *fakeRepository) SaveTx(_ context.Context, tx any, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := tx.(*txMarker); !ok {
		return errors.New("unexpected transaction type")
	}
	r.saved = append(r.saved, rec)
	r.savedTx = append(r.savedTx, tx)
	return nil
}

func (r *fakeRepository) ClaimBatch(_ context.Context, c Claim) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims = append(r.claims, c)
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	b := r.batch
	r.batch = nil
	return b, nil
}

func (r *fakeRepository) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[id] = at
	return nil
}

func (r *fakeRepository) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = reason
	return nil
}

// fakeQueue accepts every job except those listed in fail.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []Job
	fail map[string]error
}

func (q *fakeQueue) Enqueue(_ context.Context, j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err, ok := q.fail[j.ID]; ok {
		return err
	}
	q.jobs = append(q.jobs, j)
	return nil
}
