// Package gorm implements the outbox and scheduled message repositories on
// top of gorm.io/gorm. Queries are raw SQL so both tables keep the exact
// claim semantics of the pgx implementation.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/claim"
	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/3rs4lg4d0/courier/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	insertOutboxSql    = "INSERT INTO outbox_events (id, topic, event_key, payload, created_at, attempts) VALUES (?, ?, ?, ?, ?, 0)"
	selectClaimableSql = "SELECT id, topic, COALESCE(event_key, ''), payload, created_at, attempts FROM outbox_events " +
		"WHERE published_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?) " +
		"ORDER BY created_at ASC LIMIT ? FOR UPDATE SKIP LOCKED"
	claimOutboxSql   = "UPDATE outbox_events SET claimed_at=?, claimed_by=? WHERE id IN ?"
	markPublishedSql = "UPDATE outbox_events SET published_at=?, last_error=NULL, attempts=attempts+1 WHERE id=? AND published_at IS NULL"
	markFailedSql    = "UPDATE outbox_events SET attempts=attempts+1, last_error=? WHERE id=? AND published_at IS NULL"
)

type Repository struct {
	txKey          outbox.TxKey
	db             *gorm.DB
	logger         logger.Logger
	retrier        *claim.Retrier
	claimTxTimeout time.Duration
}

var _ logger.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)

// opt allows optional configuration.
type opt func(r *Repository)

// WithRetrier replaces the contention retry policy of ClaimBatch.
func WithRetrier(rt *claim.Retrier) opt {
	return func(r *Repository) {
		if rt != nil {
			r.retrier = rt
		}
	}
}

// WithClaimTimeout bounds each claim transaction.
func WithClaimTimeout(d time.Duration) opt {
	return func(r *Repository) {
		if d > 0 {
			r.claimTxTimeout = d
		}
	}
}

func New(txKey outbox.TxKey, db *gorm.DB, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{
		txKey:          txKey,
		db:             db,
		logger:         &logger.NopLogger{},
		retrier:        claim.NewRetrier(repository.IsContention),
		claimTxTimeout: repository.ClaimTxTimeout,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry. When the context carries a *gorm.DB
// transaction under the repository key the insert joins it.
func (r *Repository) Save(ctx context.Context, o *outbox.Record) error {
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return r.SaveTx(ctx, tx, o)
	}
	return r.insert(r.db.WithContext(ctx), o)
}

// SaveTx persists an outbox entry in the provided *gorm.DB transaction.
func (r *Repository) SaveTx(ctx context.Context, tx any, o *outbox.Record) error {
	db, ok := tx.(*gorm.DB)
	if !ok || db == nil {
		return errors.New("a *gorm.DB transaction was expected")
	}
	return r.insert(db.WithContext(ctx), o)
}

func (r *Repository) insert(db *gorm.DB, o *outbox.Record) error {
	err := db.Exec(insertOutboxSql, o.ID, string(o.Topic), repository.NullString(o.EventKey), o.Payload, o.CreatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

// ClaimBatch stakes up to c.Limit eligible records, skipping rows locked by
// concurrent claimers.
func (r *Repository) ClaimBatch(ctx context.Context, c outbox.Claim) ([]*outbox.Record, error) {
	var batch []*outbox.Record
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.claimTxTimeout)
		defer cancel()
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			batch, err = claimBatch(tx, c)
			return err
		})
	})
	if errors.Is(err, claim.ErrRetriesExhausted) {
		r.logger.Warn(fmt.Sprintf("giving up claiming outbox records for this tick: %v", err))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not claim outbox records: %w", err)
	}
	return batch, nil
}

func claimBatch(tx *gorm.DB, c outbox.Claim) ([]*outbox.Record, error) {
	rows, err := tx.Raw(selectClaimableSql, c.StaleBefore(), c.Limit).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []*outbox.Record
	var ids []string
	for rows.Next() {
		var o outbox.Record
		var topic string
		if err := rows.Scan(&o.ID, &topic, &o.EventKey, &o.Payload, &o.CreatedAt, &o.Attempts); err != nil {
			return nil, err
		}
		o.Topic = event.Topic(topic)
		batch = append(batch, &o)
		ids = append(ids, o.ID.String())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	res := tx.Exec(claimOutboxSql, c.Now, c.WorkerID, ids)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != int64(len(batch)) {
		return nil, fmt.Errorf("claimed %d rows out of %d locked", res.RowsAffected, len(batch))
	}
	for _, o := range batch {
		at := c.Now
		o.ClaimedAt = &at
		o.ClaimedBy = c.WorkerID
	}
	return batch, nil
}

// MarkPublished sets published_at on an unpublished record.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Exec(markPublishedSql, at, id)
	if res.Error != nil {
		return fmt.Errorf("could not mark outbox record '%s' as published: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Debug(fmt.Sprintf("outbox record '%s' was already published", id))
	}
	return nil
}

// MarkFailed stores the enqueue error on an unpublished record.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if err := r.db.WithContext(ctx).Exec(markFailedSql, reason, id).Error; err != nil {
		return fmt.Errorf("could not record the failure of outbox record '%s': %w", id, err)
	}
	return nil
}
