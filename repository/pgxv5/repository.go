// Package pgxv5 implements the outbox and scheduled message repositories on
// PostgreSQL with github.com/jackc/pgx/v5.
package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/courier/claim"
	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/3rs4lg4d0/courier/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	insertOutboxSql    = "INSERT INTO outbox_events (id, topic, event_key, payload, created_at, attempts) VALUES ($1, $2, $3, $4, $5, 0)"
	selectClaimableSql = "SELECT id, topic, COALESCE(event_key, ''), payload, created_at, attempts FROM outbox_events " +
		"WHERE published_at IS NULL AND (claimed_at IS NULL OR claimed_at < $1) " +
		"ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED"
	claimOutboxSql   = "UPDATE outbox_events SET claimed_at=$1, claimed_by=$2 WHERE id = ANY($3::uuid[])"
	markPublishedSql = "UPDATE outbox_events SET published_at=$2, last_error=NULL, attempts=attempts+1 WHERE id=$1 AND published_at IS NULL"
	markFailedSql    = "UPDATE outbox_events SET attempts=attempts+1, last_error=$2 WHERE id=$1 AND published_at IS NULL"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository is the outbox.Repository of the outbox_events table.
type Repository struct {
	txKey          outbox.TxKey
	db             dbpool
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

func New(txKey outbox.TxKey, pool dbpool, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	r := &Repository{
		txKey:          txKey,
		db:             pool,
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

// Save persists an outbox record. If the context carries a pgx.Tx under the
// repository key the insert is part of it, otherwise it runs on the pool.
func (r *Repository) Save(ctx context.Context, o *outbox.Record) error {
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return r.SaveTx(ctx, tx, o)
	}
	if _, err := r.db.Exec(ctx, insertOutboxSql, insertArgs(o)...); err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

// SaveTx persists an outbox record in the provided business transaction, which
// should implement pgx.Tx.
func (r *Repository) SaveTx(ctx context.Context, tx any, o *outbox.Record) error {
	t, ok := tx.(pgx.Tx)
	if !ok || t == nil {
		return errors.New("a pgx.Tx transaction was expected")
	}
	if _, err := t.Exec(ctx, insertOutboxSql, insertArgs(o)...); err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

// ClaimBatch stakes up to c.Limit eligible records. Rows locked by a concurrent
// claimer are skipped, and contention errors are retried with backoff. When
// the retries run out an empty batch is returned.
func (r *Repository) ClaimBatch(ctx context.Context, c outbox.Claim) ([]*outbox.Record, error) {
	var batch []*outbox.Record
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		batch, err = r.claimBatch(ctx, c)
		return err
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

func (r *Repository) claimBatch(ctx context.Context, c outbox.Claim) (batch []*outbox.Record, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.claimTxTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	rows, err := tx.Query(ctx, selectClaimableSql, c.StaleBefore(), c.Limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var o outbox.Record
		var topic string
		if err = rows.Scan(&o.ID, &topic, &o.EventKey, &o.Payload, &o.CreatedAt, &o.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		o.Topic = event.Topic(topic)
		batch = append(batch, &o)
		ids = append(ids, o.ID.String())
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(batch) > 0 {
		ct, err := tx.Exec(ctx, claimOutboxSql, c.Now, c.WorkerID, ids)
		if err != nil {
			return nil, err
		}
		if ct.RowsAffected() != int64(len(batch)) {
			return nil, fmt.Errorf("claimed %d rows out of %d locked", ct.RowsAffected(), len(batch))
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
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
	ct, err := r.db.Exec(ctx, markPublishedSql, id, at)
	if err != nil {
		return fmt.Errorf("could not mark outbox record '%s' as published: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		r.logger.Debug(fmt.Sprintf("outbox record '%s' was already published", id))
	}
	return nil
}

// MarkFailed stores the enqueue error on an unpublished record.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := r.db.Exec(ctx, markFailedSql, id, reason); err != nil {
		return fmt.Errorf("could not record the failure of outbox record '%s': %w", id, err)
	}
	return nil
}

func insertArgs(o *outbox.Record) []any {
	return []any{o.ID, string(o.Topic), repository.NullString(o.EventKey), o.Payload, o.CreatedAt}
}
