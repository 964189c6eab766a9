// Package sql implements the outbox and scheduled message repositories on
// database/sql. Queries are written with '?' placeholders and rewritten to
// '$n' for drivers that need it, like github.com/jackc/pgx/v5/stdlib.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/courier/claim"
	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/3rs4lg4d0/courier/repository"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const (
	insertOutboxSql    = "INSERT INTO outbox_events (id, topic, event_key, payload, created_at, attempts) VALUES (?, ?, ?, ?, ?, 0)"
	selectClaimableSql = "SELECT id, topic, COALESCE(event_key, ''), payload, created_at, attempts FROM outbox_events " +
		"WHERE published_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?) " +
		"ORDER BY created_at ASC LIMIT ? FOR UPDATE SKIP LOCKED"
	claimOutboxSql   = "UPDATE outbox_events SET claimed_at=?, claimed_by=? WHERE id IN (%s)"
	markPublishedSql = "UPDATE outbox_events SET published_at=?, last_error=NULL, attempts=attempts+1 WHERE id=? AND published_at IS NULL"
	markFailedSql    = "UPDATE outbox_events SET attempts=attempts+1, last_error=? WHERE id=? AND published_at IS NULL"
)

// dialect rewrites placeholders once at construction time.
type dialect struct {
	useDollar bool
}

func (d dialect) q(query string) string {
	if d.useDollar {
		return convertToDollarPlaceholder(query)
	}
	return query
}

type Repository struct {
	dialect
	txKey          outbox.TxKey
	db             *sql.DB
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

func New(txKey outbox.TxKey, db *sql.DB, useDollar bool, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{
		dialect:        dialect{useDollar: useDollar},
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

// Save persists an outbox entry. When the context carries an *sql.Tx under
// the repository key the insert joins it.
func (r *Repository) Save(ctx context.Context, o *outbox.Record) error {
	if tx, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		return r.SaveTx(ctx, tx, o)
	}
	_, err := r.db.ExecContext(ctx, r.q(insertOutboxSql), insertArgs(o)...)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

// SaveTx persists an outbox entry in the provided *sql.Tx.
func (r *Repository) SaveTx(ctx context.Context, tx any, o *outbox.Record) error {
	t, ok := tx.(*sql.Tx)
	if !ok || t == nil {
		return errors.New("an *sql.Tx transaction was expected")
	}
	if _, err := t.ExecContext(ctx, r.q(insertOutboxSql), insertArgs(o)...); err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

// ClaimBatch stakes up to c.Limit eligible records, skipping rows locked by
// concurrent claimers.
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	batch, err = scanClaimable(ctx, tx, r.q(selectClaimableSql), c)
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		placeholders := make([]string, len(batch))
		values := []any{c.Now, c.WorkerID}
		for i, o := range batch {
			placeholders[i] = "?"
			values = append(values, o.ID.String())
		}
		query := r.q(fmt.Sprintf(claimOutboxSql, strings.Join(placeholders, ",")))
		res, err := tx.ExecContext(ctx, query, values...)
		if err != nil {
			return nil, err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return nil, errors.New(raNotSupported)
		}
		if ra != int64(len(batch)) {
			return nil, fmt.Errorf("claimed %d rows out of %d locked", ra, len(batch))
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	for _, o := range batch {
		at := c.Now
		o.ClaimedAt = &at
		o.ClaimedBy = c.WorkerID
	}
	return batch, nil
}

func scanClaimable(ctx context.Context, tx *sql.Tx, query string, c outbox.Claim) ([]*outbox.Record, error) {
	rows, err := tx.QueryContext(ctx, query, c.StaleBefore(), c.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []*outbox.Record
	for rows.Next() {
		var o outbox.Record
		var topic string
		if err := rows.Scan(&o.ID, &topic, &o.EventKey, &o.Payload, &o.CreatedAt, &o.Attempts); err != nil {
			return nil, err
		}
		o.Topic = event.Topic(topic)
		batch = append(batch, &o)
	}
	return batch, rows.Err()
}

// MarkPublished sets published_at on an unpublished record.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.q(markPublishedSql), at, id)
	if err != nil {
		return fmt.Errorf("could not mark outbox record '%s' as published: %w", id, err)
	}
	if ra, err := res.RowsAffected(); err == nil && ra == 0 {
		r.logger.Debug(fmt.Sprintf("outbox record '%s' was already published", id))
	}
	return nil
}

// MarkFailed stores the enqueue error on an unpublished record.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := r.db.ExecContext(ctx, r.q(markFailedSql), reason, id); err != nil {
		return fmt.Errorf("could not record the failure of outbox record '%s': %w", id, err)
	}
	return nil
}

func insertArgs(o *outbox.Record) []any {
	return []any{o.ID, string(o.Topic), repository.NullString(o.EventKey), o.Payload, o.CreatedAt}
}

// convertToDollarPlaceholder rewrites '?' placeholders as '$1', '$2'...
func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
