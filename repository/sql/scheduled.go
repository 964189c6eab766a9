package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/courier/repository"
	"github.com/3rs4lg4d0/courier/scheduler"
	"github.com/google/uuid"
)

const (
	scheduledColumns = "id, conversation_id, sender_id, content, metadata, scheduled_for, status, processing_at, " +
		"COALESCE(sent_message_id, ''), COALESCE(fail_reason, ''), created_at, updated_at"

	insertScheduledSql = "INSERT INTO scheduled_messages (id, conversation_id, sender_id, content, metadata, scheduled_for, status, created_at, updated_at) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	getScheduledSql  = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE id=?"
	listPendingSql   = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE status='PENDING'"
	updatePendingSql = "UPDATE scheduled_messages SET %s WHERE id=? AND sender_id=? AND status='PENDING'"
	cancelPendingSql = "UPDATE scheduled_messages SET status='CANCELLED', updated_at=? WHERE id=? AND sender_id=? AND status='PENDING'"
	reclaimStaleSql  = "UPDATE scheduled_messages SET status='PENDING', processing_at=NULL WHERE status='PROCESSING' AND processing_at < ?"
	listDueSql       = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE status='PENDING' AND scheduled_for <= ? " +
		"ORDER BY scheduled_for ASC LIMIT ?"
	claimOneSql = "UPDATE scheduled_messages SET status='PROCESSING', processing_at=?, updated_at=? " +
		"WHERE id=? AND status='PENDING' AND scheduled_for <= ? RETURNING " + scheduledColumns
	markSentSql = "UPDATE scheduled_messages SET status='SENT', sent_message_id=?, processing_at=NULL, updated_at=? " +
		"WHERE id=? AND status='PROCESSING'"
	markScheduledFailedSql = "UPDATE scheduled_messages SET status='FAILED', fail_reason=?, processing_at=NULL, updated_at=? " +
		"WHERE id=? AND status='PROCESSING'"
)

// ScheduledStore is the scheduler.Repository of the scheduled_messages table.
type ScheduledStore struct {
	dialect
	db *sql.DB
}

var _ scheduler.Repository = (*ScheduledStore)(nil)

func NewScheduledStore(db *sql.DB, useDollar bool) *ScheduledStore {
	if db == nil {
		panic("db is mandatory")
	}
	return &ScheduledStore{dialect: dialect{useDollar: useDollar}, db: db}
}

func (s *ScheduledStore) Create(ctx context.Context, m *scheduler.ScheduledMessage) error {
	_, err := s.db.ExecContext(ctx, s.q(insertScheduledSql), m.ID, m.ConversationID, m.SenderID, m.Content,
		repository.NullJSON(m.Metadata), m.ScheduledFor, string(m.Status), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not persist scheduled message: %w", err)
	}
	return nil
}

func (s *ScheduledStore) Get(ctx context.Context, id uuid.UUID) (*scheduler.ScheduledMessage, error) {
	m, err := scanScheduled(s.db.QueryRowContext(ctx, s.q(getScheduledSql), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scheduler.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read scheduled message '%s': %w", id, err)
	}
	return m, nil
}

// ListPending appends one predicate per non empty filter field.
func (s *ScheduledStore) ListPending(ctx context.Context, f scheduler.Filter) ([]*scheduler.ScheduledMessage, error) {
	query := listPendingSql
	var values []any
	if f.ConversationID != "" {
		query += " AND conversation_id=?"
		values = append(values, f.ConversationID)
	}
	if f.SenderID != "" {
		query += " AND sender_id=?"
		values = append(values, f.SenderID)
	}
	query += " ORDER BY scheduled_for ASC, created_at ASC"
	return s.query(ctx, s.q(query), values...)
}

func (s *ScheduledStore) UpdatePending(ctx context.Context, id uuid.UUID, senderID string, c scheduler.Changes, now time.Time) (bool, error) {
	sets := []string{"updated_at=?"}
	values := []any{now}
	if c.Content != nil {
		sets = append(sets, "content=?")
		values = append(values, *c.Content)
	}
	if c.Metadata != nil {
		sets = append(sets, "metadata=?")
		values = append(values, []byte(c.Metadata))
	}
	if c.ScheduledFor != nil {
		sets = append(sets, "scheduled_for=?")
		values = append(values, *c.ScheduledFor)
	}
	values = append(values, id, senderID)
	return s.exec(ctx, fmt.Sprintf(updatePendingSql, strings.Join(sets, ", ")), values...)
}

func (s *ScheduledStore) CancelPending(ctx context.Context, id uuid.UUID, senderID string, now time.Time) (bool, error) {
	return s.exec(ctx, cancelPendingSql, now, id, senderID)
}

func (s *ScheduledStore) ReclaimStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(reclaimStaleSql), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("could not reclaim stale scheduled messages: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New(raNotSupported)
	}
	return ra, nil
}

func (s *ScheduledStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*scheduler.ScheduledMessage, error) {
	return s.query(ctx, s.q(listDueSql), now, limit)
}

func (s *ScheduledStore) ClaimOne(ctx context.Context, id uuid.UUID, now time.Time) (*scheduler.ScheduledMessage, bool, error) {
	m, err := scanScheduled(s.db.QueryRowContext(ctx, s.q(claimOneSql), now, now, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not claim scheduled message '%s': %w", id, err)
	}
	return m, true, nil
}

func (s *ScheduledStore) MarkSent(ctx context.Context, id uuid.UUID, sentMessageID string, now time.Time) error {
	_, err := s.exec(ctx, markSentSql, sentMessageID, now, id)
	return err
}

func (s *ScheduledStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	_, err := s.exec(ctx, markScheduledFailedSql, reason, now, id)
	return err
}

func (s *ScheduledStore) exec(ctx context.Context, query string, values ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), values...)
	if err != nil {
		return false, fmt.Errorf("could not update scheduled message: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	return ra > 0, nil
}

func (s *ScheduledStore) query(ctx context.Context, query string, values ...any) ([]*scheduler.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, fmt.Errorf("could not read scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("could not read scheduled message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read scheduled messages: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScheduled(row scanner) (*scheduler.ScheduledMessage, error) {
	var (
		m            scheduler.ScheduledMessage
		metadata     []byte
		status       string
		processingAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &metadata, &m.ScheduledFor,
		&status, &processingAt, &m.SentMessageID, &m.FailReason, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Metadata = metadata
	m.Status = scheduler.Status(status)
	if processingAt.Valid {
		t := processingAt.Time
		m.ProcessingAt = &t
	}
	return &m, nil
}
