package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/courier/repository"
	"github.com/3rs4lg4d0/courier/scheduler"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	scheduledColumns = "id, conversation_id, sender_id, content, metadata, scheduled_for, status, processing_at, " +
		"COALESCE(sent_message_id, ''), COALESCE(fail_reason, ''), created_at, updated_at"

	insertScheduledSql = "INSERT INTO scheduled_messages (id, conversation_id, sender_id, content, metadata, scheduled_for, status, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"
	getScheduledSql = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE id=$1"
	listPendingSql  = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE status='PENDING' " +
		"AND ($1::text = '' OR conversation_id=$1) AND ($2::text = '' OR sender_id=$2) ORDER BY scheduled_for ASC, created_at ASC"
	updatePendingSql = "UPDATE scheduled_messages SET content=COALESCE($3, content), metadata=COALESCE($4, metadata), " +
		"scheduled_for=COALESCE($5, scheduled_for), updated_at=$6 WHERE id=$1 AND sender_id=$2 AND status='PENDING'"
	cancelPendingSql = "UPDATE scheduled_messages SET status='CANCELLED', updated_at=$3 WHERE id=$1 AND sender_id=$2 AND status='PENDING'"
	reclaimStaleSql  = "UPDATE scheduled_messages SET status='PENDING', processing_at=NULL WHERE status='PROCESSING' AND processing_at < $1"
	listDueSql       = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE status='PENDING' AND scheduled_for <= $1 " +
		"ORDER BY scheduled_for ASC LIMIT $2"
	claimOneSql = "UPDATE scheduled_messages SET status='PROCESSING', processing_at=$2, updated_at=$2 " +
		"WHERE id=$1 AND status='PENDING' AND scheduled_for <= $2 RETURNING " + scheduledColumns
	markSentSql = "UPDATE scheduled_messages SET status='SENT', sent_message_id=$2, processing_at=NULL, updated_at=$3 " +
		"WHERE id=$1 AND status='PROCESSING'"
	markScheduledFailedSql = "UPDATE scheduled_messages SET status='FAILED', fail_reason=$2, processing_at=NULL, updated_at=$3 " +
		"WHERE id=$1 AND status='PROCESSING'"
)

// ScheduledStore is the scheduler.Repository of the scheduled_messages table.
type ScheduledStore struct {
	db dbpool
}

var _ scheduler.Repository = (*ScheduledStore)(nil)

func NewScheduledStore(pool dbpool) *ScheduledStore {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &ScheduledStore{db: pool}
}

func (s *ScheduledStore) Create(ctx context.Context, m *scheduler.ScheduledMessage) error {
	_, err := s.db.Exec(ctx, insertScheduledSql, m.ID, m.ConversationID, m.SenderID, m.Content,
		repository.NullJSON(m.Metadata), m.ScheduledFor, string(m.Status), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not persist scheduled message: %w", err)
	}
	return nil
}

func (s *ScheduledStore) Get(ctx context.Context, id uuid.UUID) (*scheduler.ScheduledMessage, error) {
	m, err := scanScheduled(s.db.QueryRow(ctx, getScheduledSql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scheduler.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read scheduled message '%s': %w", id, err)
	}
	return m, nil
}

func (s *ScheduledStore) ListPending(ctx context.Context, f scheduler.Filter) ([]*scheduler.ScheduledMessage, error) {
	return s.query(ctx, listPendingSql, f.ConversationID, f.SenderID)
}

func (s *ScheduledStore) UpdatePending(ctx context.Context, id uuid.UUID, senderID string, c scheduler.Changes, now time.Time) (bool, error) {
	var content, scheduledFor any
	if c.Content != nil {
		content = *c.Content
	}
	if c.ScheduledFor != nil {
		scheduledFor = *c.ScheduledFor
	}
	return s.exec(ctx, updatePendingSql, id, senderID, content, repository.NullJSON(c.Metadata), scheduledFor, now)
}

func (s *ScheduledStore) CancelPending(ctx context.Context, id uuid.UUID, senderID string, now time.Time) (bool, error) {
	return s.exec(ctx, cancelPendingSql, id, senderID, now)
}

func (s *ScheduledStore) ReclaimStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	ct, err := s.db.Exec(ctx, reclaimStaleSql, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("could not reclaim stale scheduled messages: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *ScheduledStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*scheduler.ScheduledMessage, error) {
	return s.query(ctx, listDueSql, now, limit)
}

func (s *ScheduledStore) ClaimOne(ctx context.Context, id uuid.UUID, now time.Time) (*scheduler.ScheduledMessage, bool, error) {
	m, err := scanScheduled(s.db.QueryRow(ctx, claimOneSql, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not claim scheduled message '%s': %w", id, err)
	}
	return m, true, nil
}

func (s *ScheduledStore) MarkSent(ctx context.Context, id uuid.UUID, sentMessageID string, now time.Time) error {
	_, err := s.exec(ctx, markSentSql, id, sentMessageID, now)
	return err
}

func (s *ScheduledStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	_, err := s.exec(ctx, markScheduledFailedSql, id, reason, now)
	return err
}

func (s *ScheduledStore) exec(ctx context.Context, sql string, args ...any) (bool, error) {
	ct, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("could not update scheduled message: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *ScheduledStore) query(ctx context.Context, sql string, args ...any) ([]*scheduler.ScheduledMessage, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("could not list scheduled messages: %w", err)
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
		return nil, fmt.Errorf("could not list scheduled messages: %w", err)
	}
	return out, nil
}

func scanScheduled(row pgx.Row) (*scheduler.ScheduledMessage, error) {
	var (
		m        scheduler.ScheduledMessage
		metadata []byte
		status   string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &metadata, &m.ScheduledFor,
		&status, &m.ProcessingAt, &m.SentMessageID, &m.FailReason, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Metadata = metadata
	m.Status = scheduler.Status(status)
	return &m, nil
}
