package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/repository"
	"github.com/3rs4lg4d0/courier/scheduler"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	scheduledColumns = "id, conversation_id, sender_id, content, metadata, scheduled_for, status, processing_at, " +
		"COALESCE(sent_message_id, ''), COALESCE(fail_reason, ''), created_at, updated_at"

	insertScheduledSql = "INSERT INTO scheduled_messages (id, conversation_id, sender_id, content, metadata, scheduled_for, status, created_at, updated_at) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	getScheduledSql = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE id=?"
	listPendingSql  = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE status='PENDING' " +
		"AND (@conversation = '' OR conversation_id=@conversation) AND (@sender = '' OR sender_id=@sender) " +
		"ORDER BY scheduled_for ASC, created_at ASC"
	cancelPendingSql = "UPDATE scheduled_messages SET status='CANCELLED', updated_at=? WHERE id=? AND sender_id=? AND status='PENDING'"
	reclaimStaleSql  = "UPDATE scheduled_messages SET status='PENDING', processing_at=NULL WHERE status='PROCESSING' AND processing_at < ?"
	listDueSql       = "SELECT " + scheduledColumns + " FROM scheduled_messages WHERE status='PENDING' AND scheduled_for <= ? " +
		"ORDER BY scheduled_for ASC LIMIT ?"
	claimOneSql = "UPDATE scheduled_messages SET status='PROCESSING', processing_at=@now, updated_at=@now " +
		"WHERE id=@id AND status='PENDING' AND scheduled_for <= @now RETURNING " + scheduledColumns
	markSentSql = "UPDATE scheduled_messages SET status='SENT', sent_message_id=?, processing_at=NULL, updated_at=? " +
		"WHERE id=? AND status='PROCESSING'"
	markScheduledFailedSql = "UPDATE scheduled_messages SET status='FAILED', fail_reason=?, processing_at=NULL, updated_at=? " +
		"WHERE id=? AND status='PROCESSING'"
)

// ScheduledStore is the scheduler.Repository of the scheduled_messages table.
type ScheduledStore struct {
	db *gorm.DB
}

var _ scheduler.Repository = (*ScheduledStore)(nil)

func NewScheduledStore(db *gorm.DB) *ScheduledStore {
	if db == nil {
		panic("db is mandatory")
	}
	return &ScheduledStore{db: db}
}

func (s *ScheduledStore) Create(ctx context.Context, m *scheduler.ScheduledMessage) error {
	err := s.db.WithContext(ctx).Exec(insertScheduledSql, m.ID, m.ConversationID, m.SenderID, m.Content,
		repository.NullJSON(m.Metadata), m.ScheduledFor, string(m.Status), m.CreatedAt, m.UpdatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist scheduled message: %w", err)
	}
	return nil
}

func (s *ScheduledStore) Get(ctx context.Context, id uuid.UUID) (*scheduler.ScheduledMessage, error) {
	ms, err := s.query(ctx, getScheduledSql, id)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, scheduler.ErrNotFound
	}
	return ms[0], nil
}

func (s *ScheduledStore) ListPending(ctx context.Context, f scheduler.Filter) ([]*scheduler.ScheduledMessage, error) {
	return s.query(ctx, listPendingSql, sql.Named("conversation", f.ConversationID), sql.Named("sender", f.SenderID))
}

// UpdatePending builds the SET clause from the non nil changes.
func (s *ScheduledStore) UpdatePending(ctx context.Context, id uuid.UUID, senderID string, c scheduler.Changes, now time.Time) (bool, error) {
	updates := map[string]any{"updated_at": now}
	if c.Content != nil {
		updates["content"] = *c.Content
	}
	if c.Metadata != nil {
		updates["metadata"] = []byte(c.Metadata)
	}
	if c.ScheduledFor != nil {
		updates["scheduled_for"] = *c.ScheduledFor
	}
	res := s.db.WithContext(ctx).Table("scheduled_messages").
		Where("id = ? AND sender_id = ? AND status = ?", id, senderID, string(scheduler.StatusPending)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("could not update scheduled message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *ScheduledStore) CancelPending(ctx context.Context, id uuid.UUID, senderID string, now time.Time) (bool, error) {
	return s.exec(ctx, cancelPendingSql, now, id, senderID)
}

func (s *ScheduledStore) ReclaimStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Exec(reclaimStaleSql, staleBefore)
	if res.Error != nil {
		return 0, fmt.Errorf("could not reclaim stale scheduled messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *ScheduledStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*scheduler.ScheduledMessage, error) {
	return s.query(ctx, listDueSql, now, limit)
}

func (s *ScheduledStore) ClaimOne(ctx context.Context, id uuid.UUID, now time.Time) (*scheduler.ScheduledMessage, bool, error) {
	ms, err := s.query(ctx, claimOneSql, sql.Named("id", id), sql.Named("now", now))
	if err != nil {
		return nil, false, fmt.Errorf("could not claim scheduled message '%s': %w", id, err)
	}
	if len(ms) == 0 {
		return nil, false, nil
	}
	return ms[0], true, nil
}

func (s *ScheduledStore) MarkSent(ctx context.Context, id uuid.UUID, sentMessageID string, now time.Time) error {
	_, err := s.exec(ctx, markSentSql, sentMessageID, now, id)
	return err
}

func (s *ScheduledStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	_, err := s.exec(ctx, markScheduledFailedSql, reason, now, id)
	return err
}

func (s *ScheduledStore) exec(ctx context.Context, stmt string, values ...any) (bool, error) {
	res := s.db.WithContext(ctx).Exec(stmt, values...)
	if res.Error != nil {
		return false, fmt.Errorf("could not update scheduled message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *ScheduledStore) query(ctx context.Context, stmt string, values ...any) ([]*scheduler.ScheduledMessage, error) {
	rows, err := s.db.WithContext(ctx).Raw(stmt, values...).Rows()
	if err != nil {
		return nil, fmt.Errorf("could not read scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.ScheduledMessage
	for rows.Next() {
		var (
			m            scheduler.ScheduledMessage
			metadata     []byte
			status       string
			processingAt sql.NullTime
		)
		err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &metadata, &m.ScheduledFor,
			&status, &processingAt, &m.SentMessageID, &m.FailReason, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("could not read scheduled message: %w", err)
		}
		m.Metadata = metadata
		m.Status = scheduler.Status(status)
		if processingAt.Valid {
			t := processingAt.Time
			m.ProcessingAt = &t
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read scheduled messages: %w", err)
	}
	return out, nil
}
