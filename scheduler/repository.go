package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository manages scheduled messages. Every state change is a single
// conditional update whose predicate includes the expected status, so
// concurrent dispatchers and user edits never overwrite each other.
type Repository interface {
	Create(ctx context.Context, m *ScheduledMessage) error

	// Get returns ErrNotFound when the id does not exist.
	Get(ctx context.Context, id uuid.UUID) (*ScheduledMessage, error)

	// ListPending returns PENDING messages ordered by scheduled time.
	ListPending(ctx context.Context, f Filter) ([]*ScheduledMessage, error)

	// UpdatePending applies changes when the message is PENDING and belongs to
	// senderID, reporting whether a row was updated.
	UpdatePending(ctx context.Context, id uuid.UUID, senderID string, c Changes, now time.Time) (bool, error)

	// CancelPending moves a PENDING message of senderID to CANCELLED.
	CancelPending(ctx context.Context, id uuid.UUID, senderID string, now time.Time) (bool, error)

	// ReclaimStale moves PROCESSING messages claimed before staleBefore back to
	// PENDING and returns how many were moved.
	ReclaimStale(ctx context.Context, staleBefore time.Time) (int64, error)

	// ListDue returns up to limit PENDING messages due at now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledMessage, error)

	// ClaimOne moves a due PENDING message to PROCESSING. The returned message
	// is the claimed row and is only meaningful when the bool is true.
	ClaimOne(ctx context.Context, id uuid.UUID, now time.Time) (*ScheduledMessage, bool, error)

	// MarkSent moves a PROCESSING message to SENT.
	MarkSent(ctx context.Context, id uuid.UUID, sentMessageID string, now time.Time) error

	// MarkFailed moves a PROCESSING message to FAILED.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
}
