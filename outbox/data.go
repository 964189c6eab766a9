package outbox

import (
	"time"

	"github.com/3rs4lg4d0/courier/claim"
	"github.com/3rs4lg4d0/courier/event"
	"github.com/google/uuid"
)

// Record contains all the information stored in the underlying outbox table.
type Record struct {
	ID          uuid.UUID
	Topic       event.Topic
	EventKey    string // optional idempotency key, empty when absent
	Payload     []byte
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	ClaimedBy   string
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}

// Eligible reports whether the record can be claimed at now.
func (r *Record) Eligible(now time.Time, ttl time.Duration) bool {
	return r.PublishedAt == nil && claim.Stale(r.ClaimedAt, now, ttl)
}

// Claim describes one batch claim request.
type Claim struct {
	WorkerID string
	Limit    int
	Now      time.Time
	TTL      time.Duration
}

// StaleBefore is the instant before which an existing claim is abandoned.
func (c Claim) StaleBefore() time.Time {
	return c.Now.Add(-c.TTL)
}
