package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which callers store their business
// transaction so that Save joins it.
type TxKey any

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists an outbox record. If the context carries a transaction
	// under the repository TxKey the insert joins it, otherwise the record is
	// written on its own.
	Save(ctx context.Context, r *Record) error

	// SaveTx persists an outbox record inside the provided transaction. The
	// concrete transaction type depends on the implementation.
	SaveTx(ctx context.Context, tx any, r *Record) error

	// ClaimBatch stakes up to c.Limit eligible records for c.WorkerID, oldest
	// first. Contention with other claimers is retried internally; when the
	// retries run out nothing is claimed and an empty batch is returned.
	ClaimBatch(ctx context.Context, c Claim) ([]*Record, error)

	// MarkPublished sets published_at, clears last_error and counts the attempt.
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed counts the attempt and stores the error, leaving the claim in
	// place so the record becomes eligible again once the claim goes stale.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}
