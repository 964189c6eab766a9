package outbox

import (
	"time"

	"github.com/3rs4lg4d0/courier/claim"
)

const (
	defaultPollingInterval   time.Duration = 400 * time.Millisecond
	defaultBatchSize         int           = 50
	defaultClaimTTL          time.Duration = 30 * time.Second
	defaultWarnAfterAttempts int           = 10
	maxLastErrorLength       int           = 1000
)

// Settings holds the outbox module configuration.
type Settings struct {
	EnableForwarder   bool          // enables the forwarder that moves outbox records into the queue
	WorkerID          string        // identity written to claimed_by, diagnostic only
	PollingInterval   time.Duration // interval between forwarder ticks
	BatchSize         int           // maximum number of records claimed per tick
	ClaimTTL          time.Duration // age after which an unfinished claim can be taken over
	Retry             RetryPolicy   // retry policy attached to every enqueued job
	Retention         Retention     // retention policy attached to every enqueued job
	WarnAfterAttempts int           // log a warning once a record failed this many times
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.EnableForwarder {
		if s.WorkerID == "" {
			s.WorkerID = claim.NewWorkerID()
		}
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.BatchSize <= 0 {
			s.BatchSize = defaultBatchSize
		}
		if s.ClaimTTL <= 0 {
			s.ClaimTTL = defaultClaimTTL
		}
		if s.Retry.Attempts <= 0 || s.Retry.Backoff <= 0 {
			s.Retry = DefaultRetryPolicy()
		}
		if s.Retention == (Retention{}) {
			s.Retention = DefaultRetention()
		}
		if s.WarnAfterAttempts <= 0 {
			s.WarnAfterAttempts = defaultWarnAfterAttempts
		}
	}
}
