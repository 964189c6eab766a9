package scheduler

import (
	"time"

	"github.com/3rs4lg4d0/courier/claim"
)

const (
	defaultTickInterval time.Duration = time.Minute
	defaultBatchSize    int           = 100
	defaultStaleAfter   time.Duration = 10 * time.Minute
	defaultMessageType  string        = "text"
	maxFailReasonLength int           = 1000
	maxContentLength    int           = 10000
)

// Settings holds the dispatcher configuration.
type Settings struct {
	EnableDispatcher bool          // enables the dispatcher loop
	WorkerID         string        // identity used in logs, diagnostic only
	TickInterval     time.Duration // interval between dispatcher ticks
	BatchSize        int           // maximum number of due messages considered per tick
	StaleAfter       time.Duration // PROCESSING age after which a message is reclaimed
	MessageType      string        // type of the messages created on send
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.EnableDispatcher {
		if s.WorkerID == "" {
			s.WorkerID = claim.NewWorkerID()
		}
		if s.TickInterval <= 0 {
			s.TickInterval = defaultTickInterval
		}
		if s.BatchSize <= 0 {
			s.BatchSize = defaultBatchSize
		}
		if s.StaleAfter <= 0 {
			s.StaleAfter = defaultStaleAfter
		}
		if s.MessageType == "" {
			s.MessageType = defaultMessageType
		}
	}
}
