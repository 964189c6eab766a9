package router

import (
	"fmt"

	"github.com/3rs4lg4d0/courier/logger"
)

// BestEffort is the outcome of a step whose failure must not fail the job.
// Callers hand it to Discard so that ignoring the error is visible.
type BestEffort struct {
	Step string
	Err  error
}

func bestEffort(step string, err error) BestEffort {
	return BestEffort{Step: step, Err: err}
}

// Failed reports whether the step failed.
func (b BestEffort) Failed() bool {
	return b.Err != nil
}

// Discard logs a failed step and drops it.
func (b BestEffort) Discard(l logger.Logger) {
	if b.Err != nil {
		l.Warn(fmt.Sprintf("best-effort step '%s' failed and was skipped: %v", b.Step, b.Err))
	}
}
