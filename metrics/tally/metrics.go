package tally

import (
	"github.com/3rs4lg4d0/courier/metrics"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Registry creates tally counters from a scope. The help text is ignored
// because tally has no notion of metric descriptions.
type Registry struct {
	Scope tally.Scope
}

var _ metrics.Registry = (*Registry)(nil)

func (r *Registry) Counter(name, _ string) metrics.Counter {
	return &Counter{Counter: r.Scope.Counter(name)}
}
