package metrics

// Counter defines the contract for counters.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all

// OrNop returns c, or a NopCounter when c is nil.
func OrNop(c Counter) Counter {
	if c == nil {
		return &NopCounter{}
	}
	return c
}

// Registry creates named counters for a metrics backend.
type Registry interface {
	Counter(name, help string) Counter
}

type NopRegistry struct{}

var _ Registry = (*NopRegistry)(nil)

func (*NopRegistry) Counter(name, help string) Counter { //nolint:all
	return &NopCounter{}
}
