package prometheus

import (
	"net/http"
	"sync"

	"github.com/3rs4lg4d0/courier/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Counter struct {
	Counter prometheus.Counter
}

var _ metrics.Counter = (*Counter)(nil)

// Inc adds delta to the counter. Prometheus counters are monotonic so
// negative deltas are ignored.
func (c *Counter) Inc(delta int64) {
	if delta < 0 {
		return
	}
	c.Counter.Add(float64(delta))
}

// Registry creates prometheus counters under a namespace. Asking twice for the
// same name returns the same collector.
type Registry struct {
	namespace string
	registry  *prometheus.Registry
	mu        sync.Mutex
	counters  map[string]*Counter
}

var _ metrics.Registry = (*Registry)(nil)

func NewRegistry(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		namespace: namespace,
		registry:  reg,
		counters:  make(map[string]*Counter),
	}
}

func (r *Registry) Counter(name, help string) metrics.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	pc := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      name + "_total",
		Help:      help,
	})
	r.registry.MustRegister(pc)
	c := &Counter{Counter: pc}
	r.counters[name] = c
	return c
}

// Handler returns the Prometheus metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
