package carry

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts propagation events.
type Metrics struct {
	Carries     prometheus.Counter
	Levels      prometheus.Counter
	Restarts    prometheus.Counter
	Aborts      prometheus.Counter
	Allocated   prometheus.Counter
	RootsAdded  prometheus.Counter
	RootsKilled prometheus.Counter
}

// NewMetrics creates the carry counters and registers them on reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "carry",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		Carries:     counter("carries_total", "Propagations started."),
		Levels:      counter("levels_total", "Levels locked and applied."),
		Restarts:    counter("restarts_total", "Level attempts restarted after Retry."),
		Aborts:      counter("aborts_total", "Propagations aborted by a fatal error."),
		Allocated:   counter("nodes_allocated_total", "Tree nodes allocated by splits."),
		RootsAdded:  counter("roots_added_total", "Times the tree grew by one level."),
		RootsKilled: counter("roots_killed_total", "Times the tree shrank by one level."),
	}
	if reg != nil {
		reg.MustRegister(m.Carries, m.Levels, m.Restarts, m.Aborts, m.Allocated, m.RootsAdded, m.RootsKilled)
	}
	return m
}
