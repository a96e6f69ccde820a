package lock

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts lock manager events.
type Metrics struct {
	Acquired  *prometheus.CounterVec
	Waits     prometheus.Counter
	Signals   prometheus.Counter
	Deadlocks prometheus.Counter
	Retries   prometheus.Counter
	Invalid   prometheus.Counter
	Released  prometheus.Counter
}

// NewMetrics creates the lock counters and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Locks granted, by mode and priority.",
		}, []string{"mode", "priority"}),
		Waits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "lock",
			Name:      "waits_total",
			Help:      "Times a stack went to sleep waiting for a lock.",
		}),
		Signals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "lock",
			Name:      "signals_total",
			Help:      "Low-priority owners signaled by high-priority requesters.",
		}),
		Deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "lock",
			Name:      "deadlocks_total",
			Help:      "Acquisitions refused with DeadlockDetected.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "lock",
			Name:      "retries_total",
			Help:      "Non-blocking acquisitions refused with Retry.",
		}),
		Invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "lock",
			Name:      "invalid_total",
			Help:      "Acquisitions refused because the node was dying.",
		}),
		Released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrytree",
			Subsystem: "lock",
			Name:      "released_total",
			Help:      "Lock handles released.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Acquired, m.Waits, m.Signals, m.Deadlocks, m.Retries, m.Invalid, m.Released)
	}
	return m
}
