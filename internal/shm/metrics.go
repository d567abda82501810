package shm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the server's Prometheus collectors.
type metrics struct {
	lockAcquisitions prometheus.Counter
	lockTimeouts     prometheus.Counter
	barrierBreaks    prometheus.Counter
	exceptions       prometheus.Counter
	objects          *prometheus.GaugeVec
}

// newMetrics builds the collectors and registers them with reg when reg is
// non-nil. Unregistered collectors still count, which keeps tests free of
// global registry collisions.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		lockAcquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "benchrig",
			Subsystem: "shm",
			Name:      "lock_acquisitions_total",
			Help:      "Successful remote lock acquisitions.",
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "benchrig",
			Subsystem: "shm",
			Name:      "lock_timeouts_total",
			Help:      "Remote lock acquisitions that timed out.",
		}),
		barrierBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "benchrig",
			Subsystem: "shm",
			Name:      "barrier_breaks_total",
			Help:      "Barrier waits that failed with a broken barrier.",
		}),
		exceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "benchrig",
			Subsystem: "shm",
			Name:      "exceptions_stored_total",
			Help:      "Failure envelopes stored by workers.",
		}),
		objects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "benchrig",
			Subsystem: "shm",
			Name:      "objects",
			Help:      "Named objects hosted by the server, by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.lockAcquisitions, m.lockTimeouts, m.barrierBreaks, m.exceptions, m.objects)
	}
	return m
}
