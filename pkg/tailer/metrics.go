package tailer

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pgtail"

var hostname, _ = os.Hostname()

// Metrics holds the tailer's prometheus collectors.  Register them with
// Collectors.
type Metrics struct {
	state          prometheus.Gauge
	processLatency prometheus.Gauge
	persisted      *prometheus.CounterVec
	persistErr     prometheus.Counter
	acks           prometheus.Counter
	acksHeld       prometheus.Gauge
	discarded      *prometheus.CounterVec
	connects       *prometheus.CounterVec
}

func NewMetrics(slotName string) *Metrics {
	labels := prometheus.Labels{
		"host":      hostname,
		"slot_name": slotName,
	}
	return &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "current supervisor state: 0 idle, 1 connecting, 2 active, 3 error, 4 shutting down",
			ConstLabels: labels,
		}),
		processLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "process_latency",
			Name:        "current",
			Help:        "latest time between the server writing a change and it being persisted, in milliseconds",
			ConstLabels: labels,
		}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "persist",
			Name:        "total",
			Help:        "total number of persisted changesets",
			ConstLabels: labels,
		}, []string{"operation"}),
		persistErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "persist_err",
			Name:        "total",
			Help:        "total number of changesets which failed to persist",
			ConstLabels: labels,
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ack",
			Name:        "total",
			Help:        "total number of acknowledged positions",
			ConstLabels: labels,
		}),
		acksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ack",
			Name:        "held",
			Help:        "1 while acknowledgements are held after a persist failure",
			ConstLabels: labels,
		}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "discard",
			Name:        "total",
			Help:        "total number of discarded events",
			ConstLabels: labels,
		}, []string{"reason"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "connect",
			Name:        "total",
			Help:        "total number of connection attempts",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.state,
		m.processLatency,
		m.persisted,
		m.persistErr,
		m.acks,
		m.acksHeld,
		m.discarded,
		m.connects,
	}
}
