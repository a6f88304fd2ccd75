// Package metrics exposes Prometheus collectors for the write-lock protocol.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Protocol holds the collectors for a single lock instance. Every collector
// carries the owning peer's identifier as a constant label, so several peers
// in one process (a common test setup, and valid in production) stay
// distinguishable on one registry.
type Protocol struct {
	// Acquires tracks acquisition attempts.
	Acquires prometheus.Counter
	// DenialsSent tracks denials sent while holder.
	DenialsSent prometheus.Counter
	// DenialsReceived tracks denials received while pending.
	DenialsReceived prometheus.Counter
	// Heartbeats tracks heartbeats emitted while holder.
	Heartbeats prometheus.Counter
	// Takeovers tracks staleness-driven reclaims.
	Takeovers prometheus.Counter
	// SendFailures tracks swallowed transport send errors.
	SendFailures prometheus.Counter
	// Holder is 1 while the peer believes it holds the lock.
	Holder prometheus.Gauge
}

// NewProtocol creates the collectors for one peer. The collectors work
// unregistered; call Register to expose them.
func NewProtocol(peerID string) *Protocol {
	labels := prometheus.Labels{"peer": peerID}
	return &Protocol{
		Acquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "writelock_acquires_total",
			Help:        "Total number of lock acquisition attempts",
			ConstLabels: labels,
		}),
		DenialsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "writelock_denials_sent_total",
			Help:        "Total number of denials sent to other peers",
			ConstLabels: labels,
		}),
		DenialsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "writelock_denials_received_total",
			Help:        "Total number of denials received for own requests",
			ConstLabels: labels,
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "writelock_heartbeats_sent_total",
			Help:        "Total number of heartbeats emitted",
			ConstLabels: labels,
		}),
		Takeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "writelock_takeovers_total",
			Help:        "Total number of acquisitions triggered by holder staleness",
			ConstLabels: labels,
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "writelock_send_failures_total",
			Help:        "Total number of failed broadcast sends",
			ConstLabels: labels,
		}),
		Holder: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "writelock_holder",
			Help:        "Whether this peer currently holds the write lock",
			ConstLabels: labels,
		}),
	}
}

// Register registers all collectors on the provided registry. Registering the
// same peer twice panics, as prometheus.MustRegister does.
func (p *Protocol) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		p.Acquires,
		p.DenialsSent,
		p.DenialsReceived,
		p.Heartbeats,
		p.Takeovers,
		p.SendFailures,
		p.Holder,
	)
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
