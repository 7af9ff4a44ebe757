// Package metrics exposes Prometheus collectors for the parent/child channel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors used by dispatchers and subscribers. All
// vectors are labelled by node name.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	HandlerFailures  *prometheus.CounterVec
	ShutdownTimeouts *prometheus.CounterVec
	ChildrenRunning  prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and child processes want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tributary",
			Subsystem: "ipc",
			Name:      "messages_sent_total",
			Help:      "Messages written to a channel endpoint.",
		}, []string{"node"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tributary",
			Subsystem: "ipc",
			Name:      "messages_received_total",
			Help:      "Messages read from a channel endpoint.",
		}, []string{"node"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tributary",
			Subsystem: "ipc",
			Name:      "handler_failures_total",
			Help:      "Inbound messages whose handling failed and was skipped.",
		}, []string{"node"}),
		ShutdownTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tributary",
			Subsystem: "ipc",
			Name:      "shutdown_timeouts_total",
			Help:      "Children that had to be forcibly terminated after the stop timeout.",
		}, []string{"node"}),
		ChildrenRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tributary",
			Subsystem: "ipc",
			Name:      "children_running",
			Help:      "Child processes spawned and not yet joined.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesSent,
			m.MessagesReceived,
			m.HandlerFailures,
			m.ShutdownTimeouts,
			m.ChildrenRunning,
		)
	}
	return m
}

var defaultMetrics = New(nil)

// Default returns the shared unregistered collectors used when no Metrics is
// configured explicitly.
func Default() *Metrics { return defaultMetrics }
