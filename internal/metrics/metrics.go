// Package metrics exposes the gate link's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Command results recorded on CommandsSent.
const (
	ResultWritten  = "written"
	ResultQueued   = "queued"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics groups the collectors fed by the link.
type Metrics struct {
	// FramesReceived counts decoded inbound frames by protocol kind.
	FramesReceived *prometheus.CounterVec

	// CommandsSent counts commands by name and result.
	CommandsSent *prometheus.CounterVec

	// CommandTimeouts counts commands that got no reply in time.
	CommandTimeouts *prometheus.CounterVec

	// CommandLatency observes time from write to matched reply.
	CommandLatency *prometheus.HistogramVec

	// ReconnectAttempts counts close+delay+reopen cycles.
	ReconnectAttempts prometheus.Counter

	// WatchdogExhausted counts times the watchdog gave up.
	WatchdogExhausted prometheus.Counter

	// Connected is 1 while the link is up.
	Connected prometheus.Gauge

	// GateState is the numeric gate.State.
	GateState prometheus.Gauge

	// VehiclePresent is 1 while a vehicle is detected.
	VehiclePresent prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatelink_frames_received_total",
				Help: "Frames decoded from the gate controller, by kind.",
			},
			[]string{"kind"},
		),
		CommandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatelink_commands_total",
				Help: "Commands submitted to the gate controller, by command and result.",
			},
			[]string{"command", "result"},
		),
		CommandTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatelink_command_timeouts_total",
				Help: "Commands that received no reply within the command timeout.",
			},
			[]string{"command"},
		),
		CommandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatelink_command_latency_seconds",
				Help:    "Time between writing a command and receiving its reply.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"command"},
		),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelink_reconnect_attempts_total",
			Help: "Reconnect attempts made by the watchdog.",
		}),
		WatchdogExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelink_watchdog_exhausted_total",
			Help: "Times the watchdog stopped after exceeding its reconnect budget.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatelink_connected",
			Help: "Connection status to the gate controller (1=connected).",
		}),
		GateState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatelink_gate_state",
			Help: "Gate state (0=unknown 1=opening 2=open 3=closing 4=closed 5=error).",
		}),
		VehiclePresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatelink_vehicle_present",
			Help: "Vehicle presence at the gate (1=present).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.CommandsSent,
			m.CommandTimeouts,
			m.CommandLatency,
			m.ReconnectAttempts,
			m.WatchdogExhausted,
			m.Connected,
			m.GateState,
			m.VehiclePresent,
		)
	}
	return m
}

// BoolGauge converts a flag to a gauge value.
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
