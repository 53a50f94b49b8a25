package core

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an optional, nil-safe set of counters/gauges a Listener
// reports into. Concrete telemetry sinks are an external collaborator
// per the library's scope, so every method here tolerates a nil
// receiver — callers that don't want metrics simply never construct one.
type Metrics struct {
	rendezvousAccepted prometheus.Counter
	rendezvousFailed   prometheus.Counter
	activeRendezvous   prometheus.Gauge
	controlState       *prometheus.GaugeVec
}

// NewMetrics registers the listener's counters/gauges against reg,
// prefixing them with namespace (typically the entity path).
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	namespace = sanitizeMetricName(namespace)
	m := &Metrics{
		rendezvousAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hcrelay", Subsystem: namespace, Name: "rendezvous_accepted_total",
			Help: "Rendezvous connections successfully handed off to the application.",
		}),
		rendezvousFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hcrelay", Subsystem: namespace, Name: "rendezvous_failed_total",
			Help: "Rendezvous connections that failed to open or were rejected.",
		}),
		activeRendezvous: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hcrelay", Subsystem: namespace, Name: "rendezvous_active",
			Help: "Rendezvous connections currently registered in the active map.",
		}),
		controlState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hcrelay", Subsystem: namespace, Name: "control_channel_state",
			Help: "1 for the current ControlChannel state, 0 otherwise.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.rendezvousAccepted, m.rendezvousFailed, m.activeRendezvous, m.controlState)
	}
	return m
}

// sanitizeMetricName maps an entity path onto the character set
// Prometheus accepts for a metric name component.
func sanitizeMetricName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// AcceptedRendezvous records one successfully handed-off rendezvous.
func (m *Metrics) AcceptedRendezvous() {
	if m == nil {
		return
	}
	m.rendezvousAccepted.Inc()
}

// FailedRendezvous records one rendezvous that failed to open or was
// rejected.
func (m *Metrics) FailedRendezvous() {
	if m == nil {
		return
	}
	m.rendezvousFailed.Inc()
}

// RendezvousDelta adjusts the active-rendezvous gauge by n (+1 on
// register, -1 on completion).
func (m *Metrics) RendezvousDelta(n float64) {
	if m == nil {
		return
	}
	m.activeRendezvous.Add(n)
}

// SetControlState marks state as the ControlChannel's current state and
// every other known state as inactive.
func (m *Metrics) SetControlState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"idle", "connecting", "online", "reconnecting", "closed"} {
		if s == state {
			m.controlState.WithLabelValues(s).Set(1)
		} else {
			m.controlState.WithLabelValues(s).Set(0)
		}
	}
}
