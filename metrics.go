package testproxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts proxy traffic. The zero value is not usable; use
// NewMetrics.
type Metrics struct {
	Redirected   *prometheus.CounterVec
	ControlCalls *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. If reg is
// nil the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Redirected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testproxy",
			Name:      "redirected_requests_total",
			Help:      "Requests rewritten to target the test proxy.",
		}, []string{"mode"}),
		ControlCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testproxy",
			Name:      "control_calls_total",
			Help:      "Start and stop calls sent to the test proxy.",
		}, []string{"call", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Redirected, m.ControlCalls)
	}
	return m
}

func (m *Metrics) redirected(mode Mode) {
	if m == nil {
		return
	}
	m.Redirected.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) control(call string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch err.(type) {
	case nil:
	case *ConnectionError:
		result = "connection_error"
	case *ProtocolError:
		result = "protocol_error"
	default:
		result = "error"
	}
	m.ControlCalls.WithLabelValues(call, result).Inc()
}
