package realtime

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics holds websocket gateway collectors. A nil *GatewayMetrics records nothing.
type GatewayMetrics struct {
	sessions  prometheus.Gauge
	envelopes *prometheus.CounterVec
}

// NewGatewayMetrics constructs the collectors and registers them with reg.
func NewGatewayMetrics(reg prometheus.Registerer) (*GatewayMetrics, error) {
	m := &GatewayMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convindex",
			Name:      "ws_sessions",
			Help:      "Open websocket sessions.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convindex",
			Name:      "ws_envelopes_total",
			Help:      "Inbound envelopes accepted by the gateway, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		if err := reg.Register(m.sessions); err != nil {
			return nil, err
		}
		if err := reg.Register(m.envelopes); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *GatewayMetrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *GatewayMetrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *GatewayMetrics) envelope(typ string) {
	if m != nil {
		m.envelopes.WithLabelValues(typ).Inc()
	}
}
