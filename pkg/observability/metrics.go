package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the connection manager's prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	connections *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "state_transitions_total",
			Help:      "Connection and listener state transitions.",
		}, []string{"scope", "state"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "connections_total",
			Help:      "Connections handed to the manager.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "bytes_total",
			Help:      "Payload bytes moved over the active connection.",
		}, []string{"direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "errors_total",
			Help:      "Errors surfaced to the error callback, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.transitions, m.connections, m.bytes, m.errors} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Transition(scope, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(scope, state).Inc()
}

func (m *Metrics) Connection(inbound bool) {
	if m == nil {
		return
	}
	dir := "outbound"
	if inbound {
		dir = "inbound"
	}
	m.connections.WithLabelValues(dir).Inc()
}

func (m *Metrics) BytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues("out").Add(float64(n))
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues("in").Add(float64(n))
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}
