package stack

import (
	"errors"

	"github.com/backkem/coap/pkg/message"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "coap"

// Metrics counts reliability events. A nil *Metrics is valid and counts
// nothing.
type Metrics struct {
	transmissions   *prometheus.CounterVec
	retransmissions *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	timeouts        prometheus.Counter
	cancellations   *prometheus.CounterVec
}

// NewMetrics creates the reliability counters and registers them on reg.
// With a nil reg the counters work but are not exported. Collectors that
// are already registered on reg are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reliability",
			Name:      "transmissions_total",
			Help:      "First transmissions of outbound messages, by message kind and type.",
		}, []string{"kind", "type"}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reliability",
			Name:      "retransmissions_total",
			Help:      "Timer driven retransmissions, by message kind.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reliability",
			Name:      "duplicates_total",
			Help:      "Inbound duplicates answered or dropped, by message kind.",
		}, []string{"kind"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reliability",
			Name:      "timeouts_total",
			Help:      "Exchanges whose retry budget was exhausted.",
		}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reliability",
			Name:      "cancellations_total",
			Help:      "Pending retransmissions cancelled, by the message type that cancelled them.",
		}, []string{"type"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.transmissions, err = registerVec(reg, m.transmissions)
	if err != nil {
		return nil, err
	}
	m.retransmissions, err = registerVec(reg, m.retransmissions)
	if err != nil {
		return nil, err
	}
	m.duplicates, err = registerVec(reg, m.duplicates)
	if err != nil {
		return nil, err
	}
	m.cancellations, err = registerVec(reg, m.cancellations)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(m.timeouts); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.timeouts = are.ExistingCollector.(prometheus.Counter)
	}
	return m, nil
}

func registerVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return c, nil
}

func (m *Metrics) transmission(kind message.Kind, typ message.Type) {
	if m != nil {
		m.transmissions.WithLabelValues(kind.String(), typ.String()).Inc()
	}
}

func (m *Metrics) retransmission(kind message.Kind) {
	if m != nil {
		m.retransmissions.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) duplicate(kind message.Kind) {
	if m != nil {
		m.duplicates.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) cancellation(typ message.Type) {
	if m != nil {
		m.cancellations.WithLabelValues(typ.String()).Inc()
	}
}
