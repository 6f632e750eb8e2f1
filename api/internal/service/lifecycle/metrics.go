package lifecycle

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts lifecycle outcomes.
type Metrics struct {
	operations *prometheus.CounterVec
	points     prometheus.Counter
}

// NewMetrics registers lifecycle collectors on reg, reusing collectors that
// are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nut",
			Name:      "lifecycle_operations_total",
			Help:      "Count of consigne and deconsigne operations by outcome",
		}, []string{"operation", "outcome"}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nut",
			Name:      "nut_coins_awarded_total",
			Help:      "NutCoins credited by deconsigne operations",
		}),
	}
	if reg == nil {
		return m
	}
	if err := reg.Register(m.operations); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.operations = existing
			}
		}
	}
	if err := reg.Register(m.points); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				m.points = existing
			}
		}
	}
	return m
}

func (m *Metrics) observe(operation string, err error, points int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	if err == nil && points > 0 {
		m.points.Add(float64(points))
	}
}
