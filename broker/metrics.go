package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts publish outcomes. A nil *Metrics is valid and counts
// nothing.
type Metrics struct {
	publish *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_broker_publish_total",
			Help: "Broker publishes by event name and result.",
		}, []string{"event", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.publish)
	}
	return m
}

func (m *Metrics) observe(event string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publish.WithLabelValues(event, result).Inc()
}
