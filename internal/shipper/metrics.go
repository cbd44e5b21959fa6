package shipper

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the shipper's prometheus collectors.
type Metrics struct {
	Events  *prometheus.CounterVec
	Batches *prometheus.CounterVec
	Files   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptytee_shipper_events_total",
				Help: "Transcript events handed to a sink, by outcome",
			},
			[]string{"sink", "status"},
		),
		Batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptytee_shipper_batches_total",
				Help: "Batches sent to a sink, by outcome",
			},
			[]string{"sink", "status"},
		),
		Files: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ptytee_shipper_files",
				Help: "Transcripts currently tracked by the follower",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Batches, m.Files)
	}
	return m
}

func (m *Metrics) observe(sink string, events int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Events.WithLabelValues(sink, status).Add(float64(events))
	m.Batches.WithLabelValues(sink, status).Inc()
}
