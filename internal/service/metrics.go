package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors of the prediction path
type Metrics struct {
	// Predictions counts finished requests by outcome kind ("ok" or an error kind)
	Predictions *prometheus.CounterVec
	// Duration tracks end-to-end prediction time
	Duration prometheus.Histogram
	// Segments tracks the number of segments per recording
	Segments prometheus.Histogram
	// QueuedTasks is the number of tasks waiting for a worker
	QueuedTasks prometheus.Gauge
	// ActiveWorkers is the number of running executor workers
	ActiveWorkers prometheus.Gauge
	// Rejected counts submissions refused because the queue was full
	Rejected prometheus.Counter
}

// NewMetrics registers collectors on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Predictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "moodvoice",
				Name:      "predictions_total",
				Help:      "Prediction requests by outcome",
			},
			[]string{"outcome"},
		),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moodvoice",
			Name:      "prediction_duration_seconds",
			Help:      "End-to-end prediction time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		Segments: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moodvoice",
			Name:      "prediction_segments",
			Help:      "Segments classified per recording",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		QueuedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "moodvoice",
			Subsystem: "executor",
			Name:      "queued_tasks",
			Help:      "Tasks waiting for a worker",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "moodvoice",
			Subsystem: "executor",
			Name:      "active_workers",
			Help:      "Running executor workers",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "moodvoice",
			Subsystem: "executor",
			Name:      "rejected_total",
			Help:      "Tasks rejected because the queue was full",
		}),
	}
}
