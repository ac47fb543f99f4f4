package outbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultProcessed = "processed"
	resultFailed    = "failed"

	unresolvedLabel = "unresolved"
)

type metrics struct {
	appendTotal        *prometheus.CounterVec
	dispatchTotal      *prometheus.CounterVec
	exhaustedTotal     *prometheus.CounterVec
	resolutionFailures prometheus.Counter
	requeueTotal       prometheus.Counter
	cleanedTotal       prometheus.Counter

	dispatchLatency *prometheus.HistogramVec

	records *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		appendTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "append_total",
			Help:      "Total number of records appended by publishers.",
		}, []string{"event_type"}),
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "dispatch_total",
			Help:      "Total number of record dispatch attempts.",
		}, []string{"event_type", "result"}),
		exhaustedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "exhausted_total",
			Help:      "Total number of records that reached the escalation threshold.",
		}, []string{"event_type"}),
		resolutionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "resolution_failures_total",
			Help:      "Total number of stored event types that could not be resolved.",
		}),
		requeueTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "requeue_total",
			Help:      "Total number of failed records moved back to pending.",
		}),
		cleanedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "cleaned_total",
			Help:      "Total number of processed records deleted by the cleaner.",
		}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency distribution for record dispatch.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"result"}),
		records: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "records",
			Help:      "Current number of outbox records by status.",
		}, []string{"status"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
