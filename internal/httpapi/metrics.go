package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	eventLogErrors prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadrelay",
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by path and outcome.",
		}, []string{"path", "outcome"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threadrelay",
			Name:      "ingest_duration_seconds",
			Help:      "Time spent ingesting one webhook event.",
			Buckets:   prometheus.DefBuckets,
		}),
		eventLogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadrelay",
			Name:      "eventlog_failures_total",
			Help:      "Event log appends that failed and were skipped.",
		}),
	}
	m.registry.MustRegister(m.requests, m.ingestDuration, m.eventLogErrors)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
