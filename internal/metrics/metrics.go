// Package metrics holds the Prometheus collectors of the ingestion pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nautilus"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRetry   = "retry"
	OutcomeSkipped = "skipped"
	OutcomeBusy    = "busy"
)

// Metrics groups every collector. Nil receivers are valid and record nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	UploadsTotal     *prometheus.CounterVec
	UploadBytesTotal prometheus.Counter

	PromotionsTotal   *prometheus.CounterVec
	PromotionDuration prometheus.Histogram

	StorageOpsTotal *prometheus.CounterVec

	JobsTotal *prometheus.CounterVec

	SweepRunsTotal  *prometheus.CounterVec
	SweepItemsTotal *prometheus.CounterVec

	WebhooksTotal *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewWithRegisterer(reg)
	m.gatherer = reg
	return m
}

// NewWithRegisterer registers the collectors on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route"},
		),
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "files",
				Name:      "uploads_total",
				Help:      "Total file uploads by outcome",
			},
			[]string{"outcome"},
		),
		UploadBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "files",
				Name:      "upload_bytes_total",
				Help:      "Total bytes staged by uploads",
			},
		),
		PromotionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "files",
				Name:      "promotions_total",
				Help:      "Total promotions to durable storage by outcome",
			},
			[]string{"outcome"},
		),
		PromotionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "files",
				Name:      "promotion_duration_seconds",
				Help:      "Promotion duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		StorageOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operations_total",
				Help:      "Total durable storage operations",
			},
			[]string{"backend", "op", "outcome"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "jobs_total",
				Help:      "Total processed jobs by name and outcome",
			},
			[]string{"job", "outcome"},
		),
		SweepRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Total retention sweep runs by outcome",
			},
			[]string{"outcome"},
		),
		SweepItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "items_total",
				Help:      "Total items handled by the retention sweep",
			},
			[]string{"kind"},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archives",
				Name:      "webhooks_total",
				Help:      "Total build callbacks received by task status",
			},
			[]string{"status"},
		),
	}
}

// Handler returns the Prometheus metrics handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records an upload attempt.
func (m *Metrics) RecordUpload(outcome string, size int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.UploadBytesTotal.Add(float64(size))
	}
}

// RecordPromotion records a promotion attempt.
func (m *Metrics) RecordPromotion(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(outcome).Inc()
	m.PromotionDuration.Observe(duration.Seconds())
}

// RecordStorageOp records a durable storage call.
func (m *Metrics) RecordStorageOp(backend, op string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.StorageOpsTotal.WithLabelValues(backend, op, outcome).Inc()
}

// RecordJob records a processed job.
func (m *Metrics) RecordJob(name, outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(name, outcome).Inc()
}

// RecordSweep records a retention sweep run and its item counts.
func (m *Metrics) RecordSweep(err error, items map[string]int) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.SweepRunsTotal.WithLabelValues(outcome).Inc()
	for kind, n := range items {
		m.SweepItemsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordWebhook records a received build callback.
func (m *Metrics) RecordWebhook(status string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(status).Inc()
}
