// Package metrics holds the Prometheus collectors exported by the audit
// server. Every method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audittrail"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	EventsRecorded   *prometheus.CounterVec
	RecordFailures   prometheus.Counter
	RecordSkipped    *prometheus.CounterVec
	RecorderDropped  prometheus.Counter
	RecorderQueue    prometheus.Gauge
	ReportDuration   *prometheus.HistogramVec
	ReportDegraded   *prometheus.CounterVec
	ReportTimeouts   *prometheus.CounterVec
	FacetCache       *prometheus.CounterVec
	IngestRejected   prometheus.Counter
	ConsumerRecords  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Audit events persisted, by action",
		}, []string{"action"}),
		RecordFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_failures_total",
			Help:      "Audit writes that failed and were swallowed",
		}),
		RecordSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_skipped_total",
			Help:      "Audit writes skipped before reaching the store, by reason",
		}, []string{"reason"}),
		RecorderDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_total",
			Help:      "Audit entries dropped because the async queue was full",
		}),
		RecorderQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recorder_queue_depth",
			Help:      "Entries waiting in the async recorder queue",
		}),
		ReportDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_duration_seconds",
			Help:      "Wall-clock time spent building compliance reports",
			Buckets:   prometheus.DefBuckets,
		}, []string{"report"}),
		ReportDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_degraded_total",
			Help:      "Reports served with a shortened window after a timeout",
		}, []string{"report"}),
		ReportTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_timeouts_total",
			Help:      "Reports that failed after exhausting the fallback budget",
		}, []string{"report"}),
		FacetCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facet_cache_lookups_total",
			Help:      "Facet cache lookups, by result (hit, miss, error)",
		}, []string{"result"}),
		IngestRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_total",
			Help:      "Ingest requests rejected by the rate limiter",
		}),
		ConsumerRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_records_total",
			Help:      "Kafka records handled by the ingest consumer, by outcome",
		}, []string{"outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestTimes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}
}

func (m *Metrics) IncRecorded(action string) {
	if m == nil {
		return
	}
	m.EventsRecorded.WithLabelValues(action).Inc()
}

func (m *Metrics) IncRecordFailure() {
	if m == nil {
		return
	}
	m.RecordFailures.Inc()
}

func (m *Metrics) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.RecordSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.RecorderDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.RecorderQueue.Set(float64(n))
}

// ObserveReport records how long a report took.
func (m *Metrics) ObserveReport(report string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReportDuration.WithLabelValues(report).Observe(d.Seconds())
}

func (m *Metrics) IncDegraded(report string) {
	if m == nil {
		return
	}
	m.ReportDegraded.WithLabelValues(report).Inc()
}

func (m *Metrics) IncReportTimeout(report string) {
	if m == nil {
		return
	}
	m.ReportTimeouts.WithLabelValues(report).Inc()
}

func (m *Metrics) IncFacetCache(result string) {
	if m == nil {
		return
	}
	m.FacetCache.WithLabelValues(result).Inc()
}

func (m *Metrics) IncIngestRejected() {
	if m == nil {
		return
	}
	m.IngestRejected.Inc()
}

func (m *Metrics) IncConsumed(outcome string) {
	if m == nil {
		return
	}
	m.ConsumerRecords.WithLabelValues(outcome).Inc()
}

// Middleware counts and times every request by its route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestTimes.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
