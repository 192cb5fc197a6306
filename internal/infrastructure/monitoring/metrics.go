package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for installd.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsStaged  prometheus.Gauge
	CommitsTotal    *prometheus.CounterVec
	WriteBytesTotal prometheus.Counter

	// Staging metrics
	VerificationDuration prometheus.Histogram
	StagedOutcomes       *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates and registers the metrics collector.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a collector bound to a custom registry,
// used by tests to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "installd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "installd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "installd_sessions_active",
				Help: "Number of live (non-destroyed) install sessions",
			},
		),
		SessionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "installd_sessions_opened_total",
				Help: "Total number of install sessions opened",
			},
		),
		SessionsStaged: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "installd_sessions_staged",
				Help: "Number of staged sessions awaiting reboot",
			},
		),
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "installd_commits_total",
				Help: "Total session commits by outcome",
			},
			[]string{"outcome"},
		),
		WriteBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "installd_write_bytes_total",
				Help: "Total bytes streamed into content areas",
			},
		),

		VerificationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "installd_staging_verification_duration_seconds",
				Help:    "Pre-reboot verification duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
		StagedOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "installd_staged_outcomes_total",
				Help: "Terminal staged session outcomes",
			},
			[]string{"outcome"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "installd_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCommit records a commit outcome ("success", "failure", "pending_user_action").
func (m *Metrics) RecordCommit(outcome string) {
	m.CommitsTotal.WithLabelValues(outcome).Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
