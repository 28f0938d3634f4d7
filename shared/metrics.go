package shared

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PipelineMetrics provides observability for audit runs
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Terminal outcomes by status, including skipped runs
	AuditOutcome *prometheus.CounterVec

	// Stage latencies: scrape, cadastre, compliance, expropriation, ai, archive, fusion, persist
	StageLatency *prometheus.HistogramVec

	// Registry handshake outcomes by registry and status
	RegistryOutcome *prometheus.CounterVec

	RunRetries      prometheus.Counter
	BrowserFallback prometheus.Counter

	runs     atomic.Int64
	failures atomic.Int64
}

// NewPipelineMetrics registers all pipeline metrics on a dedicated registry
func NewPipelineMetrics() *PipelineMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PipelineMetrics{
		registry: registry,
		AuditOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glashaus_audit_outcomes_total",
			Help: "Total audit runs by terminal status",
		}, []string{"status"}),

		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "glashaus_audit_stage_duration_seconds",
			Help:    "Duration of audit pipeline stages",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),

		RegistryOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glashaus_registry_outcomes_total",
			Help: "Registry handshake outcomes by registry and status",
		}, []string{"registry", "status"}),

		RunRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "glashaus_audit_retries_total",
			Help: "Audit attempts that were retried after a failure",
		}),

		BrowserFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "glashaus_scrape_browser_fallback_total",
			Help: "Scrapes escalated to the headless browser after a bot challenge",
		}),
	}
}

// ObserveStage records the duration of one pipeline stage
func (m *PipelineMetrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RecordOutcome records a finished run
func (m *PipelineMetrics) RecordOutcome(status string) {
	if m == nil {
		return
	}
	m.AuditOutcome.WithLabelValues(status).Inc()
	m.runs.Add(1)
	if status == "REJECTED" {
		m.failures.Add(1)
	}
}

// RecordRegistry records one registry handshake outcome
func (m *PipelineMetrics) RecordRegistry(registry, status string) {
	if m != nil {
		m.RegistryOutcome.WithLabelValues(registry, status).Inc()
	}
}

// RecordRetry records a retried run attempt
func (m *PipelineMetrics) RecordRetry() {
	if m != nil {
		m.RunRetries.Inc()
	}
}

// RecordBrowserFallback records a scrape escalation
func (m *PipelineMetrics) RecordBrowserFallback() {
	if m != nil {
		m.BrowserFallback.Inc()
	}
}

// Handler exposes the registry in Prometheus text format
func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LogSummary logs run totals
func (m *PipelineMetrics) LogSummary() {
	if m == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"component": "PipelineMetrics",
		"runs":      m.runs.Load(),
		"rejected":  m.failures.Load(),
	}).Info("Audit pipeline summary")
}
