// Package observability exposes Prometheus metrics and health checks for the
// security gate.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gate's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	denials           *prometheus.CounterVec
	confirmations     *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activeAnomalies   prometheus.Gauge
	trustedServers    prometheus.Gauge
}

// NewMetrics creates the registry and registers all gate metrics plus the Go
// runtime collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}
	m.initMetrics()
	m.registerMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	m.executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_executions_total",
			Help: "Total number of tool execution requests by final decision",
		},
		[]string{"server", "tool", "decision"},
	)

	m.denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_denials_total",
			Help: "Total number of denied executions by denial cause",
		},
		[]string{"cause"},
	)

	m.confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_confirmations_total",
			Help: "Total number of confirmation resolutions by choice",
		},
		[]string{"choice"},
	)

	m.anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_anomalies_total",
			Help: "Total number of detected anomalies by type and severity",
		},
		[]string{"type", "severity"},
	)

	m.executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_execution_duration_seconds",
			Help:    "End-to-end pipeline duration per execution request",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "decision"},
	)

	m.activeAnomalies = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_active_anomalies",
		Help: "Number of currently active anomalies",
	})

	m.trustedServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_trusted_servers",
		Help: "Number of servers with trusted status",
	})
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.executions,
		m.denials,
		m.confirmations,
		m.anomalies,
		m.executionDuration,
		m.activeAnomalies,
		m.trustedServers,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RecordExecution records one resolved execution request.
func (m *Metrics) RecordExecution(server, tool, decision string, duration time.Duration) {
	m.executions.WithLabelValues(server, tool, decision).Inc()
	m.executionDuration.WithLabelValues(server, tool, decision).Observe(duration.Seconds())
}

// RecordDenial records a denial by cause (permission, sanitization, anomaly,
// confirmation, execution).
func (m *Metrics) RecordDenial(cause string) {
	m.denials.WithLabelValues(cause).Inc()
}

// RecordConfirmation records a resolved confirmation choice.
func (m *Metrics) RecordConfirmation(choice string) {
	m.confirmations.WithLabelValues(choice).Inc()
}

// RecordAnomaly records a detected anomaly.
func (m *Metrics) RecordAnomaly(anomalyType, severity string) {
	m.anomalies.WithLabelValues(anomalyType, severity).Inc()
}

// SetActiveAnomalies updates the active anomaly gauge.
func (m *Metrics) SetActiveAnomalies(count int) {
	m.activeAnomalies.Set(float64(count))
}

// SetTrustedServers updates the trusted server gauge.
func (m *Metrics) SetTrustedServers(count int) {
	m.trustedServers.Set(float64(count))
}

// Registry returns the underlying registry for custom metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
