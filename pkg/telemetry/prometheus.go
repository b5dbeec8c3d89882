package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics holds the Prometheus metrics exposed on the admin listener.
type GatewayMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamFailures *prometheus.CounterVec
	chainFailures    *prometheus.CounterVec
	apisDeployed     prometheus.Gauge
	configReloads    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewGatewayMetrics creates the metrics on a dedicated registry.
func NewGatewayMetrics() *GatewayMetrics {
	registry := prometheus.NewRegistry()

	m := &GatewayMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of proxied HTTP requests",
			},
			[]string{"api", "method", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Proxied HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api", "method"},
		),

		upstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_failures_total",
				Help: "Total number of upstream calls that failed by reason",
			},
			[]string{"api", "reason"},
		),

		chainFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_chain_failures_total",
				Help: "Total number of failed policy chains by direction and class",
			},
			[]string{"api", "direction", "class"},
		),

		apisDeployed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_apis_deployed",
				Help: "Number of API definitions currently deployed",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_config_reloads_total",
				Help: "Total number of API definition reloads by result",
			},
			[]string{"result"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamFailures,
		m.chainFailures,
		m.apisDeployed,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a completed client call.
func (m *GatewayMetrics) RecordRequest(api, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(api, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(api, method).Observe(duration.Seconds())
}

// RecordUpstreamFailure records an upstream call that produced no response.
func (m *GatewayMetrics) RecordUpstreamFailure(api, reason string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(api, reason).Inc()
}

// RecordChainFailure records a chain that ended FAILED.
func (m *GatewayMetrics) RecordChainFailure(api, direction, class string) {
	if m == nil {
		return
	}
	m.chainFailures.WithLabelValues(api, direction, class).Inc()
}

// SetDeployedAPIs updates the deployed API gauge.
func (m *GatewayMetrics) SetDeployedAPIs(n int) {
	if m == nil {
		return
	}
	m.apisDeployed.Set(float64(n))
}

// RecordConfigReload records an API definition reload attempt.
func (m *GatewayMetrics) RecordConfigReload(result string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *GatewayMetrics) Registry() *prometheus.Registry {
	return m.registry
}
