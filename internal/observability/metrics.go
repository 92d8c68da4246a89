package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsConfig holds configuration for metrics collection.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Metrics provides Prometheus metrics for the gateway: HTTP request
// volume, route-selection outcomes, backend health transitions, and
// pipeline retry/latency behavior.
type Metrics struct {
	config   MetricsConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	exporter *otelprometheus.Exporter
	provider *metric.MeterProvider
	handler  http.Handler

	requestsTotal    *prometheus.CounterVec
	requestsDuration *prometheus.HistogramVec

	routeSelections   *prometheus.CounterVec
	routeDispatchKind *prometheus.CounterVec

	backendHealth    *prometheus.GaugeVec
	backendLatency   *prometheus.HistogramVec
	backendConfidence *prometheus.GaugeVec
	healthTransitions *prometheus.CounterVec

	pipelineRetries  *prometheus.HistogramVec
	pipelineFailures *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance.
func NewMetrics(config MetricsConfig, logger *zap.Logger) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, err
	}
	provider := metric.NewMeterProvider(metric.WithReader(exporter))

	m := &Metrics{
		config:   config,
		logger:   logger,
		registry: registry,
		exporter: exporter,
		provider: provider,
	}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return m, nil
}

func (m *Metrics) initMetrics() error {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "endpoint", "status_code"},
	)
	m.requestsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.routeSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_route_selections_total",
			Help: "Total number of routes chosen by the selector, by strategy and outcome",
		},
		[]string{"model", "strategy", "provider_id", "outcome"},
	)
	m.routeDispatchKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_route_dispatch_total",
			Help: "Total number of route dispatches, by whether the route was forced",
		},
		[]string{"model", "forced"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_backend_healthy",
			Help: "Backend health status (1 = healthy, 0 = unhealthy)",
		},
		[]string{"provider_id", "upstream_model"},
	)
	m.backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_backend_latency_seconds",
			Help:    "Upstream backend response latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider_id", "upstream_model"},
	)
	m.backendConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_backend_confidence",
			Help: "SmartAI confidence score per backend",
		},
		[]string{"provider_id", "upstream_model"},
	)
	m.healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_health_transitions_total",
			Help: "Total number of healthy/unhealthy transitions, by failure classification and probe method",
		},
		[]string{"provider_id", "upstream_model", "kind", "method"},
	)

	m.pipelineRetries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_pipeline_retries",
			Help:    "Number of internal retries a chat request needed before success or exhaustion",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"model"},
	)
	m.pipelineFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_pipeline_failures_total",
			Help: "Total number of chat requests that exhausted retries or hit a non-retryable failure",
		},
		[]string{"model", "kind"},
	)

	collectors := []prometheus.Collector{
		m.requestsTotal, m.requestsDuration,
		m.routeSelections, m.routeDispatchKind,
		m.backendHealth, m.backendLatency, m.backendConfidence, m.healthTransitions,
		m.pipelineRetries, m.pipelineFailures,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.requestsDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRouteSelection records one selector decision and its eventual
// request outcome ("success", "failure", or "attempted" if recorded before
// dispatch completes).
func (m *Metrics) RecordRouteSelection(model, strategy, providerID, outcome string) {
	m.routeSelections.WithLabelValues(model, strategy, providerID, outcome).Inc()
}

// RecordDispatch records whether a chat request was routed by strategy or
// forced to a specific backend via the debug escape hatch.
func (m *Metrics) RecordDispatch(model string, forced bool) {
	m.routeDispatchKind.WithLabelValues(model, strconv.FormatBool(forced)).Inc()
}

// RecordBackendHealth updates a backend's health gauge.
func (m *Metrics) RecordBackendHealth(providerID, upstreamModel string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(providerID, upstreamModel).Set(value)
}

// RecordBackendLatency records one upstream call's latency.
func (m *Metrics) RecordBackendLatency(providerID, upstreamModel string, duration time.Duration) {
	m.backendLatency.WithLabelValues(providerID, upstreamModel).Observe(duration.Seconds())
}

// RecordBackendConfidence updates a backend's SmartAI confidence gauge.
func (m *Metrics) RecordBackendConfidence(providerID, upstreamModel string, confidence float64) {
	m.backendConfidence.WithLabelValues(providerID, upstreamModel).Set(confidence)
}

// RecordHealthTransition records one healthy/unhealthy flip seen by the
// health controller or the pipeline's own failure handling, labelled with
// the failure classification (or "recovered") and the check method.
func (m *Metrics) RecordHealthTransition(providerID, upstreamModel, kind, method string) {
	m.healthTransitions.WithLabelValues(providerID, upstreamModel, kind, method).Inc()
}

// RecordPipelineRetries records how many internal retries a completed chat
// request needed.
func (m *Metrics) RecordPipelineRetries(model string, retries int) {
	m.pipelineRetries.WithLabelValues(model).Observe(float64(retries))
}

// RecordPipelineFailure records a chat request that ultimately failed.
func (m *Metrics) RecordPipelineFailure(model, kind string) {
	m.pipelineFailures.WithLabelValues(model, kind).Inc()
}

// Handler returns the promhttp handler to mount on the gateway's own
// router; the teacher ran metrics on a dedicated listener, but this
// gateway exposes /metrics alongside its other routes so a single process
// owns a single port.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Path returns the configured metrics exposition path.
func (m *Metrics) Path() string {
	if m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
