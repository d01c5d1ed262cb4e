package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request modes used as the "mode" label value.
const (
	ModeRewrite = "rewrite"
	ModeDirect  = "direct"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeRequests    prometheus.Gauge
	upstreamErrors    *prometheus.CounterVec
	rulesLoaded       prometheus.Gauge
	ruleRejections    prometheus.Counter
	circuitBreaker    *prometheus.GaugeVec
	reloadTotal       *prometheus.CounterVec
	reloadDuration    prometheus.Histogram
	reloadLastSuccess prometheus.Gauge
	watcherRunning    prometheus.Gauge
	buildInfo         *prometheus.GaugeVec
	startTime         prometheus.Gauge
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avaproxy"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests",
		},
		[]string{"method", "mode", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"mode"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of requests currently being proxied",
		},
	)

	m.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help: "Total number of failed upstream " +
				"calls by kind",
		},
		[]string{"kind"},
	)

	m.rulesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Number of rules in the published rule table",
		},
	)

	m.ruleRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_rejections_total",
			Help:      "Total number of rules rejected by validation",
		},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help: "Circuit breaker state per upstream host " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.reloadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reload_total",
			Help: "Total number of " +
				"configuration reloads",
		},
		[]string{"result"},
	)

	m.reloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name: "config_reload_" +
				"duration_seconds",
			Help: "Duration of configuration " +
				"reload operations",
			Buckets: []float64{
				.001, .005, .01, .05, .1, .25, .5, 1,
			},
		},
	)

	m.reloadLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name: "config_reload_" +
				"last_success_timestamp",
			Help: "Timestamp of last successful " +
				"config reload",
		},
	)

	m.watcherRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_watcher_running",
			Help: "Whether the config file " +
				"watcher is running (1=running, 0=stopped)",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the proxy",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help: "Start time of the proxy " +
				"in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.upstreamErrors,
		m.rulesLoaded,
		m.ruleRejections,
		m.circuitBreaker,
		m.reloadTotal,
		m.reloadDuration,
		m.reloadLastSuccess,
		m.watcherRunning,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed proxied request.
func (m *Metrics) RecordRequest(method string, rewrite bool, status int, duration time.Duration) {
	mode := ModeDirect
	if rewrite {
		mode = ModeRewrite
	}
	m.requestsTotal.WithLabelValues(method, mode, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// IncrementActiveRequests increments the active requests gauge.
func (m *Metrics) IncrementActiveRequests() {
	m.activeRequests.Inc()
}

// DecrementActiveRequests decrements the active requests gauge.
func (m *Metrics) DecrementActiveRequests() {
	m.activeRequests.Dec()
}

// RecordUpstreamError records a failed upstream call. Kind is one of a
// small fixed set (timeout, unavailable, circuit_open, canceled).
func (m *Metrics) RecordUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// SetRules sets the number of published rules.
func (m *Metrics) SetRules(n int) {
	m.rulesLoaded.Set(float64(n))
}

// RecordRuleRejection records a rule rejected by validation.
func (m *Metrics) RecordRuleRejection() {
	m.ruleRejections.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	m.circuitBreaker.WithLabelValues(name).Set(float64(state))
}

// DeleteCircuitBreakerState removes the state series of a dropped breaker.
func (m *Metrics) DeleteCircuitBreakerState(name string) {
	m.circuitBreaker.DeleteLabelValues(name)
}

// RecordReload records the outcome of a configuration reload.
func (m *Metrics) RecordReload(success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
		m.reloadLastSuccess.SetToCurrentTime()
	}
	m.reloadTotal.WithLabelValues(result).Inc()
	m.reloadDuration.Observe(duration.Seconds())
}

// SetWatcherRunning reports whether the configuration watcher is active.
func (m *Metrics) SetWatcherRunning(running bool) {
	value := 0.0
	if running {
		value = 1.0
	}
	m.watcherRunning.Set(value)
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
