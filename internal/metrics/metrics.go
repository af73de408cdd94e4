// Package metrics exports the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the gateway's metric families behind one registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	healthStatus    *prometheus.GaugeVec
	logsDropped     prometheus.CounterFunc
}

// NewCollector creates and registers all metric families. logsDropped reads
// the sink's monotonic counter.
func NewCollector(logsDropped func() int64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by service, method and status class.",
		}, []string{"service", "method", "status_class"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests denied by the rate limiter, by rule.",
		}, []string{"rule"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Breaker state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_service_healthy",
			Help: "Probed health per service: 1 healthy, 0 otherwise.",
		}, []string{"service"}),
		logsDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gateway_logs_dropped_total",
			Help: "Request log records lost to sink backpressure.",
		}, func() float64 { return float64(logsDropped()) }),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.rateLimited,
		c.breakerState,
		c.healthStatus,
		c.logsDropped,
	)
	return c
}

// ObserveRequest records one finished request.
func (c *Collector) ObserveRequest(service, method string, status int, elapsed time.Duration) {
	if service == "" {
		service = "(unmatched)"
	}
	c.requestsTotal.WithLabelValues(service, method, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ObserveRateLimited counts one 429, by the rule that denied.
func (c *Collector) ObserveRateLimited(rule string) {
	c.rateLimited.WithLabelValues(rule).Inc()
}

// SetBreakerState publishes a breaker state transition.
func (c *Collector) SetBreakerState(service string, state int) {
	c.breakerState.WithLabelValues(service).Set(float64(state))
}

// SetServiceHealthy publishes a probed health bit.
func (c *Collector) SetServiceHealthy(service string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.healthStatus.WithLabelValues(service).Set(v)
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func statusClass(code int) string {
	if code <= 0 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
