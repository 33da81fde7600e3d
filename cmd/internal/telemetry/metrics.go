// Package telemetry owns the process Prometheus registry and the counters
// recorded by the authorization services.
//
// Every method is nil-safe so services can run without metrics in tests.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeOK is the outcome label for a successful consumption.
const OutcomeOK = "ok"

// Metrics groups the collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	issued   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	storeDur *prometheus.HistogramVec
	swept    *prometheus.CounterVec
	requests *prometheus.CounterVec
	reqDur   *prometheus.HistogramVec
}

// New builds a Metrics instance on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "claimgate"
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issued_total",
			Help:      "Tokens and sessions issued, by family and kind.",
		}, []string{"family", "kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_outcomes_total",
			Help:      "Consumption attempts, by family and outcome code.",
		}, []string{"family", "outcome"}),
		storeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family", "op"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Records expired or deleted by the sweeper.",
		}, []string{"family"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method and status class.",
		}, []string{"method", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.issued, m.outcomes, m.storeDur, m.swept, m.requests, m.reqDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Issued counts one issuance.
func (m *Metrics) Issued(family, kind string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(family, kind).Inc()
}

// Outcome counts one consumption result. Use OutcomeOK for success.
func (m *Metrics) Outcome(family, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(family, outcome).Inc()
}

// ObserveStore records the duration of a store call that began at start.
func (m *Metrics) ObserveStore(family, op string, start time.Time) {
	if m == nil {
		return
	}
	m.storeDur.WithLabelValues(family, op).Observe(time.Since(start).Seconds())
}

// Swept adds n swept records.
func (m *Metrics) Swept(family string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.WithLabelValues(family).Add(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
	m.reqDur.WithLabelValues(method).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
