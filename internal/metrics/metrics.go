// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Listener label values.
const (
	ListenerProxy = "proxy"
	ListenerAdmin = "admin"
)

// Pipeline stage label values for PipelineErrors.
const (
	StageBuild          = "build"
	StageRequestFilter  = "request_filter"
	StageForward        = "forward"
	StageResponseFilter = "response_filter"
	StageRespond        = "respond"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	OriginConnsOpen   prometheus.Gauge
	OriginDialErrors  prometheus.Counter

	PipelineErrors *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filterproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "listener"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filterproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "listener"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filterproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filterproxy_upstream_request_duration_seconds",
			Help:    "Origin round trip latency in seconds, up to the end of the response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filterproxy_upstream_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		OriginConnsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filterproxy_origin_connections_open",
			Help: "Number of connections to origin servers currently open.",
		}),

		OriginDialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filterproxy_origin_dial_errors_total",
			Help: "Total failed attempts to connect to an origin server.",
		}),

		PipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filterproxy_pipeline_errors_total",
			Help: "Total requests aborted, by pipeline stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.OriginConnsOpen,
		m.OriginDialErrors,
		m.PipelineErrors,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
