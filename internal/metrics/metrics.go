// Package metrics owns the Prometheus registry served on the admin port and
// the request middleware that feeds it. Labels are limited to method, route
// pattern, status and envelope code so scans cannot blow up cardinality.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/crud-api/internal/version"
)

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// the request body limit defaults to 1 MiB, sizes above a few MiB are outliers
	sizeBuckets = prometheus.ExponentialBuckets(256, 4, 9)
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	respSize  *prometheus.HistogramVec
	serverErr *prometheus.CounterVec
	envelopes *prometheus.CounterVec

	panics          prometheus.Counter
	tooLarge        prometheus.Counter
	compressed      prometheus.Counter
	rateLimited     prometheus.Counter
	rateLimitFull   prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New builds an isolated registry with the Go and process collectors plus
// the API's own series.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &ServerMetrics{
		reg: reg,
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}),

		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently inside the pipeline",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests by method, route pattern and final status",
		}, []string{"method", "route", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "End to end pipeline latency by method and route pattern",
			Buckets: latencyBuckets,
		}, []string{"method", "route"}),
		respSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Bytes written to the client by method and route pattern",
			Buckets: sizeBuckets,
		}, []string{"method", "route"}),
		serverErr: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "5xx responses by method and route pattern",
		}, []string{"method", "route"}),
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_error_responses_total",
			Help: "Failures rendered as error envelopes, by envelope code",
		}, []string{"code"}),

		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Panics recovered by the error translator",
		}),
		tooLarge: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_payload_too_large_total",
			Help: "JSON requests rejected for exceeding the body size limit",
		}),
		compressed: f.NewCounter(prometheus.CounterOpts{
			Name: "http_responses_compressed_total",
			Help: "Responses sent gzip encoded",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests rejected by the per-ip rate limiter",
		}),
		rateLimitFull: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Times the rate limiter visitor table filled up",
		}),
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, value is always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiling is running",
		}),
	}
}

// Handler serves the registry in Prometheus/OpenMetrics text format.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

// The hooks below match the callback fields of httpserver.Options and
// ratelimit options so main can wire them directly.

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }
func (m *ServerMetrics) IncRateLimitDenied() { m.rateLimited.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.rateLimitFull.Inc() }
func (m *ServerMetrics) IncPayloadTooLarge(*http.Request) { m.tooLarge.Inc() }
func (m *ServerMetrics) IncCompressed(*http.Request) { m.compressed.Inc() }
