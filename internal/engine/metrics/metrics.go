// Package metrics provides loader metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for
// acquisitions, load cycles, script fetches, warm-up runs and the status API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the subset of the collector used by loaders and the warmer.
type Recorder interface {
	RecordAcquire(resource, outcome string)
	RecordLoad(resource, strategy string, duration time.Duration, err error)
	RecordFailure(resource, kind string)
	RecordConstruction(resource string)
	RecordPhase(resource string, phase float64)
	RecordWaiters(resource string, delta int)
	RecordFetch(host string, duration time.Duration, err error)
	RecordWarm(resource string, err error)
}

// Collector provides loader metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Acquire metrics
	acquireTotal *prometheus.CounterVec
	waiters      *prometheus.GaugeVec

	// Load cycle metrics
	loadTotal     *prometheus.CounterVec
	loadLatency   *prometheus.HistogramVec
	failuresTotal *prometheus.CounterVec
	constructions *prometheus.CounterVec
	phase         *prometheus.GaugeVec

	// Fetch metrics
	fetchTotal   *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec

	// Warmer metrics
	warmTotal *prometheus.CounterVec

	// HTTP metrics
	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a new loader metrics collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sdkloader"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.acquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "acquire_total",
			Help:      "Acquire calls by outcome (cached, started, joined, failed, abandoned).",
		},
		[]string{"resource", "outcome"},
	)

	c.waiters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "waiters",
			Help:      "Callers currently waiting on an in-flight load.",
		},
		[]string{"resource"},
	)

	c.loadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Completed load cycles by strategy and result.",
		},
		[]string{"resource", "strategy", "result"},
	)

	c.loadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "load_duration_seconds",
			Help:      "Time from the start of a load cycle to its outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"resource", "strategy"},
	)

	c.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "failures_total",
			Help:      "Failed load cycles by error kind.",
		},
		[]string{"resource", "kind"},
	)

	c.constructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "constructions_total",
			Help:      "Client handles constructed.",
		},
		[]string{"resource"},
	)

	c.phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "phase",
			Help:      "Current phase of the resource (0=unloaded, 1=loading, 2=ready, 3=failed)",
		},
		[]string{"resource"},
	)

	c.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Script fetches by host and result.",
		},
		[]string{"host", "result"},
	)

	c.fetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of script fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"host"},
	)

	c.warmTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "warmer",
			Name:      "attempts_total",
			Help:      "Warm-up acquire attempts by result.",
		},
		[]string{"resource", "result"},
	)

	c.httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	c.registry.MustRegister(
		c.acquireTotal,
		c.waiters,
		c.loadTotal,
		c.loadLatency,
		c.failuresTotal,
		c.constructions,
		c.phase,
		c.fetchTotal,
		c.fetchLatency,
		c.warmTotal,
		c.httpInFlight,
		c.httpRequests,
		c.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordAcquire records one Acquire call.
func (c *Collector) RecordAcquire(resource, outcome string) {
	c.acquireTotal.WithLabelValues(resource, outcome).Inc()
}

// RecordLoad records the outcome of a load cycle.
func (c *Collector) RecordLoad(resource, strategy string, duration time.Duration, err error) {
	c.loadTotal.WithLabelValues(resource, strategy, result(err)).Inc()
	c.loadLatency.WithLabelValues(resource, strategy).Observe(duration.Seconds())
}

// RecordFailure records a failed load cycle by error kind.
func (c *Collector) RecordFailure(resource, kind string) {
	c.failuresTotal.WithLabelValues(resource, kind).Inc()
}

// RecordConstruction records a constructed client handle.
func (c *Collector) RecordConstruction(resource string) {
	c.constructions.WithLabelValues(resource).Inc()
}

// RecordPhase records the current phase of a resource.
func (c *Collector) RecordPhase(resource string, phase float64) {
	c.phase.WithLabelValues(resource).Set(phase)
}

// RecordWaiters adjusts the waiter gauge of a resource.
func (c *Collector) RecordWaiters(resource string, delta int) {
	c.waiters.WithLabelValues(resource).Add(float64(delta))
}

// RecordFetch records a script fetch.
func (c *Collector) RecordFetch(host string, duration time.Duration, err error) {
	if host == "" {
		host = "unknown"
	}
	c.fetchTotal.WithLabelValues(host, result(err)).Inc()
	c.fetchLatency.WithLabelValues(host).Observe(duration.Seconds())
}

// RecordWarm records a warm-up attempt.
func (c *Collector) RecordWarm(resource string, err error) {
	c.warmTotal.WithLabelValues(resource, result(err)).Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// otherPath labels every request that does not hit a known route.
const otherPath = "other"

var rootPaths = map[string]bool{
	"healthz":   true,
	"resources": true,
	"events":    true,
	"metrics":   true,
}

// canonicalPath maps a request path onto the fixed set of API routes so
// label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && rootPaths[parts[0]]:
		return "/" + parts[0]
	case parts[0] != "resources" || parts[1] == "":
		return otherPath
	case len(parts) == 2:
		return "/resources/:name"
	case len(parts) == 3 && parts[2] == "acquire":
		return "/resources/:name/acquire"
	}
	return otherPath
}

// NoOpCollector is a metrics recorder that discards everything.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordAcquire(resource, outcome string)                           {}
func (*NoOpCollector) RecordLoad(resource, strategy string, d time.Duration, err error) {}
func (*NoOpCollector) RecordFailure(resource, kind string)                              {}
func (*NoOpCollector) RecordConstruction(resource string)                               {}
func (*NoOpCollector) RecordPhase(resource string, phase float64)                       {}
func (*NoOpCollector) RecordWaiters(resource string, delta int)                         {}
func (*NoOpCollector) RecordFetch(host string, d time.Duration, err error)              {}
func (*NoOpCollector) RecordWarm(resource string, err error)                            {}
