// Package metrics exposes the orchestrator's Prometheus collectors and the
// HTTP instrumentation middleware that feeds them.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
)

var (
	// Registry holds the orchestrator's Prometheus collectors, kept
	// separate from the global default registry so tests can construct
	// fresh instances without cross-contamination.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet_orchestrator",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet_orchestrator",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet_orchestrator",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	jobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet_orchestrator",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of jobs submitted, labeled by admission outcome.",
	}, []string{"outcome"})

	jobsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet_orchestrator",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Total number of jobs reaching a terminal status.",
	}, []string{"status"})

	nodesConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet_orchestrator",
		Subsystem: "nodes",
		Name:      "connected",
		Help:      "Current number of nodes with an open channel connection.",
	})

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		jobsSubmitted,
		jobsTerminal,
		nodesConnected,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors in the
// Prometheus exposition format, mounted at GET /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware instruments every request through the router except the
// metrics endpoint itself.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		c.Next()

		duration := time.Since(start)
		path := canonicalPath(c.FullPath())
		method := strings.ToUpper(c.Request.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	}
}

// RecordJobSubmission records a job admission outcome ("accepted",
// "rejected_insufficient_funds", "rejected_queue_full", ...).
func RecordJobSubmission(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	jobsSubmitted.WithLabelValues(outcome).Inc()
}

// RecordJobTerminal records a job reaching a terminal status ("completed",
// "failed", "cancelled", "timeout").
func RecordJobTerminal(status string) {
	if status == "" {
		status = "unknown"
	}
	jobsTerminal.WithLabelValues(status).Inc()
}

// SetNodesConnected reports the current size of the live node channel set.
func SetNodesConnected(n int) {
	nodesConnected.Set(float64(n))
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks builds core.ObservationHooks backed by a Prometheus
// gauge (in-flight count) and histogram (duration by outcome), keyed by
// namespace/subsystem/name so repeated calls for the same triple share one
// pair of collectors.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = newObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(_ context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func metaLabel(meta map[string]string) string {
	for _, key := range []string{"job_id", "node_id", "workspace_id", "account_id"} {
		if v, ok := meta[key]; ok && v != "" {
			return v
		}
	}
	return "unknown"
}

func newObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_in_flight",
		Help:      "Current operations in flight for " + subsystem,
	}, []string{"resource"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_duration_seconds",
		Help:      "Duration of operations for " + subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"resource", "status"})
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

// Tracer adapts ObservationHooks to the core.Tracer interface so
// scheduler.Service and registry.Service's WithTracer hook can be backed by
// real metrics instead of the no-op default.
type Tracer struct {
	hooks core.ObservationHooks
}

// NewTracer builds a Tracer whose spans are recorded under the given
// namespace/subsystem.
func NewTracer(namespace, subsystem string) *Tracer {
	return &Tracer{hooks: ObservationHooks(namespace, subsystem, "span")}
}

// StartSpan implements core.Tracer.
func (t *Tracer) StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, func(error)) {
	meta := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		meta[k] = v
	}
	meta["span"] = name
	done := core.StartObservation(ctx, t.hooks, meta)
	return ctx, done
}

var _ core.Tracer = (*Tracer)(nil)

// canonicalPath collapses gin's route pattern (already parameterized, e.g.
// "/jobs/:id") into itself; kept distinct from the raw request path so
// unmatched routes (404s) still collapse to a bounded label instead of
// producing one series per garbage path.
func canonicalPath(pattern string) string {
	if pattern == "" {
		return "/unmatched"
	}
	return pattern
}
