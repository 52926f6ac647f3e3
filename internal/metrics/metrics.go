// Package metrics exposes queue and API activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyperengineering/bcmsync/internal/queue"
	"github.com/hyperengineering/bcmsync/internal/types"
)

const namespace = "bcmsync"

// Metrics implements queue.Observer on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	pending       prometheus.Gauge
	enqueued      *prometheus.CounterVec
	applied       *prometheus.CounterVec
	failed        *prometheus.CounterVec
	deadLettered  *prometheus.CounterVec
	drains        *prometheus.CounterVec
	drainDuration prometheus.Histogram
	online        prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

var _ queue.Observer = (*Metrics)(nil)

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Mutations waiting to be applied, including an in-flight drain.",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_enqueued_total",
			Help:      "Mutations accepted into the offline queue.",
		}, []string{"kind"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_applied_total",
			Help:      "Mutations acknowledged by the data service.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_failed_total",
			Help:      "Failed attempts to apply a mutation.",
		}, []string{"kind"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_dead_lettered_total",
			Help:      "Mutations removed from the queue without being applied.",
		}, []string{"kind"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Completed drain passes by outcome.",
		}, []string{"result"}), // result: empty|clean|partial
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Wall time of drain passes that attempted at least one mutation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dataservice_online",
			Help:      "1 when the last connectivity probe succeeded.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Local API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pending, m.enqueued, m.applied, m.failed, m.deadLettered,
		m.drains, m.drainDuration, m.online, m.httpRequests, m.httpDurations,
	)
	return m
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MutationEnqueued(kind types.MutationKind) {
	m.enqueued.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) MutationApplied(kind types.MutationKind) {
	m.applied.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) MutationFailed(kind types.MutationKind) {
	m.failed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) MutationDeadLettered(kind types.MutationKind) {
	m.deadLettered.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) DrainCompleted(result queue.DrainResult, elapsed time.Duration) {
	switch {
	case result.Attempted == 0:
		m.drains.WithLabelValues("empty").Inc()
		return
	case result.Applied == result.Attempted:
		m.drains.WithLabelValues("clean").Inc()
	default:
		m.drains.WithLabelValues("partial").Inc()
	}
	m.drainDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PendingChanged(pending int) {
	m.pending.Set(float64(pending))
}

// SetOnline records the connectivity monitor's view of the data service.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDurations.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
