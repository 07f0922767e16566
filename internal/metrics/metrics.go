// Package metrics exposes Prometheus collectors for the rankgrid service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolSessions               *prometheus.GaugeVec
	poolWaiters                prometheus.Gauge
	poolAcquireWaitSeconds     *prometheus.HistogramVec
	sessionRecreationsTotal    *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	itemDurationSeconds        *prometheus.HistogramVec
	batchesTotal               *prometheus.CounterVec
	batchesInFlight            prometheus.Gauge
	pageVisitsTotal            *prometheus.CounterVec
	siteWaitSeconds            *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call it too.
func Init() {
	once.Do(func() {
		poolSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rankgrid_pool_sessions",
				Help: "Browser sessions in the pool, labeled by state.",
			},
			[]string{"state"},
		)

		poolWaiters = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankgrid_pool_waiters",
				Help: "Tasks currently queued for a session.",
			},
		)

		poolAcquireWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankgrid_pool_acquire_wait_seconds",
				Help:    "Time spent waiting for a session, labeled by result.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 240, 900},
			},
			[]string{"result"},
		)

		sessionRecreationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankgrid_session_recreations_total",
				Help: "Session recreation attempts, labeled by result.",
			},
			[]string{"result"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankgrid_items_total",
				Help: "Work items resolved, labeled by outcome and kind.",
			},
			[]string{"outcome", "kind"},
		)

		itemDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankgrid_item_duration_seconds",
				Help:    "Work item duration from acquisition start to result, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 600, 1800},
			},
			[]string{"outcome"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankgrid_batches_total",
				Help: "Finished batches, labeled by status.",
			},
			[]string{"status"},
		)

		batchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankgrid_batches_in_flight",
				Help: "Batches currently running.",
			},
		)

		pageVisitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankgrid_page_visits_total",
				Help: "Browser page visits, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		siteWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankgrid_site_wait_seconds",
				Help:    "Time a visit was held back by per-site pacing, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetPoolState publishes the current pool occupancy.
func SetPoolState(idle, acquired, broken, waiting int) {
	Init()
	poolSessions.WithLabelValues("idle").Set(float64(idle))
	poolSessions.WithLabelValues("acquired").Set(float64(acquired))
	poolSessions.WithLabelValues("broken").Set(float64(broken))
	poolWaiters.Set(float64(waiting))
}

// ObserveAcquire records how long a caller waited for a session.
func ObserveAcquire(result string, wait time.Duration) {
	Init()
	poolAcquireWaitSeconds.WithLabelValues(result).Observe(wait.Seconds())
}

// ObserveRecreation counts a session recreation attempt.
func ObserveRecreation(result string) {
	Init()
	sessionRecreationsTotal.WithLabelValues(result).Inc()
}

// ObserveItem records a resolved work item.
func ObserveItem(outcome, kind string, duration time.Duration) {
	Init()
	if kind == "" {
		kind = "none"
	}
	itemsTotal.WithLabelValues(outcome, kind).Inc()
	if duration > 0 {
		itemDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// BatchStarted increments the in-flight batch gauge.
func BatchStarted() {
	Init()
	batchesInFlight.Inc()
}

// BatchFinished decrements the in-flight gauge and counts the final status.
func BatchFinished(status string) {
	Init()
	batchesInFlight.Dec()
	batchesTotal.WithLabelValues(status).Inc()
}

// ObservePageVisit counts a browser page visit.
func ObservePageVisit(rawURL string, status string) {
	Init()
	pageVisitsTotal.WithLabelValues(SanitizeSite(rawURL), status).Inc()
}

// ObserveSiteWait records how long a visit to rawURL waited for its site's limiter.
func ObserveSiteWait(rawURL string, wait time.Duration) {
	Init()
	siteWaitSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(wait.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer when it supports streaming.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
