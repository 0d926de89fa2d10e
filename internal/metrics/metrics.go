// Package metrics exposes Prometheus collectors for the monitoring service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansTotal                 *prometheus.CounterVec
	pagesFetchedTotal          *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueDepth                 prometheus.Gauge
	activeScans                prometheus.Gauge
	comparisonsTotal           *prometheus.CounterVec
	reaperActionsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_scans_total",
				Help: "Total number of scan jobs finished, labeled by final status.",
			},
			[]string{"status"},
		)

		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_pages_fetched_total",
				Help: "Total number of pages fetched, labeled by HTTP status class.",
			},
			[]string{"status_class"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitewatch_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitewatch_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitewatch_queue_depth",
				Help: "Number of queued jobs that are due for dispatch.",
			},
		)

		activeScans = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitewatch_active_scans",
				Help: "Number of scan jobs currently running.",
			},
		)

		comparisonsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_comparisons_total",
				Help: "Total number of run comparisons served, labeled by cache outcome.",
			},
			[]string{"outcome"},
		)

		reaperActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_reaper_actions_total",
				Help: "Total maintenance actions taken, labeled by action.",
			},
			[]string{"action"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusClass collapses an HTTP status code into a coarse label.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// ObserveScan increments the scan counter for the given final status.
func ObserveScan(status string) {
	scansTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records one fetched page and its latency.
func ObserveFetch(code int, duration time.Duration) {
	pagesFetchedTotal.WithLabelValues(statusClass(code)).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth records the number of due queued jobs seen by the dispatcher.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncActiveScans increments the running scan gauge.
func IncActiveScans() {
	activeScans.Inc()
}

// DecActiveScans decrements the running scan gauge.
func DecActiveScans() {
	activeScans.Dec()
}

// ObserveComparison increments the comparison counter ("hit" or "miss").
func ObserveComparison(outcome string) {
	comparisonsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReaperAction increments the maintenance action counter.
func ObserveReaperAction(action string) {
	reaperActionsTotal.WithLabelValues(action).Inc()
}
