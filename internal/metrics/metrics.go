// Package metrics exposes Prometheus collectors for the harvester.
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
	downloadsTotal             *prometheus.CounterVec
	downloadDurationSeconds    prometheus.Histogram
	detectionsTotal            *prometheus.CounterVec
	navigationsTotal           *prometheus.CounterVec
	sessionReloadsTotal        *prometheus.CounterVec
	cyclesTotal                *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	deliveriesTotal            *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	preflightFailuresTotal     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Total number of download tasks, labeled by result.",
			},
			[]string{"result"},
		)

		downloadDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_download_duration_seconds",
				Help:    "Histogram of per-entry download task durations.",
				Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 60},
			},
		)

		detectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_detections_total",
				Help: "Total number of located downloads, labeled by detection strategy.",
			},
			[]string{"strategy"},
		)

		navigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_navigations_total",
				Help: "Total number of page navigations, labeled by method and result.",
			},
			[]string{"method", "result"},
		)

		sessionReloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_session_reloads_total",
				Help: "Total number of session reloads, labeled by reason.",
			},
			[]string{"reason"},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cycles_total",
				Help: "Total number of pagination cycles, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of download workers currently processing an entry.",
			},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_deliveries_total",
				Help: "Total number of outbound deliveries, labeled by channel and result.",
			},
			[]string{"channel", "result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"channel"},
		)

		preflightFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_preflight_failures_total",
				Help: "Total number of failed portal reachability checks.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveDownload records one finished download task.
func ObserveDownload(ok bool, duration time.Duration) {
	Init()
	downloadsTotal.WithLabelValues(resultLabel(ok)).Inc()
	downloadDurationSeconds.Observe(duration.Seconds())
}

// ObserveDetection records which strategy located a file.
func ObserveDetection(strategy string) {
	Init()
	detectionsTotal.WithLabelValues(strategy).Inc()
}

// ObserveNavigation records a navigation attempt by method.
func ObserveNavigation(method string, ok bool) {
	Init()
	navigationsTotal.WithLabelValues(method, resultLabel(ok)).Inc()
}

// ObserveReload records a session reload.
func ObserveReload(reason string) {
	Init()
	sessionReloadsTotal.WithLabelValues(reason).Inc()
}

// ObserveCycle records a finished cycle; result is "files", "empty" or "error".
func ObserveCycle(result string) {
	Init()
	cyclesTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveDelivery records an outbound delivery by channel.
func ObserveDelivery(channel string, ok bool) {
	Init()
	deliveriesTotal.WithLabelValues(channel, resultLabel(ok)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(channel string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(channel).Observe(duration.Seconds())
}

// ObservePreflightFailure increments the preflight failure counter.
func ObservePreflightFailure() {
	Init()
	preflightFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
