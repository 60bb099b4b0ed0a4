// Package metrics exposes Prometheus collectors for the apply service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	applyAttemptsTotal            *prometheus.CounterVec
	applyRetriesTotal             *prometheus.CounterVec
	applyTicketsTotal             *prometheus.CounterVec
	applyActiveWorkers            prometheus.Gauge
	applyQueueDepth               prometheus.Gauge
	applyStrategyConfidence       *prometheus.GaugeVec
	applyRateLimitDelaysSeconds   *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	applyFormFillDurationSeconds  *prometheus.HistogramVec
	applyResolverMissesTotal      *prometheus.CounterVec
	applyPatternDeprecationsTotal *prometheus.CounterVec

	once sync.Once
)

func init() {
	Init()
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		applyAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_executor_attempts_total",
				Help: "Total application attempts executed, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		applyRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_scheduler_retries_total",
				Help: "Total ticket retries scheduled, labeled by domain.",
			},
			[]string{"domain"},
		)

		applyTicketsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_scheduler_tickets_total",
				Help: "Total tickets reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		applyActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apply_scheduler_active_workers",
				Help: "Number of workers currently executing an application attempt.",
			},
		)

		applyQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apply_scheduler_queue_depth",
				Help: "Number of tickets waiting in the schedule queue.",
			},
		)

		applyStrategyConfidence = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_pattern_top_confidence",
				Help: "Highest strategy confidence per domain.",
			},
			[]string{"domain"},
		)

		applyRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apply_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

		applyFormFillDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apply_form_fill_duration_seconds",
				Help:    "Histogram of browser form fill durations, labeled by domain.",
				Buckets: []float64{1, 2, 5, 10, 15, 30, 60},
			},
			[]string{"domain"},
		)

		applyResolverMissesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_resolver_misses_total",
				Help: "Strategy resolutions that fell back to inference or failed, labeled by result.",
			},
			[]string{"domain", "result"},
		)

		applyPatternDeprecationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_pattern_deprecations_total",
				Help: "Strategies deprecated after sustained low confidence, labeled by domain.",
			},
			[]string{"domain"},
		)
	})
}

// SanitizeDomain sanitizes a URL or hostname to a lowercase hostname label.
// It returns "unknown" if the input is invalid.
func SanitizeDomain(rawURL string) string {
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

// ObserveAttempt increments the attempt counter for a domain and outcome.
func ObserveAttempt(domain, outcome string, duration time.Duration) {
	sanitized := SanitizeDomain(domain)
	applyAttemptsTotal.WithLabelValues(sanitized, outcome).Inc()
	if duration > 0 {
		applyFormFillDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	}
}

// ObserveRetry increments the retry counter for a domain.
func ObserveRetry(domain string) {
	applyRetriesTotal.WithLabelValues(SanitizeDomain(domain)).Inc()
}

// ObserveTicket increments the ticket counter for a terminal state.
func ObserveTicket(state string) {
	applyTicketsTotal.WithLabelValues(state).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveResolution records a resolver outcome for a domain.
func ObserveResolution(domain, result string) {
	applyResolverMissesTotal.WithLabelValues(SanitizeDomain(domain), result).Inc()
}

// ObserveDeprecation increments the strategy deprecation counter.
func ObserveDeprecation(domain string) {
	applyPatternDeprecationsTotal.WithLabelValues(SanitizeDomain(domain)).Inc()
}

// SetTopConfidence records the best strategy confidence for a domain.
func SetTopConfidence(domain string, confidence float64) {
	applyStrategyConfidence.WithLabelValues(SanitizeDomain(domain)).Set(confidence)
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(depth int) {
	applyQueueDepth.Set(float64(depth))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	applyActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	applyActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	applyRateLimitDelaysSeconds.WithLabelValues(SanitizeDomain(domain)).Observe(duration.Seconds())
}
