/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRequestType is used as the value of the "type" metrics label
// when no request type is configured.
const DefaultRequestType = ""

// ClassifyRequest does request classification, producing non-parameterized summary for given request.
var ClassifyRequest func(r *http.Request, requestType string) string

// MetricsCollector is an interface for collecting metrics about pipeline calls.
type MetricsCollector interface {
	// RequestDuration observes the duration of the call and the resulting status code.
	RequestDuration(requestType, remoteAddress, summary, status string, startTime time.Time)

	// RetryAttempt counts a done retry attempt.
	RetryAttempt(requestType string)

	// CacheHit counts a response served from the cache.
	CacheHit(requestType string)

	// CacheMiss counts a cache lookup that didn't produce a response.
	CacheMiss(requestType string)

	// DedupeJoin counts a call that joined an in-flight identical request.
	DedupeJoin(requestType string)

	// RateLimitRejection counts a call rejected by the rate limiter.
	RateLimitRejection(requestType string)

	// CircuitStateChanged reports a circuit breaker state transition for the key.
	CircuitStateChanged(key string, newState CircuitState)
}

// PrometheusMetricsCollector is a Prometheus metrics collector.
type PrometheusMetricsCollector struct {
	// Durations is a histogram of the pipeline call durations.
	Durations *prometheus.HistogramVec

	// Retries is a counter of done retry attempts.
	Retries *prometheus.CounterVec

	// CacheHits and CacheMisses are counters of cache lookups.
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// DedupeJoins is a counter of calls that joined an in-flight identical request.
	DedupeJoins *prometheus.CounterVec

	// RateLimitRejections is a counter of calls rejected by the rate limiter.
	RateLimitRejections *prometheus.CounterVec

	// CircuitState is a gauge with the current circuit breaker state per key
	// (0 - closed, 1 - open, 2 - half-open).
	CircuitState *prometheus.GaugeVec
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_client_request_duration_seconds",
			Help:      "A histogram of the pipeline call durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600},
		}, []string{"type", "remote_address", "summary", "status"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_retry_attempts_total",
			Help:      "A counter of done retry attempts.",
		}, []string{"type"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_cache_hits_total",
			Help:      "A counter of responses served from the cache.",
		}, []string{"type"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_cache_misses_total",
			Help:      "A counter of cache lookups that didn't produce a response.",
		}, []string{"type"}),
		DedupeJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_dedupe_joins_total",
			Help:      "A counter of calls that joined an in-flight identical request.",
		}, []string{"type"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_rate_limit_rejections_total",
			Help:      "A counter of calls rejected by the client-side rate limiter.",
		}, []string{"type"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_client_circuit_breaker_state",
			Help:      "The current circuit breaker state per key (0 - closed, 1 - open, 2 - half-open).",
		}, []string{"key"}),
	}
}

// MustRegister registers the Prometheus metrics.
func (p *PrometheusMetricsCollector) MustRegister() {
	prometheus.MustRegister(
		p.Durations,
		p.Retries,
		p.CacheHits,
		p.CacheMisses,
		p.DedupeJoins,
		p.RateLimitRejections,
		p.CircuitState,
	)
}

// Unregister the Prometheus metrics.
func (p *PrometheusMetricsCollector) Unregister() {
	prometheus.Unregister(p.Durations)
	prometheus.Unregister(p.Retries)
	prometheus.Unregister(p.CacheHits)
	prometheus.Unregister(p.CacheMisses)
	prometheus.Unregister(p.DedupeJoins)
	prometheus.Unregister(p.RateLimitRejections)
	prometheus.Unregister(p.CircuitState)
}

// RequestDuration observes the duration of the call and the resulting status code.
func (p *PrometheusMetricsCollector) RequestDuration(requestType, host, summary, status string, start time.Time) {
	p.Durations.WithLabelValues(requestType, host, summary, status).Observe(time.Since(start).Seconds())
}

// RetryAttempt counts a done retry attempt.
func (p *PrometheusMetricsCollector) RetryAttempt(requestType string) {
	p.Retries.WithLabelValues(requestType).Inc()
}

// CacheHit counts a response served from the cache.
func (p *PrometheusMetricsCollector) CacheHit(requestType string) {
	p.CacheHits.WithLabelValues(requestType).Inc()
}

// CacheMiss counts a cache lookup that didn't produce a response.
func (p *PrometheusMetricsCollector) CacheMiss(requestType string) {
	p.CacheMisses.WithLabelValues(requestType).Inc()
}

// DedupeJoin counts a call that joined an in-flight identical request.
func (p *PrometheusMetricsCollector) DedupeJoin(requestType string) {
	p.DedupeJoins.WithLabelValues(requestType).Inc()
}

// RateLimitRejection counts a call rejected by the rate limiter.
func (p *PrometheusMetricsCollector) RateLimitRejection(requestType string) {
	p.RateLimitRejections.WithLabelValues(requestType).Inc()
}

// CircuitStateChanged reports a circuit breaker state transition for the key.
func (p *PrometheusMetricsCollector) CircuitStateChanged(key string, newState CircuitState) {
	p.CircuitState.WithLabelValues(key).Set(float64(newState))
}

// disabledMetrics is a no-op MetricsCollector.
type disabledMetrics struct{}

func (disabledMetrics) RequestDuration(requestType, remoteAddress, summary, status string, startTime time.Time) {
}
func (disabledMetrics) RetryAttempt(requestType string)                     {}
func (disabledMetrics) CacheHit(requestType string)                         {}
func (disabledMetrics) CacheMiss(requestType string)                        {}
func (disabledMetrics) DedupeJoin(requestType string)                       {}
func (disabledMetrics) RateLimitRejection(requestType string)               {}
func (disabledMetrics) CircuitStateChanged(key string, newState CircuitState) {}

// requestSummary does request classification, producing non-parameterized summary for given request.
func requestSummary(r *http.Request, requestType string) string {
	if ClassifyRequest != nil {
		return ClassifyRequest(r, requestType)
	}
	return fmt.Sprintf("%s %s", r.Method, requestType)
}
