// Package metrics provides Prometheus metrics for the drive index.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveindex_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driveindex_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Resolution metrics
	resolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driveindex_resolve_duration_seconds",
			Help:    "Path resolution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	ambiguousSegmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveindex_ambiguous_segments_total",
			Help: "Path segments with more than one same-named candidate under the same parent",
		},
	)

	// Protection metrics
	protectionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveindex_protection_checks_total",
			Help: "Protection evaluations by outcome",
		},
		[]string{"result"},
	)

	unlockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveindex_unlock_attempts_total",
			Help: "Password unlock attempts",
		},
		[]string{"result"},
	)

	// Token metrics
	tokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveindex_tokens_issued_total",
			Help: "Download tokens issued",
		},
	)

	tokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveindex_token_validations_total",
			Help: "Download token validations by result",
		},
		[]string{"result"},
	)

	// Streaming metrics
	streamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveindex_stream_bytes_total",
			Help: "Bytes relayed from the store to clients",
		},
	)

	streamResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveindex_stream_responses_total",
			Help: "Streaming proxy responses by kind",
		},
		[]string{"kind"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveindex_cache_lookups_total",
			Help: "Cache lookups by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordResolve records one path resolution.
func RecordResolve(duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	resolveDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordAmbiguousSegment counts a duplicate-name tie-break.
func RecordAmbiguousSegment() {
	ambiguousSegmentsTotal.Inc()
}

// RecordProtectionCheck records an evaluation: "public", "locked" or "unlocked".
func RecordProtectionCheck(result string) {
	protectionChecksTotal.WithLabelValues(result).Inc()
}

// RecordUnlockAttempt records a password submission.
func RecordUnlockAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	unlockAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordTokenIssued counts an issued download token.
func RecordTokenIssued() {
	tokensIssuedTotal.Inc()
}

// RecordTokenValidation records "valid", "expired", "invalid" or "mismatch".
func RecordTokenValidation(result string) {
	tokenValidationsTotal.WithLabelValues(result).Inc()
}

// RecordStreamBytes adds relayed bytes.
func RecordStreamBytes(n int64) {
	streamBytesTotal.Add(float64(n))
}

// RecordStreamResponse records "full", "partial", "redirect", "empty" or "aborted".
func RecordStreamResponse(kind string) {
	streamResponsesTotal.WithLabelValues(kind).Inc()
}

// RecordCacheHit and RecordCacheMiss match the services.Cache observer signature.
func RecordCacheHit(kind string) {
	cacheLookupsTotal.WithLabelValues(kind, "hit").Inc()
}

func RecordCacheMiss(kind string) {
	cacheLookupsTotal.WithLabelValues(kind, "miss").Inc()
}

// Middleware records request metrics labelled by route template, so opaque
// ids in the URL do not explode cardinality. statusOf maps a handler error
// to the status the error handler will write; nil treats non-HTTP errors
// as 500.
func Middleware(statusOf func(error) int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if statusOf != nil {
					status = statusOf(err)
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			RecordHTTPRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
