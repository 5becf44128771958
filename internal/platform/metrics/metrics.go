// Package metrics exposes the service's Prometheus collectors and the Echo
// middleware that feeds the HTTP request series.
package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "priorauth_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "priorauth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	callbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "priorauth_callbacks_total",
			Help: "Automation callbacks by disposition",
		},
		[]string{"disposition"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "priorauth_status_transitions_total",
			Help: "Applied request status transitions",
		},
		[]string{"from", "to"},
	)

	upstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "priorauth_upstream_calls_total",
			Help: "Outbound calls to external services by outcome",
		},
		[]string{"service", "outcome"},
	)

	upstreamCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "priorauth_upstream_call_duration_seconds",
			Help:    "Outbound call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service"},
	)

	subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "priorauth_notification_subscribers",
			Help: "Live notification subscribers",
		},
		[]string{"transport"},
	)
)

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "unknown"
}

// RecordHTTPRequest records a served HTTP request.
func RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, statusClass(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCallback counts an inbound automation callback by how it was handled
// (applied, clamped, absorbed, rejected).
func RecordCallback(disposition string) {
	callbacksTotal.WithLabelValues(disposition).Inc()
}

// RecordTransition counts a persisted status change.
func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordUpstreamCall records the outcome of a call to an external service.
func RecordUpstreamCall(service string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	upstreamCallsTotal.WithLabelValues(service, outcome).Inc()
	upstreamCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// AddSubscribers adjusts the live subscriber gauge for a transport.
func AddSubscribers(transport string, delta int) {
	subscribers.WithLabelValues(transport).Add(float64(delta))
}

// Middleware records every request under its route template so that path
// parameters do not explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
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

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
