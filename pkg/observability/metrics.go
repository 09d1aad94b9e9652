// Package observability carries the Prometheus metrics and the tracing
// bootstrap.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResourceOps     *prometheus.CounterVec
}

// NewMetrics registers and returns the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"code", "method", "path"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of latencies for HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "method", "path"},
		),
		ResourceOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_resource_operations_total",
				Help: "SCIM resource operations by tenant, resource type and verb.",
			},
			[]string{"tenant", "resource", "operation"},
		),
	}
	prometheus.MustRegister(m.RequestsTotal, m.RequestDuration, m.ResourceOps)
	return m
}

// ObserveResourceOp counts one SCIM resource operation for a tenant.
func (m *Metrics) ObserveResourceOp(tenantID int, resource, operation string) {
	m.ResourceOps.WithLabelValues(strconv.Itoa(tenantID), resource, operation).Inc()
}

// PrometheusMiddleware records request metrics. Resource ids are collapsed
// by the caller-supplied normaliser to keep cardinality bounded.
func PrometheusMiddleware(metrics *Metrics, normalizePath func(string) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		code := strconv.Itoa(c.Writer.Status())
		path := c.Request.URL.Path
		if normalizePath != nil {
			path = normalizePath(path)
		}
		metrics.RequestsTotal.WithLabelValues(code, c.Request.Method, path).Inc()
		metrics.RequestDuration.WithLabelValues(code, c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// PrometheusHandler exposes the metrics endpoint.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
