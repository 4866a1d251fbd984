package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changerawr_http_requests_total",
		Help: "HTTP requests by method, route and response status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changerawr_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	domainChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changerawr_domain_checks_total",
		Help: "Individual ownership checks by kind (cname, txt, http_fallback) and result.",
	}, []string{"check", "result"})

	domainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changerawr_domain_verifications_total",
		Help: "Domain verification attempts by outcome.",
	}, []string{"outcome"})

	domainsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "changerawr_domains",
		Help: "Custom domains by verification status.",
	}, []string{"status"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changerawr_notifications_total",
		Help: "Domain event notification attempts by result.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
// Routes are labelled by their pattern, not the raw path, to keep cardinality bounded.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordDomainCheck records one CNAME, TXT or HTTP fallback check.
func RecordDomainCheck(check string, ok bool) {
	domainChecksTotal.WithLabelValues(check, resultLabel(ok)).Inc()
}

// RecordVerification records the outcome of a VerifyDomain call.
func RecordVerification(outcome string) {
	domainVerificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordNotification records a notification delivery attempt.
func RecordNotification(ok bool) {
	notificationsTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// SetDomainsGauge sets the domain count for a status.
func SetDomainsGauge(status string, count float64) {
	domainsGauge.WithLabelValues(status).Set(count)
}
