package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestCounter counts all HTTP requests with labels
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	// RequestDuration records request duration in seconds
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_issued_total",
			Help: "Tokens issued by kind (access, refresh)",
		},
		[]string{"kind"},
	)

	TokenValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_validation_failures_total",
			Help: "Rejected tokens by reason",
		},
		[]string{"reason"},
	)

	TenantResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_resolution_total",
			Help: "Tenant resolutions by winning source",
		},
		[]string{"source"},
	)

	TenantProvisioning = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_provisioning_total",
			Help: "Tenant provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	SlugCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slug_collisions_total",
			Help: "Unique-constraint collisions caught while inserting tenants",
		},
	)

	AuditEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the producer queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCounter,
		RequestDuration,
		TokensIssued,
		TokenValidationFailures,
		TenantResolutions,
		TenantProvisioning,
		SlugCollisions,
		AuditEventsDropped,
	)
}

// RecordTokenIssued counts an issued token.
func RecordTokenIssued(kind string) {
	TokensIssued.WithLabelValues(kind).Inc()
}

// RecordTokenFailure counts a rejected token.
func RecordTokenFailure(reason string) {
	TokenValidationFailures.WithLabelValues(reason).Inc()
}

// RecordResolution counts which strategy resolved a tenant ("none" when nothing matched).
func RecordResolution(source string) {
	TenantResolutions.WithLabelValues(source).Inc()
}

// RecordProvisioning counts a provisioning outcome.
func RecordProvisioning(outcome string) {
	TenantProvisioning.WithLabelValues(outcome).Inc()
}

// Middleware records request count and latency per route.
func Middleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		RequestCounter.WithLabelValues(service, c.Request.Method, path, status).Inc()
		RequestDuration.WithLabelValues(service, c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
