package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of requests",
		},
		[]string{"service", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	UploadsInitialized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploads_initialized_total",
			Help: "Upload sessions created, by upload type",
		},
		[]string{"upload_type"},
	)

	FilesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_files_completed_total",
			Help: "Per-file completion outcomes",
		},
		[]string{"mode", "outcome"},
	)

	OffloadPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_offload_publishes_total",
			Help: "Finalization jobs published to the async queue",
		},
		[]string{"backend", "status"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_initializations_rate_limited_total",
			Help: "Initializations rejected by the per-user window",
		},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsTotal,
		RequestDuration,
		UploadsInitialized,
		FilesCompleted,
		OffloadPublishes,
		RateLimited,
	)
}

func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

func PrometheusMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method + " " + c.FullPath()

		RecordRequest(serviceName, method, statusCode, time.Since(start))
	}
}
