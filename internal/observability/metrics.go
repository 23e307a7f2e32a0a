package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccs_http_requests_total",
			Help: "Total number of HTTP requests processed by the communication server.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ccs_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccs_sessions_active",
			Help: "Number of attached sessions.",
		},
		[]string{"transport"},
	)
	sessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccs_session_events_total",
			Help: "Total number of session lifecycle events.",
		},
		[]string{"transport", "event"},
	)
	messagesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccs_messages_appended_total",
			Help: "Messages committed to the log.",
		},
		[]string{"kind"},
	)
	appendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ccs_append_duration_seconds",
			Help:    "Time to validate, sequence and persist a message.",
			Buckets: prometheus.DefBuckets,
		},
	)
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccs_deliveries_total",
			Help: "Per-session delivery outcomes.",
		},
		[]string{"outcome"},
	)
	catchupEntries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ccs_catchup_entries",
			Help:    "Backlog entries replayed when a session attaches.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	presenceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccs_presence_transitions_total",
			Help: "Presence status transitions.",
		},
		[]string{"status"},
	)
	directoryCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccs_directory_cache_total",
			Help: "Directory cache lookups.",
		},
		[]string{"result"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ccs_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		sessionsActive,
		sessionEventsTotal,
		messagesAppendedTotal,
		appendDuration,
		deliveriesTotal,
		catchupEntries,
		presenceTransitionsTotal,
		directoryCacheTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncSessionsActive(transport string) {
	sessionsActive.WithLabelValues(transport).Inc()
}

func DecSessionsActive(transport string) {
	sessionsActive.WithLabelValues(transport).Dec()
}

func IncSessionEvent(transport, event string) {
	sessionEventsTotal.WithLabelValues(transport, event).Inc()
}

func IncMessageAppended(kind string) {
	messagesAppendedTotal.WithLabelValues(kind).Inc()
}

func ObserveAppend(d time.Duration) {
	appendDuration.Observe(d.Seconds())
}

// IncDelivery counts pushed, acked, retried, redelivered, exhausted and failed pushes.
func IncDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

func ObserveCatchup(entries int) {
	catchupEntries.Observe(float64(entries))
}

func IncPresenceTransition(status string) {
	presenceTransitionsTotal.WithLabelValues(status).Inc()
}

func IncDirectoryCache(result string) {
	directoryCacheTotal.WithLabelValues(result).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
