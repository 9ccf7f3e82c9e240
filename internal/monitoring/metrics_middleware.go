package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsMiddleware provides middleware for collecting metrics
type MetricsMiddleware struct {
	metrics *Metrics
}

// NewMetricsMiddleware creates a new metrics middleware
func NewMetricsMiddleware(metrics *Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{
		metrics: metrics,
	}
}

// HTTPMiddleware creates HTTP middleware for metrics collection
func (mm *MetricsMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	if mm.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Increment requests in flight
		mm.metrics.RequestsInFlight.Inc()
		defer mm.metrics.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		mm.metrics.RecordRequest(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// GRPCMetricsInterceptor creates gRPC interceptor for metrics collection
func (mm *MetricsMiddleware) GRPCMetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		// Increment requests in flight
		mm.metrics.RequestsInFlight.Inc()
		defer mm.metrics.RequestsInFlight.Dec()

		resp, err := handler(ctx, req)

		mm.metrics.RecordRequest("grpc", info.FullMethod, status.Code(err).String(), time.Since(start))

		return resp, err
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
