package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer provides Prometheus metrics server
type PrometheusServer struct {
	server     *http.Server
	port       int
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	paths      ServerPaths
	stats      *StatsEndpoints
	collectInt time.Duration
}

// ServerPaths configures the routes served by the metrics server
type ServerPaths struct {
	Metrics string
	Health  string
}

// NewPrometheusServer creates a new Prometheus server exposing gatherer
func NewPrometheusServer(port int, paths ServerPaths, metrics *Metrics, gatherer prometheus.Gatherer, stats *StatsEndpoints) *PrometheusServer {
	if paths.Metrics == "" {
		paths.Metrics = "/metrics"
	}
	if paths.Health == "" {
		paths.Health = "/health"
	}
	return &PrometheusServer{
		port:       port,
		metrics:    metrics,
		gatherer:   gatherer,
		paths:      paths,
		stats:      stats,
		collectInt: 5 * time.Second,
	}
}

// Handler returns the metrics server routes
func (ps *PrometheusServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(ps.paths.Metrics, promhttp.HandlerFor(ps.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(ps.paths.Health, ps.healthHandler)

	if ps.stats != nil {
		ps.stats.RegisterRoutes(mux)
	}

	return mux
}

// Start starts the Prometheus server
func (ps *PrometheusServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", ps.port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", ps.port, err)
	}

	ps.server = &http.Server{
		Handler:           ps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start metrics collection
	go ps.collectSystemMetrics(ctx)

	go func() {
		if err := ps.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Prometheus server error")
		}
	}()

	logger.Infof("Prometheus server started on port %d", ps.port)
	return nil
}

// Stop stops the Prometheus server
func (ps *PrometheusServer) Stop(ctx context.Context) error {
	if ps.server != nil {
		return ps.server.Shutdown(ctx)
	}
	return nil
}

// healthHandler handles health check requests
func (ps *PrometheusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	response := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}

	if ps.stats != nil {
		if err := ps.stats.Check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			response["status"] = "unhealthy"
			response["error"] = err.Error()
		}
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// collectSystemMetrics collects system metrics periodically
func (ps *PrometheusServer) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(ps.collectInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			ps.metrics.SetMemoryUsage(m.Alloc)
		}
	}
}
