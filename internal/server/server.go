package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/captcha"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/config"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/monitoring"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/redis"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/repository"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/security"
	grpctransport "github.com/FlooooowY/SteelMount-IconCaptcha/internal/transport/grpc"
	httptransport "github.com/FlooooowY/SteelMount-IconCaptcha/internal/transport/http"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/usecase"
)

// Server represents the icon captcha server
type Server struct {
	config *config.Config
	logger *logrus.Logger

	// HTTP server
	httpServer   *http.Server
	httpListener net.Listener

	// gRPC server
	grpcServer   *grpc.Server
	grpcListener net.Listener

	// Captcha
	redisClient *redis.Client
	store       repository.SessionStore
	generator   *captcha.Generator
	usecase     usecase.CaptchaUsecase
	rateLimiter *security.RateLimiter
	ipBlocker   *security.IPBlocker
	ipResolver  *security.IPResolver

	// Monitoring
	registry         *prometheus.Registry
	metrics          *monitoring.Metrics
	metricsMW        *monitoring.MetricsMiddleware
	stats            *monitoring.StatsEndpoints
	prometheusServer *monitoring.PrometheusServer

	// Server state
	httpPort    int
	grpcPort    int
	metricsPort int

	// Graceful shutdown
	shutdownWG sync.WaitGroup
	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// activeCounter is implemented by stores that can report their session count
type activeCounter interface {
	GetActiveCount(ctx context.Context) int
}

// expiringStore is implemented by stores that expire sessions themselves
type expiringStore interface {
	CleanupExpired(ctx context.Context) error
}

// New creates a new server instance
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	srv := &Server{
		config:     cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
	}

	if err := srv.resolvePorts(); err != nil {
		return nil, err
	}

	// Monitoring
	srv.registry = prometheus.NewRegistry()
	srv.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv.metrics = monitoring.NewMetricsWithRegistry(srv.registry)
	srv.metricsMW = monitoring.NewMetricsMiddleware(srv.metrics)
	srv.stats = monitoring.NewStatsEndpoints()

	// Session storage
	srv.store = repository.NewInMemorySessionStore(cfg.Captcha.Session.TTL)
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			srv.logger.Warnf("Failed to create Redis client: %v, using in-memory sessions", err)
		} else {
			srv.redisClient = redisClient
			srv.store = repository.NewRedisSessionStore(redisClient.GetClient(), cfg.Redis.KeyPrefix, cfg.Captcha.Session.TTL)
			srv.stats.AddProvider("redis", redisClient.GetStats)
			srv.stats.AddHealthCheck("redis", redisClient.Health)
		}
	}

	// Captcha
	image := cfg.Captcha.Image
	generator, err := captcha.NewGenerator(captcha.GeneratorOptions{
		MinIcons:       image.Amount.Min,
		MaxIcons:       image.Amount.Max,
		AvailableIcons: image.AvailableIcons,
	}, captcha.NewSecureSeededSource())
	if err != nil {
		srv.closeRedis()
		return nil, fmt.Errorf("failed to create challenge generator: %w", err)
	}
	srv.generator = generator
	srv.stats.AddProvider("generator", generator.GetStats)

	compositor := captcha.NewCompositor(
		captcha.NewDirIconLoader(cfg.Captcha.IconPath),
		cfg.Captcha.Themes,
		captcha.ImageOptions{
			Rotate:         image.Rotate,
			FlipHorizontal: image.Flip.Horizontally,
			FlipVertical:   image.Flip.Vertically,
			Border:         image.Border,
		},
		captcha.NewSecureSeededSource(),
	)

	srv.usecase = usecase.NewCaptchaUsecase(srv.store, generator, compositor, security.NewTokenGuard(cfg.Captcha.Token),
		&usecase.Config{
			Attempts: captcha.AttemptPolicy{MaxAttempts: cfg.Captcha.Attempts.Amount, Timeout: cfg.Captcha.Attempts.Timeout},
			Messages: cfg.Captcha.Messages,
			Themes:   cfg.Captcha.Themes,
		},
		usecase.WithMetrics(srv.metrics),
	)

	// Security
	srv.ipResolver, err = security.NewIPResolver(cfg.Security.TrustedProxies)
	if err != nil {
		srv.closeRedis()
		return nil, err
	}
	if cfg.Security.RateLimit.Enabled {
		srv.rateLimiter = newRateLimiter(srv.redisClient, cfg.Security.RateLimit.RequestsPerMinute)
		srv.rateLimiter.Resolver = srv.ipResolver
		srv.rateLimiter.OnReject = srv.metrics.RecordRateLimitHit
		srv.stats.AddProvider("rate_limiter", srv.rateLimiter.GetStats)
	}
	if blocking := cfg.Security.IPBlocking; blocking.Enabled {
		srv.ipBlocker = newIPBlocker(srv.redisClient, blocking.MaxFailedAttempts, blocking.BlockDuration)
		srv.ipBlocker.OnBlock = srv.metrics.RecordIPBlock
		srv.stats.AddProvider("ip_blocker", srv.ipBlocker.GetStats)
	}

	// HTTP
	srv.httpServer = &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// gRPC
	srv.grpcServer = grpctransport.NewServer(srv.logger, grpctransport.NewSecurityMiddleware(srv.rateLimiter),
		srv.metricsMW.GRPCMetricsInterceptor())
	grpctransport.RegisterVerificationServer(srv.grpcServer, grpctransport.NewVerificationService(srv.usecase))

	srv.prometheusServer = monitoring.NewPrometheusServer(srv.metricsPort, monitoring.ServerPaths{
		Metrics: cfg.Monitoring.MetricsPath,
		Health:  cfg.Monitoring.HealthCheckPath,
	}, srv.metrics, srv.registry, srv.stats)

	srv.logger.Infof("Server created, HTTP port: %d, gRPC port: %d, metrics port: %d", srv.httpPort, srv.grpcPort, srv.metricsPort)

	return srv, nil
}

func newRateLimiter(client *redis.Client, rpm int) *security.RateLimiter {
	if client == nil {
		return security.NewRateLimiter(nil, rpm, time.Minute)
	}
	return security.NewRateLimiter(client.GetClient(), rpm, time.Minute)
}

func newIPBlocker(client *redis.Client, maxFailures int, blockDuration time.Duration) *security.IPBlocker {
	if client == nil {
		return security.NewIPBlocker(nil, maxFailures, blockDuration)
	}
	return security.NewIPBlocker(client.GetClient(), maxFailures, blockDuration)
}

// Handler returns the public HTTP routes wrapped in metrics and rate limiting
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	sessions := httptransport.NewSessionManager(s.config.Captcha.Session.CookieName, s.config.Captcha.Session.TTL, s.config.Captcha.Session.Secure)
	opts := []httptransport.HandlerOption{httptransport.WithIPResolver(s.ipResolver)}
	if s.ipBlocker != nil {
		opts = append(opts, httptransport.WithIPBlocker(s.ipBlocker))
	}
	httptransport.NewHandler(s.usecase, sessions, opts...).Routes(mux, s.config.Server.CaptchaPath)

	var handler http.Handler = mux
	if s.rateLimiter != nil {
		handler = s.rateLimiter.HTTPMiddleware(handler)
	}
	return s.metricsMW.HTTPMiddleware(handler)
}

// Start starts the server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting server...")

	httpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.httpPort))
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	s.httpListener = httpListener

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.grpcPort))
	if err != nil {
		httpListener.Close()
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}
	s.grpcListener = grpcListener

	s.shutdownWG.Add(1)
	go func() {
		defer s.shutdownWG.Done()

		s.logger.Infof("Starting HTTP server on port %d", s.httpPort)
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	s.shutdownWG.Add(1)
	go func() {
		defer s.shutdownWG.Done()

		s.logger.Infof("Starting gRPC server on port %d", s.grpcPort)
		if err := s.grpcServer.Serve(grpcListener); err != nil {
			s.logger.Errorf("gRPC server error: %v", err)
		}
	}()

	if err := s.prometheusServer.Start(ctx); err != nil {
		s.logger.Errorf("Prometheus server error: %v", err)
	}

	s.shutdownWG.Add(1)
	go func() {
		defer s.shutdownWG.Done()
		s.startCleanup(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	}

	return nil
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server...")

	s.stopOnce.Do(func() {
		close(s.shutdownCh)
	})

	grpcDone := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(grpcDone)
	}()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Errorf("Error stopping HTTP server: %v", err)
	}

	if err := s.prometheusServer.Stop(ctx); err != nil {
		s.logger.Errorf("Error stopping Prometheus server: %v", err)
	}

	select {
	case <-grpcDone:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Graceful stop timeout, forcing gRPC stop")
		s.grpcServer.Stop()
	}

	waitDone := make(chan struct{})
	go func() {
		s.shutdownWG.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		s.logger.Info("All goroutines stopped")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout, some goroutines may still be running")
	}

	s.closeRedis()

	return nil
}

// GetHTTPPort returns the HTTP server port
func (s *Server) GetHTTPPort() int {
	return s.httpPort
}

// GetGRPCPort returns the gRPC server port
func (s *Server) GetGRPCPort() int {
	return s.grpcPort
}

// GetMetricsPort returns the metrics server port
func (s *Server) GetMetricsPort() int {
	return s.metricsPort
}

// GetMetrics returns the metrics instance
func (s *Server) GetMetrics() *monitoring.Metrics {
	return s.metrics
}

// GetUsecase returns the captcha usecase
func (s *Server) GetUsecase() usecase.CaptchaUsecase {
	return s.usecase
}

// resolvePorts replaces every zero port with a free one from the configured range
func (s *Server) resolvePorts() error {
	taken := map[int]bool{}
	ports := []struct {
		name       string
		configured int
		target     *int
	}{
		{"HTTP", s.config.Server.HTTPPort, &s.httpPort},
		{"gRPC", s.config.Server.GRPCPort, &s.grpcPort},
		{"metrics", s.config.Monitoring.PrometheusPort, &s.metricsPort},
	}

	for _, p := range ports {
		if p.configured > 0 {
			*p.target = p.configured
			taken[p.configured] = true
		}
	}

	for _, p := range ports {
		if *p.target != 0 {
			continue
		}
		port, err := s.findAvailablePort(taken)
		if err != nil {
			return fmt.Errorf("failed to find available %s port: %w", p.name, err)
		}
		*p.target = port
		taken[port] = true
	}

	return nil
}

// findAvailablePort finds an available port in the configured range
func (s *Server) findAvailablePort(taken map[int]bool) (int, error) {
	for port := s.config.Server.MinPort; port <= s.config.Server.MaxPort; port++ {
		if taken[port] {
			continue
		}
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			listener.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", s.config.Server.MinPort, s.config.Server.MaxPort)
}

// startCleanup periodically expires sessions, rate limit windows and IP blocks
func (s *Server) startCleanup(ctx context.Context) {
	interval := s.config.Security.RateLimit.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup stopped")
			return
		case <-s.shutdownCh:
			s.logger.Info("Cleanup stopped due to shutdown")
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Server) cleanup(ctx context.Context) {
	s.logger.Debug("Running cleanup")

	if store, ok := s.store.(expiringStore); ok {
		if err := store.CleanupExpired(ctx); err != nil {
			s.logger.Warnf("Session cleanup failed: %v", err)
		}
	}
	if store, ok := s.store.(activeCounter); ok {
		s.metrics.SetActiveSessions(store.GetActiveCount(ctx))
	}
	if s.rateLimiter != nil {
		s.rateLimiter.CleanupExpiredLimits()
	}
	if s.ipBlocker != nil {
		s.ipBlocker.CleanupExpiredBlocks()
	}
}

func (s *Server) closeRedis() {
	if s.redisClient == nil {
		return
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Errorf("Error closing Redis client: %v", err)
	}
}
