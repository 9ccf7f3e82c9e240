package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics.
// Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Captcha metrics
	ChallengesGenerated *prometheus.CounterVec
	Selections          *prometheus.CounterVec
	Lockouts            prometheus.Counter
	Images              *prometheus.CounterVec
	RenderDuration      prometheus.Histogram
	Submissions         *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge

	// Security metrics
	RateLimitHits *prometheus.CounterVec
	IPBlocks      prometheus.Counter

	// Process metrics
	MemoryUsage prometheus.Gauge
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new metrics instance with custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(registry)
}

// newMetricsWithRegistry creates metrics with specified registry
func newMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		// Request metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iconcaptcha_requests_total",
				Help: "Total number of requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iconcaptcha_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "iconcaptcha_requests_in_flight",
				Help: "Number of requests currently being processed",
			},
		),

		// Captcha metrics
		ChallengesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iconcaptcha_challenges_generated_total",
				Help: "Total number of challenges generated",
			},
			[]string{"mode"},
		),
		Selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iconcaptcha_selections_total",
				Help: "Total number of icon selections",
			},
			[]string{"result"},
		),
		Lockouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "iconcaptcha_lockouts_total",
				Help: "Total number of generation requests refused by an attempts lockout",
			},
		),
		Images: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iconcaptcha_images_total",
				Help: "Total number of challenge image requests",
			},
			[]string{"result"},
		),
		RenderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "iconcaptcha_render_duration_seconds",
				Help:    "Challenge image render duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iconcaptcha_submissions_total",
				Help: "Total number of final submissions by result code, 0 meaning success",
			},
			[]string{"code"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "iconcaptcha_active_sessions",
				Help: "Number of live visitor sessions",
			},
		),

		// Security metrics
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iconcaptcha_rate_limit_hits_total",
				Help: "Total number of rate limited requests",
			},
			[]string{"transport"},
		),
		IPBlocks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "iconcaptcha_ip_blocks_total",
				Help: "Total number of client IPs blocked after repeated failed submissions",
			},
		),

		MemoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "iconcaptcha_memory_usage_bytes",
				Help: "Heap bytes allocated by the process",
			},
		),
	}

	// Register all metrics with the registry
	registry.MustRegister(
		metrics.RequestsTotal,
		metrics.RequestDuration,
		metrics.RequestsInFlight,
		metrics.ChallengesGenerated,
		metrics.Selections,
		metrics.Lockouts,
		metrics.Images,
		metrics.RenderDuration,
		metrics.Submissions,
		metrics.ActiveSessions,
		metrics.RateLimitHits,
		metrics.IPBlocks,
		metrics.MemoryUsage,
	)

	return metrics
}

// RecordRequest records a request metric
func (m *Metrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordChallengeGenerated records a generated challenge for an icon mode
func (m *Metrics) RecordChallengeGenerated(mode string) {
	if m == nil {
		return
	}
	m.ChallengesGenerated.WithLabelValues(mode).Inc()
}

// RecordSelection records whether a selection hit the correct icon
func (m *Metrics) RecordSelection(correct bool) {
	if m == nil {
		return
	}
	result := "wrong"
	if correct {
		result = "correct"
	}
	m.Selections.WithLabelValues(result).Inc()
}

// RecordLockout records a refused generation
func (m *Metrics) RecordLockout() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

// RecordImage records an image request outcome: rendered, rejected or error
func (m *Metrics) RecordImage(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Images.WithLabelValues(result).Inc()
	if result == "rendered" {
		m.RenderDuration.Observe(duration.Seconds())
	}
}

// RecordSubmission records a final submission result code
func (m *Metrics) RecordSubmission(code int) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SetActiveSessions updates the active session gauge
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordRateLimitHit records a rate limited request
func (m *Metrics) RecordRateLimitHit(transport string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(transport).Inc()
}

// RecordIPBlock records a client IP block
func (m *Metrics) RecordIPBlock(ip string) {
	if m == nil {
		return
	}
	m.IPBlocks.Inc()
}

// SetMemoryUsage sets the memory usage gauge
func (m *Metrics) SetMemoryUsage(bytes uint64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}
