package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics (control API)
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Rate limit metrics
	RateLimitHits   *prometheus.CounterVec
	RateLimitWait   *prometheus.HistogramVec
	RetryAttempts   *prometheus.CounterVec
	RateLimitRemain *prometheus.GaugeVec
	TokenUsage      *prometheus.CounterVec
	TokenBudgetWait *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitState      *prometheus.GaugeVec
	CircuitRejections *prometheus.CounterVec

	// Grading metrics
	TasksTotal    *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	ActiveGrades  prometheus.Gauge
	GradingEvents *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registry defaults to the global Prometheus registry.
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "repograde",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of control API requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Control API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of control API requests currently being processed",
			},
			[]string{"method", "path"},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit responses received, by kind",
			},
			[]string{"api", "kind"},
		),
		RateLimitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting on rate limits, by reason",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 65, 120, 300, 900},
			},
			[]string{"api", "reason"},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Retried attempts, by operation",
			},
			[]string{"operation"},
		),
		RateLimitRemain: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_remaining",
				Help:      "Last observed remaining request quota",
			},
			[]string{"api"},
		),
		TokenUsage: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tokens_total",
				Help:      "Tokens consumed, by provider and direction",
			},
			[]string{"provider", "direction"},
		),
		TokenBudgetWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "token_budget_wait_seconds",
				Help:      "Time spent waiting for token or request budget",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"provider"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"circuit"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Calls rejected by an open or probing circuit",
			},
			[]string{"circuit"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tasks_total",
				Help:      "Repository tasks by final outcome",
			},
			[]string{"outcome"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "phase_duration_seconds",
				Help:      "Duration of clone and grade phases per task",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"phase", "status"},
		),
		ActiveGrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_grades",
				Help:      "Grading calls currently holding an instance slot",
			},
		),
		GradingEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "grading_events_total",
				Help:      "Streamed grading events, by kind",
			},
			[]string{"kind"},
		),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if config.Registry != nil {
		registerer = config.Registry
		m.gatherer = config.Registry
	}

	// Register all metrics
	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RateLimitHits,
		m.RateLimitWait,
		m.RetryAttempts,
		m.RateLimitRemain,
		m.TokenUsage,
		m.TokenBudgetWait,
		m.CircuitState,
		m.CircuitRejections,
		m.TasksTotal,
		m.PhaseDuration,
		m.ActiveGrades,
		m.GradingEvents,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordRateLimitHit counts a primary or secondary rate limit response
func (m *Metrics) RecordRateLimitHit(api, kind string) {
	if m == nil || m.RateLimitHits == nil {
		return
	}

	m.RateLimitHits.WithLabelValues(api, kind).Inc()
}

// RecordRateLimitWait records a throttling sleep
func (m *Metrics) RecordRateLimitWait(api, reason string, wait time.Duration) {
	if m == nil || m.RateLimitWait == nil {
		return
	}

	m.RateLimitWait.WithLabelValues(api, reason).Observe(wait.Seconds())
}

// RecordRetry counts one retried attempt
func (m *Metrics) RecordRetry(operation string) {
	if m == nil || m.RetryAttempts == nil {
		return
	}

	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// UpdateRateLimitRemaining stores the last observed quota
func (m *Metrics) UpdateRateLimitRemaining(api string, remaining int) {
	if m == nil || m.RateLimitRemain == nil {
		return
	}

	m.RateLimitRemain.WithLabelValues(api).Set(float64(remaining))
}

// RecordTokenUsage adds consumed tokens for a provider
func (m *Metrics) RecordTokenUsage(provider string, input, output int) {
	if m == nil || m.TokenUsage == nil {
		return
	}

	m.TokenUsage.WithLabelValues(provider, "input").Add(float64(input))
	m.TokenUsage.WithLabelValues(provider, "output").Add(float64(output))
}

// RecordTokenBudgetWait records time spent waiting for budget
func (m *Metrics) RecordTokenBudgetWait(provider string, wait time.Duration) {
	if m == nil || m.TokenBudgetWait == nil {
		return
	}

	m.TokenBudgetWait.WithLabelValues(provider).Observe(wait.Seconds())
}

// SetCircuitState exports a breaker state transition
func (m *Metrics) SetCircuitState(circuit string, state int) {
	if m == nil || m.CircuitState == nil {
		return
	}

	m.CircuitState.WithLabelValues(circuit).Set(float64(state))
}

// RecordCircuitRejection counts a call refused by a breaker
func (m *Metrics) RecordCircuitRejection(circuit string) {
	if m == nil || m.CircuitRejections == nil {
		return
	}

	m.CircuitRejections.WithLabelValues(circuit).Inc()
}

// RecordTaskOutcome counts a task reaching a terminal state
func (m *Metrics) RecordTaskOutcome(outcome string) {
	if m == nil || m.TasksTotal == nil {
		return
	}

	m.TasksTotal.WithLabelValues(outcome).Inc()
}

// RecordPhase records how long a clone or grade phase took
func (m *Metrics) RecordPhase(phase, status string, duration time.Duration) {
	if m == nil || m.PhaseDuration == nil {
		return
	}

	m.PhaseDuration.WithLabelValues(phase, status).Observe(duration.Seconds())
}

// GradeStarted and GradeFinished track occupied instance slots
func (m *Metrics) GradeStarted() {
	if m == nil || m.ActiveGrades == nil {
		return
	}
	m.ActiveGrades.Inc()
}

func (m *Metrics) GradeFinished() {
	if m == nil || m.ActiveGrades == nil {
		return
	}
	m.ActiveGrades.Dec()
}

// RecordGradingEvent counts a streamed grading event
func (m *Metrics) RecordGradingEvent(kind string) {
	if m == nil || m.GradingEvents == nil {
		return
	}

	m.GradingEvents.WithLabelValues(kind).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
