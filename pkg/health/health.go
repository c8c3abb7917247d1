package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/ratelimit"
	"github.com/NikhilSetiya/repograde/pkg/resilience"
	"github.com/NikhilSetiya/repograde/pkg/tokenbudget"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
		timeout:  config.Timeout,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// CheckHealth performs all health checks concurrently. The overall status is
// the worst individual status.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			defer mutex.Unlock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
		}(name, checker)
	}

	wg.Wait()

	if overallStatus != StatusHealthy {
		s.logger.Warn("Health check not healthy", "status", overallStatus, "checks", len(checks))
	}

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks. Degraded is still served
// as 200 so a busy grader is not taken out of rotation.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// BreakerChecker reports the state of every registered circuit breaker.
// An open breaker degrades health; the batch keeps running.
type BreakerChecker struct {
	registry *resilience.Registry
}

// NewBreakerChecker creates a new circuit breaker health checker
func NewBreakerChecker(registry *resilience.Registry) *BreakerChecker {
	return &BreakerChecker{registry: registry}
}

// Check implements Checker
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      "circuit_breakers",
		Status:    StatusHealthy,
		Timestamp: start,
		Metadata:  make(map[string]string),
	}

	var open []string
	for name, state := range bc.registry.States() {
		check.Metadata[name] = state.String()
		if state != resilience.StateClosed {
			open = append(open, name)
		}
	}
	sort.Strings(open)

	if len(open) > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("circuit not closed: %s", strings.Join(open, ", "))
	} else {
		check.Message = "all circuits closed"
	}
	check.Duration = time.Since(start)
	return check
}

// RateLimitChecker reports the headroom left in an API's primary rate limit.
type RateLimitChecker struct {
	name      string
	state     func() ratelimit.State
	threshold float64
	clock     clock.Clock
}

// NewRateLimitChecker creates a checker over state, usually
// (*github.Client).RateLimitState. Below threshold (0.0 to 1.0) of the limit
// remaining, health is degraded; an exhausted budget is unhealthy.
func NewRateLimitChecker(name string, state func() ratelimit.State, threshold float64, c clock.Clock) *RateLimitChecker {
	if c == nil {
		c = clock.New()
	}
	return &RateLimitChecker{name: name, state: state, threshold: threshold, clock: c}
}

// Check implements Checker
func (rc *RateLimitChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}
	defer func() { check.Duration = time.Since(start) }()

	state := rc.state()
	if !state.Known() {
		check.Status = StatusHealthy
		check.Message = "no rate limit headers seen yet"
		return check
	}

	now := rc.clock.Now()
	check.Metadata = map[string]string{
		"limit":     fmt.Sprintf("%d", state.Limit),
		"remaining": fmt.Sprintf("%d", state.Remaining),
		"reset":     state.Reset.UTC().Format(time.RFC3339),
	}

	switch {
	case state.Exhausted(now):
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("rate limit exhausted, resets in %s", state.Reset.Sub(now).Round(time.Second))
	case state.Limit > 0 && float64(state.Remaining) < float64(state.Limit)*rc.threshold:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("rate limit running low: %d of %d remaining", state.Remaining, state.Limit)
	default:
		check.Status = StatusHealthy
		check.Message = "rate limit has headroom"
	}
	return check
}

// TokenBudgetChecker reports whether a provider's token budget is cooling
// down after a rate limit hit.
type TokenBudgetChecker struct {
	limiter *tokenbudget.Limiter
	clock   clock.Clock
}

// NewTokenBudgetChecker creates a new token budget health checker
func NewTokenBudgetChecker(limiter *tokenbudget.Limiter, c clock.Clock) *TokenBudgetChecker {
	if c == nil {
		c = clock.New()
	}
	return &TokenBudgetChecker{limiter: limiter, clock: c}
}

// Check implements Checker
func (tc *TokenBudgetChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	usage := tc.limiter.Usage()
	check := &Check{
		Name:      "token_budget_" + usage.Provider,
		Status:    StatusHealthy,
		Message:   "within budget",
		Timestamp: start,
		Metadata: map[string]string{
			"mode":          usage.Mode,
			"requests":      fmt.Sprintf("%d", usage.Requests),
			"input_tokens":  fmt.Sprintf("%d", usage.InputTokens),
			"output_tokens": fmt.Sprintf("%d", usage.OutputTokens),
		},
	}

	if now := tc.clock.Now(); usage.CooldownUntil.After(now) {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("provider rate limited, cooling down for %s", usage.CooldownUntil.Sub(now).Round(time.Second))
	}
	check.Duration = time.Since(start)
	return check
}
