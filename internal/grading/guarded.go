package grading

import (
	"context"
	"time"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
	"github.com/NikhilSetiya/repograde/pkg/ratelimit"
	"github.com/NikhilSetiya/repograde/pkg/resilience"
	"github.com/NikhilSetiya/repograde/pkg/tokenbudget"
	"github.com/NikhilSetiya/repograde/pkg/tracing"
)

// GuardConfig configures the protections wrapped around a Grader
type GuardConfig struct {
	// Limiter meters the provider's request and token budgets. Optional.
	Limiter *tokenbudget.Limiter
	// Breaker fails fast while the provider keeps failing. Optional.
	Breaker *resilience.CircuitBreaker

	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration

	EstimatedInputTokens  int
	EstimatedOutputTokens int

	// RequiredKeys must be present in the JSON result. A response missing
	// any of them is re-requested once with an amended prompt.
	RequiredKeys []string

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
}

// Guarded wraps a Grader with the token budget, circuit breaker, timeout
// and schema retry.
type Guarded struct {
	inner   Grader
	config  GuardConfig
	timeout resilience.TimeoutConfig
	logger  *logging.Logger
}

// NewGuarded creates a new Guarded grader
func NewGuarded(inner Grader, config GuardConfig) *Guarded {
	name := inner.Capabilities().Name
	g := &Guarded{
		inner:  inner,
		config: config,
		timeout: resilience.TimeoutConfig{
			Name:       "grade-" + name,
			Timeout:    config.Timeout,
			Retries:    config.Retries,
			RetryDelay: config.RetryDelay,
			Breaker:    config.Breaker,
			Clock:      config.Clock,
			Metrics:    config.Metrics,
		},
		logger: logging.GetLogger(),
	}
	g.timeout.BeforeAttempt = g.waitForBudget
	return g
}

// Capabilities implements Grader
func (g *Guarded) Capabilities() Capabilities {
	return g.inner.Capabilities()
}

// Grade implements Grader
func (g *Guarded) Grade(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	ctx, span := g.config.Tracing.StartGradeSpan(ctx, req.TaskID, g.inner.Capabilities().Name)
	defer span.End()

	result, err := g.gradeValidated(ctx, req, emit)
	if apperrors.IsType(err, apperrors.ErrorTypeSchemaValidation) && ctx.Err() == nil {
		g.logger.Warn("Grading output failed validation, retrying with amended prompt",
			"task_id", req.TaskID,
			"error", err.Error(),
		)

		amended := req
		amended.Prompt = AmendPrompt(req.Prompt, g.config.RequiredKeys, err)
		result, err = g.gradeValidated(ctx, amended, emit)
		if result != nil {
			result.SchemaRetried = true
		}
	}

	if err != nil {
		g.config.Tracing.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

func (g *Guarded) gradeValidated(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	result, err := resilience.WithTimeout(ctx, g.timeout, func(ctx context.Context) (*Result, error) {
		return g.attempt(ctx, req, emit)
	})
	if err != nil {
		return nil, err
	}
	if err := Validate(result, g.config.RequiredKeys); err != nil {
		return nil, err
	}
	return result, nil
}

// waitForBudget reserves token budget before an attempt. It runs outside
// the attempt deadline so a cooldown does not count against the timeout.
func (g *Guarded) waitForBudget(ctx context.Context) error {
	if g.config.Limiter == nil {
		return nil
	}
	return g.config.Limiter.Wait(ctx, g.config.EstimatedInputTokens, g.config.EstimatedOutputTokens)
}

// attempt calls the provider and feeds usage or a provider rate limit back
// into the limiter.
func (g *Guarded) attempt(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	limiter := g.config.Limiter

	result, err := g.inner.Grade(ctx, req, emit)
	if err != nil {
		if limiter != nil && isProviderRateLimit(err) {
			wait, ok := limiter.ParseRetryAfter(err)
			if !ok {
				wait = tokenbudget.Window
			}
			limiter.RecordRateLimitHit(wait)
		}
		return nil, err
	}

	if limiter != nil {
		limiter.RecordTokenUsage(result.Usage.InputTokens, result.Usage.OutputTokens)
	}
	return result, nil
}

func isProviderRateLimit(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeRateLimit) ||
		apperrors.IsType(err, apperrors.ErrorTypeSecondaryRateLimit) ||
		ratelimit.IsRateLimited(err)
}
