package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	"github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
)

// TimeoutConfig holds configuration for timed, retried operations
type TimeoutConfig struct {
	// Name identifies the operation in errors, logs and metrics
	Name string
	// Timeout bounds a single attempt. Zero disables the timer.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first one
	Retries int
	// RetryDelay is scaled linearly: the wait before attempt n+1 is RetryDelay*n
	RetryDelay time.Duration
	// Retryable decides whether a failed attempt may be retried.
	// Defaults to errors.IsRetryable.
	Retryable func(error) bool
	// Breaker, when set, guards every attempt
	Breaker *CircuitBreaker
	// BeforeAttempt runs before every attempt, outside the attempt deadline
	// and the breaker. An error from it ends the operation.
	BeforeAttempt func(ctx context.Context) error
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultTimeoutConfig returns a default timeout configuration
func DefaultTimeoutConfig(name string) TimeoutConfig {
	return TimeoutConfig{
		Name:       name,
		Timeout:    30 * time.Second,
		Retries:    2,
		RetryDelay: time.Second,
	}
}

func (c TimeoutConfig) withDefaults() TimeoutConfig {
	if c.Name == "" {
		c.Name = "operation"
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Retryable == nil {
		c.Retryable = errors.IsRetryable
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// WithTimeout runs op with a per-attempt deadline, retrying retryable
// failures with a linearly growing delay.
func WithTimeout[T any](ctx context.Context, config TimeoutConfig, op func(context.Context) (T, error)) (T, error) {
	config = config.withDefaults()
	logger := logging.GetLogger()

	var zero T
	var lastErr error
	attempts := config.Retries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if config.BeforeAttempt != nil {
			if err := config.BeforeAttempt(ctx); err != nil {
				return zero, err
			}
		}

		result, err := guardedAttempt(ctx, config, op)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					"operation", config.Name,
					"attempt", attempt,
				)
			}
			return result, nil
		}

		lastErr = err

		if !config.Retryable(err) {
			logger.Debug("Error is not retryable, stopping",
				"operation", config.Name,
				"error", err.Error(),
				"attempt", attempt,
			)
			return zero, err
		}

		if attempt == attempts {
			break
		}

		delay := config.RetryDelay * time.Duration(attempt)

		logger.Warn("Operation failed, retrying",
			"operation", config.Name,
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
		)
		config.Metrics.RecordRetry(config.Name)

		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		if err := config.Clock.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	if attempts == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", config.Name, attempts, lastErr)
}

func guardedAttempt[T any](ctx context.Context, config TimeoutConfig, op func(context.Context) (T, error)) (T, error) {
	if config.Breaker == nil {
		return attemptWithTimeout(ctx, config, op)
	}
	return ExecuteTyped(ctx, config.Breaker, func(ctx context.Context) (T, error) {
		return attemptWithTimeout(ctx, config, op)
	})
}

type attemptResult[T any] struct {
	value T
	err   error
}

// attemptWithTimeout races op against the deadline. An op that ignores its
// context keeps running after the deadline; its result is discarded.
func attemptWithTimeout[T any](ctx context.Context, config TimeoutConfig, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if config.Timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult[T]{err: errors.NewInternalError(fmt.Sprintf("%s panicked: %v", config.Name, r))}
			}
		}()
		value, err := op(attemptCtx)
		done <- attemptResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
			return zero, timeoutError(config)
		}
		return res.value, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, timeoutError(config)
	}
}

func timeoutError(config TimeoutConfig) error {
	return errors.NewTimeoutError(config.Name).
		WithDetail("timeout", config.Timeout.String())
}

// WithConcurrentTimeout runs every op through WithTimeout at once and waits
// for all of them. Results keep input order; the error is the first
// failure by index.
func WithConcurrentTimeout[T any](ctx context.Context, ops []func(context.Context) (T, error), config TimeoutConfig) ([]T, error) {
	results := make([]T, len(ops))
	errs := make([]error, len(ops))

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op func(context.Context) (T, error)) {
			defer wg.Done()

			cfg := config
			cfg.Name = fmt.Sprintf("%s[%d]", config.withDefaults().Name, i)
			results[i], errs[i] = WithTimeout(ctx, cfg, op)
		}(i, op)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return results, nil
}
