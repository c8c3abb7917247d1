// Package resilience bounds calls to flaky dependencies with per-attempt
// timeouts, linear retries and circuit breakers.
//
// # Circuit Breaker
//
// A breaker opens after FailureThreshold consecutive failures and rejects
// calls until ResetTimeout has passed since the last failure. It then lets a
// single probe through: success closes the circuit, failure reopens it.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "grader",
//		FailureThreshold: 5,
//		ResetTimeout:     time.Minute,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return grader.Grade(ctx, task)
//	})
//
// Breakers for named operations are shared through a Registry.
//
// # Timeouts and Retries
//
// WithTimeout races each attempt against Timeout and retries failures the
// shared classifier in pkg/errors deems retryable. The wait before attempt
// n+1 is RetryDelay*n.
//
//	repo, err := resilience.WithTimeout(ctx, resilience.TimeoutConfig{
//		Name:       "clone",
//		Timeout:    2 * time.Minute,
//		Retries:    2,
//		RetryDelay: 5 * time.Second,
//		Breaker:    registry.Get("clone"),
//	}, cloneRepo)
//
// WithConcurrentTimeout applies the same policy to a set of operations,
// waits for all of them and reports the first failure by index.
package resilience
