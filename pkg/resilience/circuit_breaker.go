package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - cooldown elapsed, a single probe request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before a probe is allowed
	ResetTimeout time.Duration
	// IsSuccessful decides whether a call outcome counts as a success.
	// Defaults to err == nil.
	IsSuccessful func(err error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker stops calling a dependency after repeated failures and
// probes it again, one request at a time, once the reset timeout elapses.
type CircuitBreaker struct {
	name             string
	failureThreshold uint32
	resetTimeout     time.Duration
	isSuccessful     func(err error) bool
	onStateChange    func(name string, from CircuitState, to CircuitState)
	clock            clock.Clock
	metrics          *metrics.Metrics

	mutex         sync.Mutex
	state         CircuitState
	generation    uint64
	counts        Counts
	lastFailure   time.Time
	probeInFlight bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		isSuccessful:     config.IsSuccessful,
		onStateChange:    config.OnStateChange,
		clock:            config.Clock,
		metrics:          config.Metrics,
		logger:           logging.GetLogger(),
	}

	if cb.failureThreshold == 0 {
		cb.failureThreshold = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = time.Minute
	}
	if cb.isSuccessful == nil {
		cb.isSuccessful = func(err error) bool { return err == nil }
	}
	if cb.clock == nil {
		cb.clock = clock.New()
	}

	cb.metrics.SetCircuitState(cb.name, int(StateClosed))
	return cb
}

// Execute runs the given request if the circuit breaker accepts it
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	return ExecuteTyped(ctx, cb, req)
}

// ExecuteTyped is Execute for a typed result.
func ExecuteTyped[T any](ctx context.Context, cb *CircuitBreaker, req func(context.Context) (T, error)) (T, error) {
	var zero T

	generation, err := cb.beforeRequest()
	if err != nil {
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	if err != nil && cancelledByCaller(ctx, err) {
		// The caller gave up; the dependency did not fail.
		cb.release(generation)
		return result, err
	}
	cb.afterRequest(generation, cb.isSuccessful(err))
	return result, err
}

func cancelledByCaller(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) ||
		errors.Is(err, context.Canceled) ||
		apperrors.IsType(err, apperrors.ErrorTypeCancelled)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.clock.Now())
	return state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// LastFailure returns when the circuit last opened
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.lastFailure
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.clock.Now()
	state, generation := cb.currentState(now)

	switch state {
	case StateOpen:
		cb.metrics.RecordCircuitRejection(cb.name)
		return generation, &CircuitBreakerError{
			Name:              cb.name,
			State:             state,
			RemainingCooldown: cb.lastFailure.Add(cb.resetTimeout).Sub(now),
		}
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.metrics.RecordCircuitRejection(cb.name)
			return generation, &CircuitBreakerError{Name: cb.name, State: state}
		}
		cb.probeInFlight = true
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.clock.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// release frees a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) release(before uint64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.generation != before {
		return
	}
	cb.counts.Requests--
	cb.probeInFlight = false
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.failureThreshold {
			cb.lastFailure = now
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.lastFailure = now
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	if cb.state == StateOpen && !now.Before(cb.lastFailure.Add(cb.resetTimeout)) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.metrics.SetCircuitState(cb.name, int(state))
	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.probeInFlight = false
}

// CircuitBreakerError represents an error when the circuit breaker rejects a call
type CircuitBreakerError struct {
	Name              string
	State             CircuitState
	RemainingCooldown time.Duration
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker '%s' is %s (retry in %s)", e.Name, e.State.String(), e.RemainingCooldown.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker '%s' is %s and a probe is already in flight", e.Name, e.State.String())
}

// Unwrap exposes the error as a circuit_open AppError so the shared classifier treats it as non-retryable.
func (e *CircuitBreakerError) Unwrap() error {
	return apperrors.NewCircuitOpenError(e.Name, e.RemainingCooldown)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

// Registry hands out one breaker per named operation.
type Registry struct {
	template CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers share template's settings.
func NewRegistry(template CircuitBreakerConfig) *Registry {
	return &Registry{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.template
	config.Name = name
	cb := NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// States snapshots every breaker's state.
func (r *Registry) States() map[string]CircuitState {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	states := make(map[string]CircuitState, len(breakers))
	for _, cb := range breakers {
		states[cb.Name()] = cb.State()
	}
	return states
}
