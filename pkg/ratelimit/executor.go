// Package ratelimit executes calls against a rate limited HTTP API, backing
// off on primary and secondary limits and pacing write requests.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
)

const writeWindow = time.Minute

// Call performs one attempt. Failed attempts should return an error that
// carries response metadata (see ResponseError).
type Call func(ctx context.Context) (*Response, error)

// RetryConfig holds retry settings for a single ExecuteWithRetry call
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the upper bound of the random delay added to each backoff
	Jitter time.Duration
	// SecondaryCooldownFloor is the minimum wait after a secondary rate limit
	SecondaryCooldownFloor time.Duration
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:             3,
		BaseDelay:              time.Second,
		MaxDelay:               2 * time.Minute,
		Jitter:                 time.Second,
		SecondaryCooldownFloor: 65 * time.Second,
	}
}

// WriteThrottle paces write requests
type WriteThrottle struct {
	WritesPerMinute int
	MinWriteGap     time.Duration
	// GapIncrement is added to MinWriteGap for every consecutive failed attempt
	GapIncrement time.Duration
}

// DefaultWriteThrottle returns the default write pacing
func DefaultWriteThrottle() WriteThrottle {
	return WriteThrottle{
		WritesPerMinute: 80,
		MinWriteGap:     time.Second,
		GapIncrement:    500 * time.Millisecond,
	}
}

// Executor runs calls with rate limit handling. It is safe for concurrent use.
type Executor struct {
	api      string
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *logging.Logger
	rand     func() float64
	throttle WriteThrottle

	mu                sync.Mutex
	state             State
	writes            []time.Time
	lastWrite         time.Time
	consecutiveErrors int
}

// Option configures an Executor
type Option func(*Executor)

// WithAPI sets the API name used in logs and metrics
func WithAPI(api string) Option {
	return func(e *Executor) { e.api = api }
}

// WithClock sets the clock used for every wait
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithMetrics enables metrics export
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(e *Executor) { e.rand = f }
}

// WithWriteThrottle sets the write pacing
func WithWriteThrottle(t WriteThrottle) Option {
	return func(e *Executor) { e.throttle = t }
}

// NewExecutor creates a new executor
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		api:      "github",
		clock:    clock.New(),
		logger:   logging.GetLogger(),
		rand:     rand.Float64,
		throttle: DefaultWriteThrottle(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns a snapshot of the last seen rate limit headers
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ConsecutiveWriteErrors returns the current write error streak
func (e *Executor) ConsecutiveWriteErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveErrors
}

// ExecuteWithRetry runs call, retrying rate limited attempts. Errors that are
// not rate limits are returned as they are, without retry.
func (e *Executor) ExecuteWithRetry(ctx context.Context, call Call, config RetryConfig, isWrite bool) error {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	attempts := config.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := e.waitForReset(ctx); err != nil {
			return err
		}
		if isWrite {
			if err := e.throttleWrite(ctx); err != nil {
				return err
			}
		}

		resp, err := call(ctx)
		if err == nil {
			e.observe(resp, isWrite, true)
			return nil
		}

		meta := MetadataOf(err)
		e.observe(meta, isWrite, false)
		lastErr = err

		kind := Classify(meta)
		if kind == KindNone {
			return err
		}
		e.metrics.RecordRateLimitHit(e.api, kind.String())

		if attempt == attempts-1 {
			break
		}

		wait := e.retryWait(kind, meta, attempt, config)
		e.logger.Warn("Rate limited, backing off",
			"api", e.api,
			"kind", kind.String(),
			"attempt", attempt+1,
			"max_attempts", attempts,
			"wait", wait,
		)
		e.metrics.RecordRetry(e.api)
		e.metrics.RecordRateLimitWait(e.api, kind.String(), wait)

		if err := e.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	e.logger.Error("Rate limited request failed",
		"api", e.api,
		"attempts", attempts,
		"error", lastErr.Error(),
	)
	return fmt.Errorf("rate limited request failed after %d attempts: %w", attempts, lastErr)
}

func (e *Executor) retryWait(kind Kind, meta *Response, attempt int, config RetryConfig) time.Duration {
	retryAfter, hasRetryAfter := meta.RetryAfter(e.clock.Now())
	backoff := e.backoff(attempt, config)

	switch kind {
	case KindSecondary:
		wait := backoff
		if retryAfter > wait {
			wait = retryAfter
		}
		if config.SecondaryCooldownFloor > wait {
			wait = config.SecondaryCooldownFloor
		}
		return wait
	default:
		if hasRetryAfter {
			return retryAfter
		}
		return backoff
	}
}

// backoff returns min(MaxDelay, BaseDelay*2^attempt + jitter).
func (e *Executor) backoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if config.Jitter > 0 {
		delay += e.rand() * float64(config.Jitter)
	}
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

func (e *Executor) waitForReset(ctx context.Context) error {
	e.mu.Lock()
	now := e.clock.Now()
	var wait time.Duration
	if e.state.Exhausted(now) {
		wait = e.state.Reset.Add(time.Second).Sub(now)
	}
	e.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	e.logger.Warn("Rate limit exhausted, waiting for reset",
		"api", e.api,
		"wait", wait,
	)
	e.metrics.RecordRateLimitWait(e.api, "reset", wait)
	return e.clock.Sleep(ctx, wait)
}

// throttleWrite blocks until both the per-minute cap and the minimum gap
// allow another write, then reserves the slot.
func (e *Executor) throttleWrite(ctx context.Context) error {
	for {
		e.mu.Lock()
		now := e.clock.Now()
		e.pruneWrites(now)

		var wait time.Duration
		reason := "write_budget"
		if e.throttle.WritesPerMinute > 0 && len(e.writes) >= e.throttle.WritesPerMinute {
			wait = e.writes[0].Add(writeWindow).Sub(now)
		}

		gap := e.throttle.MinWriteGap + e.throttle.GapIncrement*time.Duration(e.consecutiveErrors)
		if !e.lastWrite.IsZero() {
			if untilGap := e.lastWrite.Add(gap).Sub(now); untilGap > wait {
				wait = untilGap
				reason = "write_gap"
			}
		}

		if wait <= 0 {
			e.writes = append(e.writes, now)
			e.lastWrite = now
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		e.logger.Debug("Throttling write", "api", e.api, "reason", reason, "wait", wait)
		e.metrics.RecordRateLimitWait(e.api, reason, wait)
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (e *Executor) pruneWrites(now time.Time) {
	cutoff := now.Add(-writeWindow)
	i := 0
	for i < len(e.writes) && !e.writes[i].After(cutoff) {
		i++
	}
	e.writes = e.writes[i:]
}

func (e *Executor) observe(resp *Response, isWrite, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if resp != nil {
		e.state.update(resp.Header, e.clock.Now())
		if e.state.Known() {
			e.metrics.UpdateRateLimitRemaining(e.api, e.state.Remaining)
		}
	}

	if isWrite {
		if success {
			e.consecutiveErrors = 0
		} else {
			e.consecutiveErrors++
		}
	}
}
