// Package tokenbudget paces calls to an AI provider against per-minute
// request and token budgets using a sliding window.
package tokenbudget

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
)

// Window is the length of the sliding budget window.
const Window = time.Minute

// DefaultSafetyMargin keeps usage this fraction below each published limit.
const DefaultSafetyMargin = 0.10

// Limits are the provider's published per-minute budgets. Zero means unset.
type Limits struct {
	RequestsPerMinute     int `json:"requests_per_minute"`
	TokensPerMinute       int `json:"tokens_per_minute"`
	InputTokensPerMinute  int `json:"input_tokens_per_minute"`
	OutputTokensPerMinute int `json:"output_tokens_per_minute"`
}

// Mode is how token usage is budgeted.
type Mode int

const (
	// ModeNone budgets no tokens; RequestsPerMinute may still apply.
	ModeNone Mode = iota
	// ModeCombined budgets input+output against TokensPerMinute.
	ModeCombined
	// ModeSeparate budgets input and output independently.
	ModeSeparate
)

func (m Mode) String() string {
	switch m {
	case ModeCombined:
		return "combined"
	case ModeSeparate:
		return "separate"
	default:
		return "none"
	}
}

// Mode resolves the token budget mode. Separate limits take precedence.
func (l Limits) Mode() Mode {
	switch {
	case l.InputTokensPerMinute > 0 || l.OutputTokensPerMinute > 0:
		return ModeSeparate
	case l.TokensPerMinute > 0:
		return ModeCombined
	default:
		return ModeNone
	}
}

// Unlimited reports whether no budget is configured at all.
func (l Limits) Unlimited() bool {
	return l.RequestsPerMinute <= 0 && l.Mode() == ModeNone
}

type entry struct {
	at       time.Time
	requests int
	input    int
	output   int
}

// Usage is a snapshot of the current window.
type Usage struct {
	Provider      string    `json:"provider"`
	Mode          string    `json:"mode"`
	Requests      int       `json:"requests"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	Limits        Limits    `json:"limits"`
	SafetyMargin  float64   `json:"safety_margin"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Limiter tracks usage for one provider. It is safe for concurrent use.
type Limiter struct {
	provider string
	limits   Limits
	margin   float64
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *logging.Logger
	patterns []RetryAfterPattern

	mu            sync.Mutex
	entries       []entry
	cooldownUntil time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithProvider names the provider in logs and metrics
func WithProvider(name string) Option {
	return func(l *Limiter) { l.provider = name }
}

// WithSafetyMargin overrides DefaultSafetyMargin. Values outside [0, 1) are ignored.
func WithSafetyMargin(margin float64) Option {
	return func(l *Limiter) {
		if margin >= 0 && margin < 1 {
			l.margin = margin
		}
	}
}

// WithClock sets the clock
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithMetrics enables metrics export
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithRetryAfterPatterns adds provider-specific retry hints, tried before the defaults.
func WithRetryAfterPatterns(patterns ...RetryAfterPattern) Option {
	return func(l *Limiter) {
		l.patterns = append(append([]RetryAfterPattern{}, patterns...), l.patterns...)
	}
}

// NewLimiter creates a limiter for the given budgets
func NewLimiter(limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		provider: "default",
		limits:   limits,
		margin:   DefaultSafetyMargin,
		clock:    clock.New(),
		logger:   logging.GetLogger(),
		patterns: DefaultRetryAfterPatterns,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured budgets
func (l *Limiter) Limits() Limits {
	return l.limits
}

// CheckRateLimit returns how long to wait before a request with the given
// token estimates fits every budget. Zero means it fits now.
func (l *Limiter) CheckRateLimit(estInput, estOutput int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(l.clock.Now(), estInput, estOutput)
}

// RecordRequest counts one request against the window.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry{at: l.clock.Now(), requests: 1})
}

// RecordTokenUsage counts actual token usage against the window.
func (l *Limiter) RecordTokenUsage(input, output int) {
	if input <= 0 && output <= 0 {
		return
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry{at: l.clock.Now(), input: input, output: output})
	l.mu.Unlock()

	l.metrics.RecordTokenUsage(l.provider, input, output)
}

// RecordRateLimitHit fills every budget with an entry that leaves the
// window exactly wait from now, so no request is admitted before then.
func (l *Limiter) RecordRateLimitHit(wait time.Duration) {
	if wait <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	synthetic := entry{
		at:       now.Add(wait - Window),
		requests: l.limits.RequestsPerMinute,
	}
	switch l.limits.Mode() {
	case ModeSeparate:
		synthetic.input = l.limits.InputTokensPerMinute
		synthetic.output = l.limits.OutputTokensPerMinute
	case ModeCombined:
		synthetic.input = l.limits.TokensPerMinute
	}
	l.entries = append(l.entries, synthetic)

	if until := now.Add(wait); until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}

	l.logger.Warn("Provider rate limit hit, cooling down",
		"provider", l.provider,
		"wait", wait,
	)
}

// Wait blocks until the estimates fit, then reserves a request slot.
func (l *Limiter) Wait(ctx context.Context, estInput, estOutput int) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		wait := l.checkLocked(now, estInput, estOutput)
		if wait <= 0 {
			l.entries = append(l.entries, entry{at: now, requests: 1})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		l.logger.Debug("Waiting for token budget",
			"provider", l.provider,
			"wait", wait,
			"estimated_input", estInput,
			"estimated_output", estOutput,
		)
		l.metrics.RecordTokenBudgetWait(l.provider, wait)

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Usage returns a snapshot of the current window
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())

	usage := Usage{
		Provider:      l.provider,
		Mode:          l.limits.Mode().String(),
		Limits:        l.limits,
		SafetyMargin:  l.margin,
		CooldownUntil: l.cooldownUntil,
	}
	for _, e := range l.entries {
		usage.Requests += e.requests
		usage.InputTokens += e.input
		usage.OutputTokens += e.output
	}
	return usage
}

func (l *Limiter) checkLocked(now time.Time, estInput, estOutput int) time.Duration {
	l.prune(now)

	var wait time.Duration
	if l.cooldownUntil.After(now) {
		wait = l.cooldownUntil.Sub(now)
	}

	raise := func(d time.Duration) {
		if d > wait {
			wait = d
		}
	}

	if l.limits.RequestsPerMinute > 0 {
		raise(l.waitFor(now, l.limits.RequestsPerMinute, 1, func(e entry) int { return e.requests }))
	}

	switch l.limits.Mode() {
	case ModeSeparate:
		if l.limits.InputTokensPerMinute > 0 {
			raise(l.waitFor(now, l.limits.InputTokensPerMinute, estInput, func(e entry) int { return e.input }))
		}
		if l.limits.OutputTokensPerMinute > 0 {
			raise(l.waitFor(now, l.limits.OutputTokensPerMinute, estOutput, func(e entry) int { return e.output }))
		}
	case ModeCombined:
		raise(l.waitFor(now, l.limits.TokensPerMinute, estInput+estOutput, func(e entry) int { return e.input + e.output }))
	}

	return wait
}

// waitFor returns the time until enough of the oldest entries expire for
// estimate to fit under limit reduced by the safety margin.
func (l *Limiter) waitFor(now time.Time, limit, estimate int, value func(entry) int) time.Duration {
	effective := float64(limit) * (1 - l.margin)

	used := 0
	for _, e := range l.entries {
		used += value(e)
	}
	if float64(used+estimate) <= effective {
		return 0
	}

	// Oversize estimates are admitted once nothing is left in the window.
	target := effective
	if float64(estimate) > effective {
		target = float64(estimate)
	}

	contributing := make([]entry, 0, len(l.entries))
	for _, e := range l.entries {
		if value(e) > 0 {
			contributing = append(contributing, e)
		}
	}
	sort.Slice(contributing, func(i, j int) bool {
		return contributing[i].at.Before(contributing[j].at)
	})

	remaining := used
	var wait time.Duration
	for _, e := range contributing {
		remaining -= value(e)
		wait = e.at.Add(Window).Sub(now)
		if float64(remaining+estimate) <= target {
			break
		}
	}
	return wait
}

// prune drops entries that have left the window. Synthetic entries break
// time order, so the whole slice is filtered.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}
