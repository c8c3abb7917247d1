package tokenbudget

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
	"github.com/NikhilSetiya/repograde/pkg/ratelimit"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestLimits_Mode(t *testing.T) {
	assert.Equal(t, ModeNone, Limits{}.Mode())
	assert.True(t, Limits{}.Unlimited())
	assert.Equal(t, ModeNone, Limits{RequestsPerMinute: 60}.Mode())
	assert.False(t, Limits{RequestsPerMinute: 60}.Unlimited())
	assert.Equal(t, ModeCombined, Limits{TokensPerMinute: 1000}.Mode())
	assert.Equal(t, ModeSeparate, Limits{TokensPerMinute: 1000, InputTokensPerMinute: 500}.Mode())
	assert.Equal(t, ModeSeparate, Limits{OutputTokensPerMinute: 500}.Mode())
}

func TestCheckRateLimit_Unlimited(t *testing.T) {
	l := NewLimiter(Limits{}, WithClock(clock.NewFake(epoch)))
	for i := 0; i < 1000; i++ {
		l.RecordRequest()
		l.RecordTokenUsage(100000, 100000)
	}
	assert.Zero(t, l.CheckRateLimit(1_000_000, 1_000_000))
}

func TestCheckRateLimit_RequestsPerMinuteWithMargin(t *testing.T) {
	fake := clock.NewFake(epoch)
	l := NewLimiter(Limits{RequestsPerMinute: 60}, WithClock(fake))

	// 60 * (1 - 0.1) = 54 requests fit in the window.
	for i := 0; i < 54; i++ {
		require.Zero(t, l.CheckRateLimit(0, 0), "request %d", i)
		l.RecordRequest()
		fake.Advance(100 * time.Millisecond)
	}

	// The 55th waits until the oldest request leaves the window.
	wait := l.CheckRateLimit(0, 0)
	assert.Equal(t, Window-54*100*time.Millisecond, wait)

	fake.Advance(wait)
	assert.Zero(t, l.CheckRateLimit(0, 0))
}

func TestCheckRateLimit_CustomMargin(t *testing.T) {
	l := NewLimiter(Limits{RequestsPerMinute: 10}, WithClock(clock.NewFake(epoch)), WithSafetyMargin(0.5))
	for i := 0; i < 5; i++ {
		l.RecordRequest()
	}
	assert.Equal(t, Window, l.CheckRateLimit(0, 0))

	ignored := NewLimiter(Limits{RequestsPerMinute: 10}, WithSafetyMargin(1.5))
	assert.Equal(t, DefaultSafetyMargin, ignored.Usage().SafetyMargin)
}

func TestCheckRateLimit_CombinedTokens(t *testing.T) {
	fake := clock.NewFake(epoch)
	l := NewLimiter(Limits{TokensPerMinute: 10000}, WithClock(fake))

	l.RecordTokenUsage(3000, 1000) // t=0
	fake.Advance(10 * time.Second)
	l.RecordTokenUsage(2000, 1000) // t=10s
	fake.Advance(10 * time.Second)
	l.RecordTokenUsage(1000, 500) // t=20s, total 8500

	// Effective budget 9000; 500 more fits.
	assert.Zero(t, l.CheckRateLimit(400, 100))

	// 2000 needs 1500 freed: the first record (4000) is enough.
	assert.Equal(t, 40*time.Second, l.CheckRateLimit(1500, 500))

	// 6000 needs 5500 freed: the first two records.
	assert.Equal(t, 50*time.Second, l.CheckRateLimit(5000, 1000))
}

func TestCheckRateLimit_SeparateStricterWins(t *testing.T) {
	fake := clock.NewFake(epoch)
	l := NewLimiter(Limits{
		TokensPerMinute:       1_000_000,
		InputTokensPerMinute:  10000,
		OutputTokensPerMinute: 2000,
	}, WithClock(fake))

	l.RecordTokenUsage(1000, 1700) // t=0
	fake.Advance(30 * time.Second)
	l.RecordTokenUsage(1000, 0) // t=30s

	// Input is far from its budget, output (1700 + 200 > 1800) is not.
	assert.Equal(t, 30*time.Second, l.CheckRateLimit(100, 200))
	assert.Zero(t, l.CheckRateLimit(100, 100))

	// Combined budget is ignored in separate mode.
	assert.Equal(t, "separate", l.Usage().Mode)
}

func TestCheckRateLimit_OversizeEstimate(t *testing.T) {
	fake := clock.NewFake(epoch)
	l := NewLimiter(Limits{TokensPerMinute: 1000}, WithClock(fake))

	// Nothing in the window: admitted even though it exceeds the budget.
	assert.Zero(t, l.CheckRateLimit(5000, 0))

	l.RecordTokenUsage(100, 0) // t=0
	fake.Advance(20 * time.Second)
	l.RecordTokenUsage(100, 0) // t=20s

	// Must wait for the window to drain completely.
	assert.Equal(t, 60*time.Second, l.CheckRateLimit(5000, 0))
}

func TestRecordRateLimitHit(t *testing.T) {
	fake := clock.NewFake(epoch)
	l := NewLimiter(Limits{RequestsPerMinute: 100, TokensPerMinute: 100000}, WithClock(fake))

	l.RecordRateLimitHit(12 * time.Second)
	assert.Equal(t, 12*time.Second, l.CheckRateLimit(10, 10))

	usage := l.Usage()
	assert.Equal(t, 100, usage.Requests)
	assert.Equal(t, 100000, usage.InputTokens)

	fake.Advance(12 * time.Second)
	assert.Zero(t, l.CheckRateLimit(10, 10))
	assert.Zero(t, l.Usage().Requests)
}

func TestRecordRateLimitHit_Unlimited(t *testing.T) {
	fake := clock.NewFake(epoch)
	l := NewLimiter(Limits{}, WithClock(fake))

	l.RecordRateLimitHit(5 * time.Second)
	assert.Equal(t, 5*time.Second, l.CheckRateLimit(0, 0))
	fake.Advance(5 * time.Second)
	assert.Zero(t, l.CheckRateLimit(0, 0))
}

func TestWait_ReservesAndSleeps(t *testing.T) {
	fake := clock.NewFake(epoch)
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: prometheus.NewRegistry()})
	l := NewLimiter(Limits{RequestsPerMinute: 10}, WithClock(fake), WithMetrics(m), WithProvider("openai"))

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, l.Wait(ctx, 0, 0))
	}
	assert.Empty(t, fake.Sleeps())
	assert.Equal(t, 9, l.Usage().Requests)

	require.NoError(t, l.Wait(ctx, 0, 0))
	assert.Equal(t, []time.Duration{Window}, fake.Sleeps())
	assert.Equal(t, 1, l.Usage().Requests)
	assert.Equal(t, 1, testutil.CollectAndCount(m.TokenBudgetWait))
}

func TestWait_ConcurrentReservationsRespectBudget(t *testing.T) {
	fake := clock.NewFake(epoch)
	l := NewLimiter(Limits{RequestsPerMinute: 20}, WithClock(fake))

	var wg sync.WaitGroup
	for i := 0; i < 18; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Wait(context.Background(), 0, 0))
		}()
	}
	wg.Wait()

	assert.Equal(t, 18, l.Usage().Requests)
	assert.Empty(t, fake.Sleeps())
	assert.Equal(t, Window, l.CheckRateLimit(0, 0))
}

func TestWait_Cancelled(t *testing.T) {
	l := NewLimiter(Limits{RequestsPerMinute: 1}, WithClock(clock.NewFake(epoch)), WithSafetyMargin(0))
	l.RecordRequest()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, 0, 0), context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		msg  string
		want time.Duration
		ok   bool
	}{
		{"Rate limit reached. Please retry after 12s", 12 * time.Second, true},
		{"Rate limit reached for gpt-4o. Please try again in 1.5 seconds.", 1500 * time.Millisecond, true},
		{"429 Too Many Requests; Retry-After: 15", 15 * time.Second, true},
		{"quota exhausted, retry in 2m", 2 * time.Minute, true},
		{"please try again in 750ms", 750 * time.Millisecond, true},
		{"wait 30 seconds before sending", 30 * time.Second, true},
		{"20s cooldown applied", 20 * time.Second, true},
		{"internal server error", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got, ok := ParseRetryAfter(errors.New(tt.msg))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ParseRetryAfter(nil)
	assert.False(t, ok)
}

func TestParseRetryAfter_ResponseHeader(t *testing.T) {
	err := &ratelimit.ResponseError{Response: &ratelimit.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": {"9"}},
	}}
	got, ok := ParseRetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 9*time.Second, got)
}

func TestWithRetryAfterPatterns(t *testing.T) {
	l := NewLimiter(Limits{}, WithRetryAfterPatterns(RetryAfterPattern{
		Re:   regexp.MustCompile(`(?i)cooldown_ms=(\d+)`),
		Unit: time.Millisecond,
	}))

	got, ok := l.ParseRetryAfter(errors.New("error: cooldown_ms=2500"))
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, got)

	got, ok = l.ParseRetryAfter(errors.New("retry after 3s"))
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, got)
}
