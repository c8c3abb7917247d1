package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
)

var epoch = time.Unix(1_700_000_000, 0)

func limited(status int, msg string, kv ...string) error {
	header := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		header.Set(kv[i], kv[i+1])
	}
	return &ResponseError{Response: &Response{StatusCode: status, Header: header, Message: msg}}
}

func noJitter() float64 { return 0 }

func newTestExecutor(fake *clock.Fake, opts ...Option) *Executor {
	base := []Option{WithClock(fake), WithRand(noJitter), WithWriteThrottle(WriteThrottle{})}
	return NewExecutor(append(base, opts...)...)
}

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:             3,
		BaseDelay:              time.Second,
		MaxDelay:               time.Minute,
		Jitter:                 time.Second,
		SecondaryCooldownFloor: 65 * time.Second,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want Kind
	}{
		{"nil", nil, KindNone},
		{"ok", &Response{StatusCode: 200}, KindNone},
		{"plain 429", &Response{StatusCode: 429}, KindPrimary},
		{"403 rate limit text", &Response{StatusCode: 403, Message: "API rate limit exceeded for user"}, KindPrimary},
		{"403 remaining zero", &Response{StatusCode: 403, Header: http.Header{"X-Ratelimit-Remaining": {"0"}}}, KindPrimary},
		{"403 secondary", &Response{StatusCode: 403, Message: "You have exceeded a secondary rate limit"}, KindSecondary},
		{"429 abuse", &Response{StatusCode: 429, Message: "abuse detection mechanism"}, KindSecondary},
		{"403 forbidden", &Response{StatusCode: 403, Message: "Resource not accessible by integration"}, KindNone},
		{"500", &Response{StatusCode: 500, Message: "rate limit"}, KindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.resp))
		})
	}
}

func TestExecuteWithRetry_Success(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake)

	calls := 0
	err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		calls++
		return &Response{StatusCode: 200, Header: http.Header{
			"X-Ratelimit-Limit":     {"5000"},
			"X-Ratelimit-Remaining": {"4999"},
			"X-Ratelimit-Reset":     {strconv.FormatInt(epoch.Add(time.Hour).Unix(), 10)},
		}}, nil
	}, testRetryConfig(), false)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, fake.Sleeps())

	state := exec.State()
	assert.Equal(t, 5000, state.Limit)
	assert.Equal(t, 4999, state.Remaining)
	assert.Equal(t, epoch.Add(time.Hour), state.Reset)
}

func TestExecuteWithRetry_NonRateLimitErrorNotRetried(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake)

	notFound := limited(404, "Not Found")
	calls := 0
	err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		calls++
		return nil, notFound
	}, testRetryConfig(), false)

	assert.Same(t, notFound, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, fake.Sleeps())
}

func TestExecuteWithRetry_PlainErrorNotRetried(t *testing.T) {
	exec := newTestExecutor(clock.NewFake(epoch))
	boom := errors.New("connection reset")

	err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		return nil, boom
	}, testRetryConfig(), false)
	assert.ErrorIs(t, err, boom)
}

func TestExecuteWithRetry_PrimaryBackoff(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake)

	calls := 0
	err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		calls++
		return nil, limited(429, "too many requests")
	}, testRetryConfig(), false)

	require.Error(t, err)
	assert.Equal(t, 4, calls, "MaxRetries+1 attempts")
	assert.Contains(t, err.Error(), "rate limited request failed after 4 attempts")
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, fake.Sleeps())
}

func TestExecuteWithRetry_PrimaryUsesRetryAfter(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake)

	calls := 0
	err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		calls++
		if calls == 1 {
			return nil, limited(429, "slow down", "Retry-After", "7")
		}
		return &Response{StatusCode: 201}, nil
	}, testRetryConfig(), false)

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, fake.Sleeps())
}

func TestExecuteWithRetry_SecondaryFloor(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake)

	calls := 0
	err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		calls++
		switch calls {
		case 1:
			return nil, limited(403, "You have exceeded a secondary rate limit", "Retry-After", "10")
		case 2:
			return nil, limited(403, "secondary rate limit", "Retry-After", "120")
		default:
			return &Response{StatusCode: 200}, nil
		}
	}, testRetryConfig(), true)

	require.NoError(t, err)
	sleeps := fake.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Equal(t, 65*time.Second, sleeps[0], "retry-after below the floor is raised to it")
	assert.Equal(t, 120*time.Second, sleeps[1])
}

func TestExecuteWithRetry_JitterAndCap(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake, WithRand(func() float64 { return 0.5 }))

	cfg := testRetryConfig()
	cfg.MaxRetries = 7
	cfg.MaxDelay = 10 * time.Second

	_ = exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		return nil, limited(429, "")
	}, cfg, false)

	assert.Equal(t, []time.Duration{
		1500 * time.Millisecond,
		2500 * time.Millisecond,
		4500 * time.Millisecond,
		8500 * time.Millisecond,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, fake.Sleeps())
}

func TestExecuteWithRetry_WaitsForReset(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake)
	reset := epoch.Add(30 * time.Second)

	calls := 0
	call := func(ctx context.Context) (*Response, error) {
		calls++
		return &Response{StatusCode: 200, Header: http.Header{
			"X-Ratelimit-Remaining": {"0"},
			"X-Ratelimit-Reset":     {strconv.FormatInt(reset.Unix(), 10)},
		}}, nil
	}

	require.NoError(t, exec.ExecuteWithRetry(context.Background(), call, testRetryConfig(), false))
	assert.Empty(t, fake.Sleeps())

	require.NoError(t, exec.ExecuteWithRetry(context.Background(), call, testRetryConfig(), false))
	assert.Equal(t, []time.Duration{31 * time.Second}, fake.Sleeps())
	assert.Equal(t, 2, calls)
}

func TestExecuteWithRetry_WritesPerMinute(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake, WithWriteThrottle(WriteThrottle{WritesPerMinute: 3}))

	ok := func(ctx context.Context) (*Response, error) { return &Response{StatusCode: 201}, nil }
	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		require.NoError(t, exec.ExecuteWithRetry(context.Background(), ok, testRetryConfig(), true))
	}
	assert.Empty(t, fake.Sleeps())

	// Oldest write was at epoch+1s; the fourth waits until it leaves the window.
	require.NoError(t, exec.ExecuteWithRetry(context.Background(), ok, testRetryConfig(), true))
	assert.Equal(t, []time.Duration{58 * time.Second}, fake.Sleeps())

	// Reads are never throttled.
	require.NoError(t, exec.ExecuteWithRetry(context.Background(), ok, testRetryConfig(), false))
	assert.Len(t, fake.Sleeps(), 1)
}

func TestExecuteWithRetry_WriteGapGrowsWithErrors(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake, WithWriteThrottle(WriteThrottle{
		MinWriteGap:  time.Second,
		GapIncrement: 500 * time.Millisecond,
	}))

	cfg := testRetryConfig()
	cfg.MaxRetries = 2
	cfg.Jitter = 0

	calls := 0
	err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, limited(429, "")
		}
		return &Response{StatusCode: 201}, nil
	}, cfg, true)
	require.NoError(t, err)

	// backoff 1s covers the 1.5s gap only partially; backoff 2s covers 2s exactly.
	assert.Equal(t, []time.Duration{
		time.Second,
		500 * time.Millisecond,
		2 * time.Second,
	}, fake.Sleeps())
	assert.Equal(t, 0, exec.ConsecutiveWriteErrors(), "success resets the streak")
}

func TestExecuteWithRetry_CancelledDuringBackoff(t *testing.T) {
	fake := clock.NewFake(epoch)
	exec := newTestExecutor(fake)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := exec.ExecuteWithRetry(ctx, func(ctx context.Context) (*Response, error) {
		calls++
		cancel()
		return nil, limited(429, "")
	}, testRetryConfig(), false)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetry_Metrics(t *testing.T) {
	fake := clock.NewFake(epoch)
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: prometheus.NewRegistry()})
	exec := newTestExecutor(fake, WithMetrics(m), WithAPI("github"))

	cfg := testRetryConfig()
	cfg.MaxRetries = 1
	_ = exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (*Response, error) {
		return nil, limited(403, "secondary rate limit")
	}, cfg, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitHits.WithLabelValues("github", "secondary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryAttempts.WithLabelValues("github")))
}

func TestResponseRetryAfter(t *testing.T) {
	now := epoch
	resp := &Response{Header: http.Header{"Retry-After": {now.Add(90 * time.Second).UTC().Format(http.TimeFormat)}}}
	d, ok := resp.RetryAfter(now)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	_, ok = (&Response{Header: http.Header{"Retry-After": {"soon"}}}).RetryAfter(now)
	assert.False(t, ok)

	var nilResp *Response
	_, ok = nilResp.RetryAfter(now)
	assert.False(t, ok)
}
