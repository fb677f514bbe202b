package resilience_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ravenpos/internal/resilience"
)

func TestBreakerTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	breaker := resilience.NewBreaker(2, 0.5, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")
	require.Equal(t, resilience.Open, breaker.State())

	now = now.Add(61 * time.Second)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	require.False(t, breaker.Allow(ctx), "only one probe while half-open")
	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	breaker := resilience.NewBreaker(1, 0.5, time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	now = now.Add(2 * time.Second)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))
	require.Equal(t, resilience.MaxBackoff, resilience.Backoff(time.Second, 40, 0))

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-(base*2/5))
	require.LessOrEqual(t, d, base*2+(base*2/5))
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d, ok := resilience.RetryAfter("2", now)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d)

	d, ok = resilience.RetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)

	d, ok = resilience.RetryAfter("3600", now)
	require.True(t, ok)
	require.Equal(t, resilience.MaxBackoff, d)

	_, ok = resilience.RetryAfter("soon", now)
	require.False(t, ok)
}
