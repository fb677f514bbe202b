package resilience_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ravenpos/internal/resilience"
)

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"delta":-1}`))
	require.NoError(t, err)

	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []string{`{"delta":-1}`, `{"delta":-1}`, `{"delta":-1}`}, bodies)
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientRateLimitedDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	cl := resilience.HTTPClient{Client: srv.Client(), Breaker: breaker, MaxAttempts: 2}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = cl.Do(context.Background(), req)
	var statusErr *resilience.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Equal(t, resilience.Closed, breaker.State())
}

func TestHTTPClientOpenCircuitStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	cl := resilience.HTTPClient{
		Client:      srv.Client(),
		Breaker:     breaker,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = cl.Do(context.Background(), req)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Equal(t, resilience.Open, breaker.State())
	require.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientWithoutBreakerExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 4, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{}`))
	require.NoError(t, err)

	_, err = cl.Do(context.Background(), req)
	var statusErr *resilience.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	require.Equal(t, int32(4), calls.Load())
}
