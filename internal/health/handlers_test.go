package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ravenpos/internal/health"
)

type stubChecker struct {
	dbErr    error
	redisErr error
}

func (s stubChecker) PingDB(_ context.Context, _ time.Duration) error {
	return s.dbErr
}

func (s stubChecker) PingRedis(_ context.Context, _ time.Duration) error {
	return s.redisErr
}

func ready(t *testing.T, h health.Handler) (int, map[string]string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var status map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	return rr.Code, status
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadySuccess(t *testing.T) {
	code, status := ready(t, health.Handler{
		Checker:   stubChecker{},
		DBTimeout: 50 * time.Millisecond,
		SyncState: func() string { return "open" },
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", status["db"])
	require.Equal(t, "ok", status["redis"])
	require.Equal(t, "open", status["sync"], "an open breaker does not fail readiness")
}

func TestReadyFailure(t *testing.T) {
	code, status := ready(t, health.Handler{Checker: stubChecker{dbErr: errors.New("db down")}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "db down", status["db"])
}

func TestReadinessAfterShutdown(t *testing.T) {
	h := health.Handler{Checker: stubChecker{}}
	t.Cleanup(func() { health.SetReady(true) })

	health.SetReady(true)
	code, _ := ready(t, h)
	require.Equal(t, http.StatusOK, code)

	health.SetReady(false)
	code, status := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "draining", status["status"])
}
