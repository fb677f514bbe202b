package common_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ravenpos/internal/common"
)

func newIdem(t *testing.T) (common.Idem, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return common.Idem{R: client, TTL: time.Hour}, mr
}

func TestIdemReplaysStoredResponse(t *testing.T) {
	idem, _ := newIdem(t)
	calls := 0
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		common.JSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"call": calls}})
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(`{}`))
		req.Header.Set(common.HeaderIdempotencyKey, "till-7-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code)
	second := send()
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(common.HeaderIdempotentReplay))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, 1, calls)
}

func TestIdemReleasesKeyOnServerError(t *testing.T) {
	idem, _ := newIdem(t)
	calls := 0
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		common.JSONError(w, http.StatusInternalServerError, "SALE_FAILED", "boom", nil)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", nil)
		req.Header.Set(common.HeaderIdempotencyKey, "till-7-43")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusInternalServerError, rr.Code)
	}
	require.Equal(t, 2, calls)
}

func TestIdemPendingKeyConflicts(t *testing.T) {
	idem, mr := newIdem(t)
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for an in-flight key")
	}))
	require.NoError(t, mr.Set(idem.Key("till-7-44"), "pending"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", nil)
	req.Header.Set(common.HeaderIdempotencyKey, "till-7-44")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	var body struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "IDEMPOTENT_IN_PROGRESS", body.Error.Code)
}

func TestIdemWithoutHeaderPassesThrough(t *testing.T) {
	idem, _ := newIdem(t)
	calls := 0
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	}
	require.Equal(t, 2, calls)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	require.Equal(t, "10.0.0.9", common.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	require.Equal(t, "203.0.113.5", common.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "unknown, 198.51.100.7")
	require.Equal(t, "198.51.100.7", common.ClientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "not-an-ip")
	req.RemoteAddr = "[::ffff:192.0.2.4]:443"
	require.Equal(t, "192.0.2.4", common.ClientIP(req))
}

func TestAppErrorUnwrap(t *testing.T) {
	inner := http.ErrBodyNotAllowed
	err := common.NewAppError("INSUFFICIENT_STOCK", "not enough stock", http.StatusConflict, inner)
	require.True(t, common.IsAppError(err))
	require.ErrorIs(t, err, inner)
}

func TestWriteErrorRendersSaleStepDetails(t *testing.T) {
	err := fmt.Errorf("complete: %w", common.NewAppError("SALE_FAILED", "unable to record sale", 0, nil).
		With("step", "sale_items").
		With("saleId", "8d0f4c36-1f0e-4a51-9a53-0d6d3c1f2a10"))

	rr := httptest.NewRecorder()
	common.WriteError(rr, err)
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "SALE_FAILED", body.Error.Code)
	require.Equal(t, "sale_items", body.Error.Details["step"])
	require.Equal(t, "8d0f4c36-1f0e-4a51-9a53-0d6d3c1f2a10", body.Error.Details["saleId"])
}

func TestWriteErrorHidesPlainErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	common.WriteError(rr, errors.New("pq: connection reset"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "connection reset")
	require.Contains(t, rr.Body.String(), "INTERNAL")
}

func TestDataEnvelopeOmitsEmptyMeta(t *testing.T) {
	rr := httptest.NewRecorder()
	common.Data(rr, http.StatusOK, map[string]int{"lines": 2}, nil)
	require.JSONEq(t, `{"data":{"lines":2}}`, rr.Body.String())
}
