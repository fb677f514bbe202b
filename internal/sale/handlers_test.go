package sale_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/pricing"
	"github.com/noah-isme/ravenpos/internal/sale"
)

type fakeLookup map[uuid.UUID]inventory.Item

func (f fakeLookup) ItemsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]inventory.Item, error) {
	out := make(map[uuid.UUID]inventory.Item, len(ids))
	for _, id := range ids {
		if it, ok := f[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func newHandler(t *testing.T, store *fakeStore, items ...inventory.Item) *sale.Handler {
	t.Helper()
	lookup := fakeLookup{}
	for _, it := range items {
		lookup[it.ID] = it
	}
	return &sale.Handler{
		Svc:   newService(store, nil),
		Items: lookup,
		Rates: pricing.NewRateTable(0, pricing.RateEntry{Category: "Clothing", Rate: 0.053}),
	}
}

func post(h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestQuoteHandler(t *testing.T) {
	item := stockItem(t, "A1", "20.00", 5, false)
	h := newHandler(t, newFakeStore(), item)

	body := `{"lines":[{"itemId":"` + item.ID.String() + `","quantity":3}],"orderDiscounts":[{"kind":"percent","value":20}]}`
	rec := post(h.Quote, "/api/v1/cart/quote", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Lines          []pricing.CartLine `json:"lines"`
			Totals         pricing.CartTotals `json:"totals"`
			OrderDiscounts []pricing.Discount `json:"orderDiscounts"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Lines, 1)
	require.True(t, resp.Data.Totals.TaxTotal.Equal(decimal.RequireFromString("2.54")))
	require.True(t, resp.Data.Totals.Total.Equal(decimal.RequireFromString("50.54")))
	require.Equal(t, pricing.Percentage, resp.Data.OrderDiscounts[0].Kind)
	require.True(t, resp.Data.OrderDiscounts[0].CalculatedAmount.Equal(decimal.NewFromInt(12)))
}

func TestQuoteHandlerErrors(t *testing.T) {
	item := stockItem(t, "A1", "20.00", 2, false)
	h := newHandler(t, newFakeStore(), item)
	id := item.ID.String()

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{`, http.StatusBadRequest, "BAD_REQUEST"},
		{"empty", `{"lines":[]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"zero quantity", `{"lines":[{"itemId":"` + id + `","quantity":0}]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown item", `{"lines":[{"itemId":"` + uuid.NewString() + `","quantity":1}]}`, http.StatusNotFound, "NOT_FOUND"},
		{"over stock", `{"lines":[{"itemId":"` + id + `","quantity":3}]}`, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{"duplicate", `{"lines":[{"itemId":"` + id + `","quantity":1},{"itemId":"` + id + `","quantity":1}]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"negative discount", `{"lines":[{"itemId":"` + id + `","quantity":1,"discount":{"kind":"fixed","value":-2}}]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown kind", `{"lines":[{"itemId":"` + id + `","quantity":1,"discount":{"kind":"bogo","value":2}}]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(h.Quote, "/api/v1/cart/quote", tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			var env errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			require.Equal(t, tc.code, env.Error.Code)
		})
	}
}

func TestCompleteHandlerCash(t *testing.T) {
	store := newFakeStore()
	item := stockItem(t, "A1", "20.00", 5, false)
	store.stock[item.ID] = 5
	h := newHandler(t, store, item)

	body := `{"lines":[{"itemId":"` + item.ID.String() + `","quantity":3}],"paymentMethod":"cash","cashTendered":"70"}`
	rec := post(h.Complete, "/api/v1/sales", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data sale.Outcome `json:"data"`
		Meta struct {
			Degraded bool `json:"degraded"`
			Warnings int  `json:"warnings"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Meta.Degraded)
	require.True(t, resp.Data.Sale.Total.Equal(decimal.RequireFromString("63.18")))
	require.True(t, resp.Data.Sale.ChangeGiven.Equal(decimal.RequireFromString("6.82")))
	require.Len(t, resp.Data.Items, 1)
	require.Equal(t, 2, store.stock[item.ID])
}

func TestCompleteHandlerUnderpaid(t *testing.T) {
	store := newFakeStore()
	item := stockItem(t, "A1", "20.00", 5, false)
	h := newHandler(t, store, item)

	body := `{"lines":[{"itemId":"` + item.ID.String() + `","quantity":3}],"paymentMethod":"cash","cashTendered":"50"}`
	rec := post(h.Complete, "/api/v1/sales", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "INSUFFICIENT_CASH", env.Error.Code)
	require.Empty(t, store.calls)
}

func TestCompleteHandlerOrphanedSale(t *testing.T) {
	store := newFakeStore()
	store.itemsErr = context.DeadlineExceeded
	item := stockItem(t, "A1", "20.00", 5, false)
	h := newHandler(t, store, item)

	body := `{"lines":[{"itemId":"` + item.ID.String() + `","quantity":1}],"paymentMethod":"card","paymentReference":"auth-991"}`
	rec := post(h.Complete, "/api/v1/sales", body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "SALE_FAILED", env.Error.Code)
	require.Equal(t, "sale_items", env.Error.Details["step"])
	require.Equal(t, store.sales[0].ID.String(), env.Error.Details["saleId"])
}

func TestCompleteHandlerRequiresTenderForCash(t *testing.T) {
	item := stockItem(t, "A1", "20.00", 5, false)
	h := newHandler(t, newFakeStore(), item)

	body := `{"lines":[{"itemId":"` + item.ID.String() + `","quantity":1}],"paymentMethod":"cash"}`
	rec := post(h.Complete, "/api/v1/sales", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body = `{"lines":[{"itemId":"` + item.ID.String() + `","quantity":1}],"paymentMethod":"voucher"}`
	rec = post(h.Complete, "/api/v1/sales", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
