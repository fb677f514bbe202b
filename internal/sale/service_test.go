package sale_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ravenpos/internal/events"
	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/pricing"
	"github.com/noah-isme/ravenpos/internal/sale"
)

type fakeStore struct {
	mu sync.Mutex

	calls     []string
	sales     []sale.Sale
	items     []sale.Item
	stock     map[uuid.UUID]int
	splits    map[uuid.UUID]decimal.Decimal
	markedAt  map[uuid.UUID]time.Time
	insertErr error
	itemsErr  error
	decErr    map[uuid.UUID]error
	markErr   map[uuid.UUID]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stock:    map[uuid.UUID]int{},
		splits:   map[uuid.UUID]decimal.Decimal{},
		markedAt: map[uuid.UUID]time.Time{},
		decErr:   map[uuid.UUID]error{},
		markErr:  map[uuid.UUID]error{},
	}
}

func (f *fakeStore) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeStore) InsertSale(_ context.Context, s sale.Sale) (sale.Sale, error) {
	f.record("insert_sale")
	if f.insertErr != nil {
		return sale.Sale{}, f.insertErr
	}
	f.sales = append(f.sales, s)
	return s, nil
}

func (f *fakeStore) CommissionSplits(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	out := make(map[uuid.UUID]decimal.Decimal, len(ids))
	for _, id := range ids {
		if v, ok := f.splits[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeStore) InsertSaleItems(_ context.Context, items []sale.Item) ([]sale.Item, error) {
	f.record("insert_sale_items")
	if f.itemsErr != nil {
		return nil, f.itemsErr
	}
	f.items = append(f.items, items...)
	return items, nil
}

func (f *fakeStore) DecrementQuantity(_ context.Context, itemID uuid.UUID, qty int) error {
	f.record("decrement:" + itemID.String())
	if err := f.decErr[itemID]; err != nil {
		return err
	}
	f.stock[itemID] -= qty
	return nil
}

func (f *fakeStore) MarkLocalSync(_ context.Context, itemID uuid.UUID, at time.Time) error {
	f.record("mark:" + itemID.String())
	if err := f.markErr[itemID]; err != nil {
		return err
	}
	f.markedAt[itemID] = at
	return nil
}

type fakePusher struct {
	store  *fakeStore
	pushed []inventory.Adjustment
	err    error
}

func (p *fakePusher) PushAdjustment(_ context.Context, adj inventory.Adjustment) error {
	if p.store != nil {
		p.store.record("push:" + adj.ItemID.String())
	}
	if p.err != nil {
		return p.err
	}
	p.pushed = append(p.pushed, adj)
	return nil
}

type memEvents struct {
	topics []string
}

func (m *memEvents) InsertEvent(_ context.Context, ev events.Event) (events.Event, error) {
	m.topics = append(m.topics, ev.Topic)
	return ev, nil
}

var fixedNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func stockItem(t *testing.T, sku string, price string, qty int, syncable bool) inventory.Item {
	t.Helper()
	it := inventory.Item{
		ID:       uuid.New(),
		SKU:      sku,
		Name:     "Item " + sku,
		Category: "Clothing",
		Price:    decimal.RequireFromString(price),
		Quantity: qty,
	}
	if syncable {
		it.SyncEnabled = true
		it.ExternalRef = "gid://shopify/InventoryItem/" + sku
	}
	return it
}

func priced(t *testing.T, lines []pricing.CartLine, method sale.PaymentMethod, tendered string) sale.Request {
	t.Helper()
	totals, _, err := pricing.Totals(lines, nil)
	require.NoError(t, err)
	req := sale.Request{
		Lines:         lines,
		Subtotal:      totals.Subtotal,
		TaxTotal:      totals.TaxTotal,
		Total:         totals.Total,
		PaymentMethod: method,
	}
	if method == sale.Cash {
		req.CashTendered = decimal.RequireFromString(tendered)
		req.ChangeGiven = req.CashTendered.Sub(totals.Total)
	}
	return req
}

func buildLine(t *testing.T, item inventory.Item, qty int) pricing.CartLine {
	t.Helper()
	line, err := pricing.BuildLine(pricing.NewRateTable(0.053), item, qty, nil)
	require.NoError(t, err)
	return line
}

func newService(store *fakeStore, pusher sale.Pusher) *sale.Service {
	return &sale.Service{
		Store:  store,
		Pusher: pusher,
		Now:    func() time.Time { return fixedNow },
	}
}

func TestCompleteCashSale(t *testing.T) {
	store := newFakeStore()
	item := stockItem(t, "A1", "20.00", 5, false)
	store.stock[item.ID] = 5
	bus := &memEvents{}
	svc := newService(store, &fakePusher{})
	svc.Events = &events.Bus{Store: bus}

	out, err := svc.Complete(context.Background(), priced(t, []pricing.CartLine{buildLine(t, item, 3)}, sale.Cash, "100"))
	require.NoError(t, err)
	require.False(t, out.Degraded())
	require.True(t, out.Sale.Total.Equal(decimal.RequireFromString("63.18")))
	require.True(t, out.Sale.ChangeGiven.Equal(decimal.RequireFromString("36.82")))
	require.Len(t, out.Items, 1)
	require.Equal(t, out.Sale.ID, out.Items[0].SaleID)
	require.Equal(t, 2, store.stock[item.ID])
	require.Equal(t, fixedNow, out.Sale.CreatedAt)
	require.Equal(t, []string{events.TopicSaleCompleted}, bus.topics)
}

func TestCompleteRejectsUnderpaidCashBeforeWriting(t *testing.T) {
	store := newFakeStore()
	item := stockItem(t, "A1", "20.00", 5, false)
	svc := newService(store, &fakePusher{})

	req := priced(t, []pricing.CartLine{buildLine(t, item, 3)}, sale.Cash, "50")
	_, err := svc.Complete(context.Background(), req)
	require.ErrorIs(t, err, sale.ErrValidation)
	require.ErrorIs(t, err, sale.ErrInsufficientCash)
	require.Empty(t, store.calls)
}

func TestCompleteValidation(t *testing.T) {
	item := stockItem(t, "A1", "20.00", 5, false)
	line := buildLine(t, item, 1)

	cases := map[string]struct {
		req  sale.Request
		want error
	}{
		"empty cart": {
			req:  sale.Request{PaymentMethod: sale.Card},
			want: sale.ErrEmptyCart,
		},
		"unknown payment method": {
			req:  sale.Request{Lines: []pricing.CartLine{line}, PaymentMethod: "cheque"},
			want: sale.ErrUnknownPaymentMethod,
		},
		"zero quantity": {
			req:  sale.Request{Lines: []pricing.CartLine{{Item: item}}, PaymentMethod: sale.Card},
			want: pricing.ErrInvalidQuantity,
		},
		"negative order discount": {
			req: sale.Request{
				Lines:          []pricing.CartLine{line},
				PaymentMethod:  sale.Card,
				OrderDiscounts: []pricing.Discount{{Kind: pricing.Fixed, Value: decimal.NewFromInt(-1)}},
			},
			want: pricing.ErrNegativeDiscount,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			_, err := newService(store, nil).Complete(context.Background(), tc.req)
			require.ErrorIs(t, err, sale.ErrValidation)
			require.ErrorIs(t, err, tc.want)
			require.Empty(t, store.calls)
		})
	}
}

func TestCompleteSaleInsertFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("connection reset")
	item := stockItem(t, "A1", "20.00", 5, true)
	pusher := &fakePusher{store: store}

	_, err := newService(store, pusher).Complete(context.Background(), priced(t, []pricing.CartLine{buildLine(t, item, 1)}, sale.Card, ""))
	require.Error(t, err)
	require.True(t, sale.IsFatal(err))
	var stepErr *sale.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, sale.StepSale, stepErr.Step)
	require.Empty(t, stepErr.SaleID)
	require.Equal(t, []string{"insert_sale"}, store.calls)
	require.Empty(t, pusher.pushed)
}

func TestCompleteSaleItemsFailureLeavesOrphanSale(t *testing.T) {
	store := newFakeStore()
	store.itemsErr = errors.New("constraint violation")
	item := stockItem(t, "A1", "20.00", 5, true)
	store.stock[item.ID] = 5

	_, err := newService(store, &fakePusher{}).Complete(context.Background(), priced(t, []pricing.CartLine{buildLine(t, item, 2)}, sale.Card, ""))
	require.True(t, sale.IsFatal(err))
	var stepErr *sale.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, sale.StepSaleItems, stepErr.Step)

	require.Len(t, store.sales, 1)
	require.Equal(t, store.sales[0].ID.String(), stepErr.SaleID)
	require.Empty(t, store.items)
	require.Equal(t, 5, store.stock[item.ID])
}

func TestCompleteInventoryFailureIsNonFatal(t *testing.T) {
	store := newFakeStore()
	a := stockItem(t, "A1", "10.00", 5, false)
	b := stockItem(t, "B1", "12.00", 5, false)
	c := stockItem(t, "C1", "14.00", 5, false)
	for _, it := range []inventory.Item{a, b, c} {
		store.stock[it.ID] = 5
	}
	store.decErr[b.ID] = errors.New("deadlock detected")

	lines := []pricing.CartLine{buildLine(t, a, 1), buildLine(t, b, 1), buildLine(t, c, 1)}
	out, err := newService(store, nil).Complete(context.Background(), priced(t, lines, sale.Card, ""))
	require.NoError(t, err)
	require.True(t, out.Degraded())
	require.Len(t, out.Items, 3)
	require.Len(t, out.InventoryFailures, 1)
	require.Equal(t, b.ID, out.InventoryFailures[0].ItemID)
	require.Equal(t, 4, store.stock[a.ID])
	require.Equal(t, 5, store.stock[b.ID])
	require.Equal(t, 4, store.stock[c.ID])
}

func TestCompleteMarksLocalSyncBeforePush(t *testing.T) {
	store := newFakeStore()
	synced := stockItem(t, "S1", "15.00", 5, true)
	local := stockItem(t, "L1", "15.00", 5, false)
	pusher := &fakePusher{store: store}

	lines := []pricing.CartLine{buildLine(t, synced, 2), buildLine(t, local, 1)}
	out, err := newService(store, pusher).Complete(context.Background(), priced(t, lines, sale.Card, ""))
	require.NoError(t, err)
	require.False(t, out.Degraded())

	markIdx, pushIdx := -1, -1
	for i, c := range store.calls {
		switch c {
		case "mark:" + synced.ID.String():
			markIdx = i
		case "push:" + synced.ID.String():
			pushIdx = i
		case "mark:" + local.ID.String(), "push:" + local.ID.String():
			t.Fatalf("unsynced item reached the storefront path: %s", c)
		}
	}
	require.GreaterOrEqual(t, markIdx, 0)
	require.Greater(t, pushIdx, markIdx)

	require.Len(t, pusher.pushed, 1)
	adj := pusher.pushed[0]
	require.Equal(t, -2, adj.Delta)
	require.Equal(t, inventory.SourceLocal, adj.Origin)
	require.Equal(t, fixedNow, adj.OriginatedAt)
	require.Equal(t, synced.ExternalRef, adj.ExternalRef)
	require.Equal(t, fmt.Sprintf("%s:0", out.Sale.ID), adj.IdempotencyKey)
	require.Equal(t, fixedNow, store.markedAt[synced.ID])
}

func TestCompleteSkipsPushWhenMarkerFails(t *testing.T) {
	store := newFakeStore()
	item := stockItem(t, "S1", "15.00", 5, true)
	store.markErr[item.ID] = errors.New("timeout")
	pusher := &fakePusher{store: store}

	out, err := newService(store, pusher).Complete(context.Background(), priced(t, []pricing.CartLine{buildLine(t, item, 1)}, sale.Card, ""))
	require.NoError(t, err)
	require.Len(t, out.SyncFailures, 1)
	require.Empty(t, pusher.pushed)
}

func TestCompletePushFailureIsNonFatal(t *testing.T) {
	store := newFakeStore()
	item := stockItem(t, "S1", "15.00", 5, true)
	store.stock[item.ID] = 5
	bus := &memEvents{}
	svc := newService(store, &fakePusher{err: errors.New("storefront unavailable")})
	svc.Events = &events.Bus{Store: bus}

	out, err := svc.Complete(context.Background(), priced(t, []pricing.CartLine{buildLine(t, item, 1)}, sale.Card, ""))
	require.NoError(t, err)
	require.Len(t, out.SyncFailures, 1)
	require.Equal(t, "storefront unavailable", out.SyncFailures[0].Message)
	require.Equal(t, 4, store.stock[item.ID])
	require.Equal(t, []string{events.TopicSaleCompleted, events.TopicSaleDegraded}, bus.topics)
}

func TestCompleteTwiceRecordsTwoSales(t *testing.T) {
	store := newFakeStore()
	item := stockItem(t, "A1", "20.00", 10, false)
	store.stock[item.ID] = 10
	svc := newService(store, nil)
	req := priced(t, []pricing.CartLine{buildLine(t, item, 2)}, sale.Card, "")

	first, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, first.Sale.ID, second.Sale.ID)
	require.Len(t, store.sales, 2)
	require.Equal(t, 6, store.stock[item.ID])
}

func TestCompleteSnapshotsDiscountAndCommission(t *testing.T) {
	store := newFakeStore()
	consignor := uuid.New()
	store.splits[consignor] = decimal.RequireFromString("0.60")
	item := stockItem(t, "C1", "40.00", 1, false)
	item.ConsignorID = &consignor
	item.VariantLabel = "Large"

	line, err := pricing.BuildLine(pricing.NewRateTable(0), item, 1, &pricing.Discount{Kind: pricing.Percentage, Value: decimal.NewFromInt(25), Reason: "damaged"})
	require.NoError(t, err)
	req := priced(t, []pricing.CartLine{line}, sale.Card, "")
	req.OrderDiscounts = []pricing.Discount{{Kind: pricing.Fixed, Value: decimal.NewFromInt(5)}}

	out, err := newService(store, nil).Complete(context.Background(), req)
	require.NoError(t, err)
	got := out.Items[0]
	require.Equal(t, "Item C1 - Large", got.Name)
	require.NotNil(t, got.CommissionSplit)
	require.True(t, got.CommissionSplit.Equal(decimal.RequireFromString("0.60")))
	require.Equal(t, pricing.Percentage, *got.DiscountKind)
	require.True(t, got.DiscountAmount.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "damaged", got.DiscountReason)
	require.Len(t, out.Sale.OrderDiscounts, 1)
	require.True(t, out.Sale.OrderDiscounts[0].CalculatedAmount.Equal(decimal.NewFromInt(5)))
	require.True(t, out.Sale.DiscountTotal.Equal(decimal.NewFromInt(15)))
}
