package sale

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/pricing"
)

// PaymentMethod is how the customer paid.
type PaymentMethod string

const (
	Cash PaymentMethod = "cash"
	Card PaymentMethod = "card"
)

// Sale is a persisted, completed transaction.
type Sale struct {
	ID               uuid.UUID          `json:"id"`
	Subtotal         decimal.Decimal    `json:"subtotal"`
	TaxAmount        decimal.Decimal    `json:"taxAmount"`
	Total            decimal.Decimal    `json:"total"`
	PaymentMethod    PaymentMethod      `json:"paymentMethod"`
	CashTendered     *decimal.Decimal   `json:"cashTendered,omitempty"`
	ChangeGiven      *decimal.Decimal   `json:"changeGiven,omitempty"`
	PaymentReference string             `json:"paymentReference,omitempty"`
	CustomerID       *uuid.UUID         `json:"customerId,omitempty"`
	OrderDiscounts   []pricing.Discount `json:"orderDiscounts"`
	DiscountTotal    decimal.Decimal    `json:"discountTotal"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// Item is one persisted sale line. CommissionSplit and the discount fields
// are snapshots taken when the sale was recorded.
type Item struct {
	ID              uuid.UUID             `json:"id"`
	SaleID          uuid.UUID             `json:"saleId"`
	ItemID          uuid.UUID             `json:"itemId"`
	ConsignorID     *uuid.UUID            `json:"consignorId,omitempty"`
	SKU             string                `json:"sku"`
	Name            string                `json:"name"`
	UnitPrice       decimal.Decimal       `json:"unitPrice"`
	Quantity        int                   `json:"quantity"`
	CommissionSplit *decimal.Decimal      `json:"commissionSplit,omitempty"`
	DiscountKind    *pricing.DiscountKind `json:"discountKind,omitempty"`
	DiscountValue   *decimal.Decimal      `json:"discountValue,omitempty"`
	DiscountAmount  *decimal.Decimal      `json:"discountAmount,omitempty"`
	DiscountReason  string                `json:"discountReason,omitempty"`
}

// Store persists sales and applies the stock side effects of a sale.
type Store interface {
	InsertSale(ctx context.Context, s Sale) (Sale, error)
	CommissionSplits(ctx context.Context, consignorIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
	InsertSaleItems(ctx context.Context, items []Item) ([]Item, error)
	DecrementQuantity(ctx context.Context, itemID uuid.UUID, qty int) error
	MarkLocalSync(ctx context.Context, itemID uuid.UUID, at time.Time) error
}

// Pusher forwards stock adjustments to the external storefront.
type Pusher interface {
	PushAdjustment(ctx context.Context, adj inventory.Adjustment) error
}

// ItemLookup loads inventory items for pricing.
type ItemLookup interface {
	ItemsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]inventory.Item, error)
}

// Request carries a priced cart and payment details into Complete.
type Request struct {
	Lines            []pricing.CartLine
	Subtotal         decimal.Decimal
	TaxTotal         decimal.Decimal
	Total            decimal.Decimal
	CashTendered     decimal.Decimal
	ChangeGiven      decimal.Decimal
	CustomerID       *uuid.UUID
	PaymentMethod    PaymentMethod
	PaymentReference string
	OrderDiscounts   []pricing.Discount
}

// LineFailure records a non-fatal failure for one cart line.
type LineFailure struct {
	ItemID  uuid.UUID `json:"itemId"`
	SKU     string    `json:"sku"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Outcome is the result of a completed sale. The sale is final even when
// InventoryFailures or SyncFailures are present.
type Outcome struct {
	Sale              Sale          `json:"sale"`
	Items             []Item        `json:"items"`
	InventoryFailures []LineFailure `json:"inventoryFailures,omitempty"`
	SyncFailures      []LineFailure `json:"syncFailures,omitempty"`
}

// Degraded reports whether any background side effect failed.
func (o Outcome) Degraded() bool {
	return len(o.InventoryFailures) > 0 || len(o.SyncFailures) > 0
}
