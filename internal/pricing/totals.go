package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CartTotals aggregates a cart. It is recomputed on every request and never stored.
type CartTotals struct {
	Subtotal           Money `json:"subtotal"`
	TaxTotal           Money `json:"taxTotal"`
	Total              Money `json:"total"`
	ItemDiscountTotal  Money `json:"itemDiscountTotal"`
	OrderDiscountTotal Money `json:"orderDiscountTotal"`
	DiscountTotal      Money `json:"discountTotal"`
}

// Totals aggregates lines and order-level discounts. Order discounts are
// applied in sequence, each against the remainder left by the previous one.
// Tax is scaled by finalSubtotal/subtotalAfterItemDiscounts when order
// discounts apply instead of being re-derived per category.
//
// The returned slice holds copies of orderDiscounts with CalculatedAmount
// refreshed (rounded to cents) for persistence.
func Totals(lines []CartLine, orderDiscounts []Discount) (CartTotals, []Discount, error) {
	originalSubtotal := decimal.Zero
	itemDiscountTotal := decimal.Zero
	afterItems := decimal.Zero
	itemTax := decimal.Zero
	for _, l := range lines {
		originalSubtotal = originalSubtotal.Add(l.LineTotal)
		itemDiscountTotal = itemDiscountTotal.Add(l.DiscountAmount())
		afterItems = afterItems.Add(l.DiscountedLineTotal)
		itemTax = itemTax.Add(l.DiscountedTaxAmount)
	}

	applied := make([]Discount, 0, len(orderDiscounts))
	orderDiscountTotal := decimal.Zero
	remainder := afterItems
	for i, d := range orderDiscounts {
		amount, err := DiscountAmount(d.Kind, d.Value, remainder)
		if err != nil {
			return CartTotals{}, nil, fmt.Errorf("order discount %d: %w", i, err)
		}
		orderDiscountTotal = orderDiscountTotal.Add(amount)
		remainder = maxZero(remainder.Sub(amount))
		d.CalculatedAmount = Round2(amount)
		applied = append(applied, d)
	}

	finalSubtotal := maxZero(afterItems.Sub(orderDiscountTotal))
	taxTotal := itemTax
	if orderDiscountTotal.IsPositive() && afterItems.IsPositive() {
		taxTotal = itemTax.Mul(finalSubtotal.Div(afterItems))
	}
	total := finalSubtotal.Add(taxTotal)

	return CartTotals{
		Subtotal:           Round2(originalSubtotal),
		TaxTotal:           Round2(taxTotal),
		Total:              Round2(total),
		ItemDiscountTotal:  Round2(itemDiscountTotal),
		OrderDiscountTotal: Round2(orderDiscountTotal),
		DiscountTotal:      Round2(itemDiscountTotal.Add(orderDiscountTotal)),
	}, applied, nil
}
