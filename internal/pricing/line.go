package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/ravenpos/internal/inventory"
)

// ErrInvalidQuantity is returned when a cart line quantity is below one.
var ErrInvalidQuantity = errors.New("quantity must be at least 1")

// CartLine is one priced item in an in-progress sale. Lines are values:
// changing quantity or discount means building a new line.
type CartLine struct {
	Item                inventory.Item `json:"item"`
	Quantity            int            `json:"quantity"`
	LineTotal           Money          `json:"lineTotal"`
	TaxAmount           Money          `json:"taxAmount"`
	Discount            *Discount      `json:"discount,omitempty"`
	DiscountedLineTotal Money          `json:"discountedLineTotal"`
	DiscountedTaxAmount Money          `json:"discountedTaxAmount"`
}

// DiscountAmount returns the line's calculated discount or zero.
func (l CartLine) DiscountAmount() Money {
	if l.Discount == nil {
		return decimal.Zero
	}
	return l.Discount.CalculatedAmount
}

// BuildLine prices item at quantity with an optional discount. Stock levels
// are not checked here; that policy belongs to the caller.
func BuildLine(rates RateProvider, item inventory.Item, quantity int, discount *Discount) (CartLine, error) {
	if quantity < 1 {
		return CartLine{}, ErrInvalidQuantity
	}
	rate := decimal.Zero
	if rates != nil {
		rate = decimal.NewFromFloat(rates.RateFor(item.Category))
	}

	lineTotal := Round2(item.Price.Mul(decimal.NewFromInt(int64(quantity))))
	line := CartLine{
		Item:                item,
		Quantity:            quantity,
		LineTotal:           lineTotal,
		TaxAmount:           Round2(lineTotal.Mul(rate)),
		DiscountedLineTotal: lineTotal,
	}

	if discount != nil {
		amount, err := DiscountAmount(discount.Kind, discount.Value, lineTotal)
		if err != nil {
			return CartLine{}, fmt.Errorf("item %s discount: %w", item.SKU, err)
		}
		refreshed := *discount
		refreshed.CalculatedAmount = Round2(amount)
		line.Discount = &refreshed
		line.DiscountedLineTotal = Round2(maxZero(lineTotal.Sub(refreshed.CalculatedAmount)))
	}
	line.DiscountedTaxAmount = Round2(line.DiscountedLineTotal.Mul(rate))
	return line, nil
}
