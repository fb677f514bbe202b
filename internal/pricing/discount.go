package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeDiscount is returned when a discount value is below zero.
	ErrNegativeDiscount = errors.New("discount value must not be negative")
	// ErrUnknownDiscountKind is returned for discount kinds other than percentage or fixed.
	ErrUnknownDiscountKind = errors.New("unknown discount kind")
)

// DiscountKind selects how a discount value is interpreted.
type DiscountKind string

const (
	// Percentage discounts take Value percent of the base.
	Percentage DiscountKind = "percentage"
	// Fixed discounts take Value currency units off the base.
	Fixed DiscountKind = "fixed"
)

// ParseDiscountKind accepts the canonical names plus the aliases used by the
// register UI.
func ParseDiscountKind(raw string) (DiscountKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "percentage", "percent", "pct":
		return Percentage, nil
	case "fixed", "fixed_amount", "amount":
		return Fixed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDiscountKind, raw)
	}
}

// Discount is an item-level or order-level discount. CalculatedAmount is
// output only: it is overwritten every time the discount is priced.
type Discount struct {
	Kind             DiscountKind `json:"kind"`
	Value            Money        `json:"value"`
	Reason           string       `json:"reason,omitempty"`
	CalculatedAmount Money        `json:"calculatedAmount"`
}

// Validate checks the discount can be priced.
func (d Discount) Validate() error {
	if d.Value.IsNegative() {
		return ErrNegativeDiscount
	}
	switch d.Kind {
	case Percentage, Fixed:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDiscountKind, d.Kind)
	}
}

// DiscountAmount computes the monetary amount of a discount against base.
// The result never exceeds base and is not rounded.
func DiscountAmount(kind DiscountKind, value, base Money) (Money, error) {
	if kind != Percentage && kind != Fixed {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownDiscountKind, kind)
	}
	if value.IsNegative() {
		return decimal.Zero, ErrNegativeDiscount
	}
	if !base.IsPositive() {
		return decimal.Zero, nil
	}
	if kind == Percentage {
		return minMoney(base.Mul(value).Div(hundred), base), nil
	}
	return minMoney(value, base), nil
}
