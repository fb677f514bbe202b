package pricing

import "github.com/shopspring/decimal"

// Money is a decimal currency amount.
type Money = decimal.Decimal

var hundred = decimal.NewFromInt(100)

// Round2 rounds half away from zero to cents. Amounts in the engine are never
// negative, so this is half-up rounding.
func Round2(v Money) Money {
	return v.Round(2)
}

func maxZero(v Money) Money {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func minMoney(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}
