// Package money defines the monetary representation shared by the ledger,
// purchase orders and invoices. Amounts are fixed-point decimals, not floats,
// so repeated commit/release cycles do not accumulate binary rounding drift.
package money

import "github.com/shopspring/decimal"

// Scale is the number of decimal places persisted for monetary amounts.
const Scale = 2

// Epsilon bounds the acceptable residue when a parent-level delta is split
// proportionally across line items. Per-item rounding is deliberately left
// uncorrected, so the sum of the shares may differ from the delta by up to
// this tolerance.
var Epsilon = decimal.New(1, -6)

// Zero is the zero amount.
var Zero = decimal.Zero

// FromFloat converts a float input (form fields, JSON numbers) into a
// decimal amount rounded to the persisted scale.
func FromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(Scale)
}

// Round normalises an amount to the persisted scale.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Percent applies a percentage rate to a base amount: rate 21 means 21%.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(decimal.NewFromInt(100)).Round(Scale)
}

// WithinEpsilon reports whether two amounts agree within Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
