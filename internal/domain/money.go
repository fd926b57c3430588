package domain

import (
	"github.com/shopspring/decimal"
)

// Monetary amounts are carried as BIGINT micros (10^-6 units) end to end.
// A whole micro is exactly six fractional digits of the unit, so rounding
// rate products to whole micros keeps repeated commission math drift-free.

const microsPerUnit = 1_000_000

// ToDecimal converts int64 micros to a decimal amount in units.
func ToDecimal(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(decimal.NewFromInt(microsPerUnit))
}

// FromDecimal converts a decimal amount in units to int64 micros,
// rounding half away from zero at the sixth fractional digit.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(microsPerUnit)).Round(0).IntPart()
}

// ApplyRate multiplies an amount in micros by a rate and rounds the
// result to whole micros. Used for commission and referral splits.
func ApplyRate(micros int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(micros).Mul(rate).Round(0).IntPart()
}

// FormatMicros renders micros as a fixed two-digit unit string for logs.
func FormatMicros(micros int64) string {
	return ToDecimal(micros).StringFixed(2)
}
