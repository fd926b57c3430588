package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToDecimal(t *testing.T) {
	d := ToDecimal(10_500_000) // 10.50
	assert.Equal(t, "10.5", d.String())
}

func TestFromDecimal(t *testing.T) {
	d := decimal.NewFromFloat(10.50)
	assert.Equal(t, int64(10_500_000), FromDecimal(d))
}

func TestFromDecimal_RoundsSubMicro(t *testing.T) {
	// 0.0000005 units is half a micro and rounds away from zero.
	d := decimal.RequireFromString("0.0000005")
	assert.Equal(t, int64(1), FromDecimal(d))
}

func TestApplyRate_Commission(t *testing.T) {
	// $10.00 at 1% -> $0.10
	rate := decimal.NewFromFloat(0.01)
	assert.Equal(t, int64(100_000), ApplyRate(10_000_000, rate))
}

func TestApplyRate_ReferralSplit(t *testing.T) {
	// $50.00 at 1% -> $0.50 commission; 15% of that -> $0.075,
	// representable exactly as 75,000 micros.
	commission := ApplyRate(50_000_000, decimal.NewFromFloat(0.01))
	assert.Equal(t, int64(500_000), commission)

	referral := ApplyRate(commission, decimal.NewFromFloat(0.15))
	assert.Equal(t, int64(75_000), referral)
}

func TestApplyRate_RoundsToWholeMicros(t *testing.T) {
	// 33 micros at 1% is 0.33 micros, rounded to 0.
	rate := decimal.NewFromFloat(0.01)
	assert.Equal(t, int64(0), ApplyRate(33, rate))
	// 55 micros at 1% is 0.55 micros, rounded to 1.
	assert.Equal(t, int64(1), ApplyRate(55, rate))
}

func TestFormatMicros(t *testing.T) {
	assert.Equal(t, "9.90", FormatMicros(9_900_000))
}
