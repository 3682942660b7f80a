package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

func testCalculator() *Calculator {
	cfg := config.Config{
		FeeRatePct:       0.015,
		FeeCap:           500,
		FeeFlatThreshold: 100000,
	}
	return NewCalculator(cfg.FeeConfig())
}

func TestFeeZeroAmount(t *testing.T) {
	calc := testCalculator()

	fee, err := calc.Fee(decimal.Zero)
	require.NoError(t, err)
	assert.True(t, fee.IsZero())
}

func TestFeeNegativeAmount(t *testing.T) {
	calc := testCalculator()

	_, err := calc.Fee(decimal.NewFromInt(-1))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestFeeAtThresholdEqualsCap(t *testing.T) {
	calc := testCalculator()

	fee, err := calc.Fee(decimal.NewFromInt(100000))
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.NewFromInt(500)), "got %s", fee)
}

func TestFeeAboveThresholdIsFlatCap(t *testing.T) {
	calc := testCalculator()

	for _, amount := range []int64{100001, 250000, 10_000_000} {
		fee, err := calc.Fee(decimal.NewFromInt(amount))
		require.NoError(t, err)
		assert.True(t, fee.Equal(decimal.NewFromInt(500)), "amount %d: got %s", amount, fee)
	}
}

func TestFeeNeverExceedsCap(t *testing.T) {
	calc := testCalculator()
	cap := decimal.NewFromInt(500)

	for amount := int64(100); amount <= 100000; amount += 97 {
		fee, err := calc.Fee(decimal.NewFromInt(amount))
		require.NoError(t, err)
		assert.True(t, fee.LessThanOrEqual(cap), "amount %d: fee %s exceeds cap", amount, fee)
	}
}

func TestFeeMonotonic(t *testing.T) {
	calc := testCalculator()

	prev := decimal.Zero
	for amount := int64(0); amount <= 120000; amount += 500 {
		fee, err := calc.Fee(decimal.NewFromInt(amount))
		require.NoError(t, err)
		assert.True(t, fee.GreaterThanOrEqual(prev),
			"amount %d: fee %s dropped below previous %s", amount, fee, prev)
		prev = fee
	}
}

func TestFeeSmallAmountNearZeroPercentage(t *testing.T) {
	calc := testCalculator()

	// The decay curve starts at the configured base rate, so a small
	// amount pays roughly rate*amount.
	fee, err := calc.Fee(decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, fee.GreaterThan(decimal.NewFromFloat(1.0)), "got %s", fee)
	assert.True(t, fee.LessThan(decimal.NewFromFloat(1.51)), "got %s", fee)
}

func TestFeeRoundedToTwoPlaces(t *testing.T) {
	calc := testCalculator()

	fee, err := calc.Fee(decimal.NewFromFloat(333.33))
	require.NoError(t, err)
	assert.Equal(t, int32(-2), fee.Exponent())
}
