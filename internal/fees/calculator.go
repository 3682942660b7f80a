// Package fees computes transaction charges. The fee is a capped,
// amount-decaying percentage: below the flat threshold the effective
// percentage follows an exponential decay curve calibrated so that
// fee(threshold) == cap, and at or above the threshold the fee is the
// flat cap.
package fees

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

type Calculator struct {
	ratePct   decimal.Decimal
	cap       decimal.Decimal
	threshold decimal.Decimal
	decayRate float64
}

// NewCalculator takes the decay rate as a precomputed immutable
// parameter; it is derived once at configuration-load time.
func NewCalculator(cfg config.FeeConfig) *Calculator {
	decay, _ := cfg.DecayRate.Float64()
	return &Calculator{
		ratePct:   cfg.RatePct,
		cap:       cfg.Cap,
		threshold: cfg.Threshold,
		decayRate: decay,
	}
}

// Fee returns the charge for the given amount, rounded to 2 decimal
// places with banker's rounding. It never exceeds the cap.
func (c *Calculator) Fee(amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("Fee: %w", domain.ErrInvalidAmount)
	}
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.GreaterThanOrEqual(c.threshold) {
		return c.cap, nil
	}

	amt, _ := amount.Float64()
	effectivePct := c.ratePct.Mul(decimal.NewFromFloat(math.Exp(-c.decayRate * amt)))

	fee := amount.Mul(effectivePct)
	if fee.GreaterThan(c.cap) {
		fee = c.cap
	}
	return fee.RoundBank(2), nil
}
