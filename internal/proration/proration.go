// Package proration computes the mid-cycle true-up when a subscription
// changes tier. Compute is deterministic and side-effect free; the
// subscription service persists the resulting event and applies the
// credit allocation.
package proration

import (
	"errors"
	"time"
)

// Input describes the tier change being priced. Money is in integer
// cents.
type Input struct {
	FromTierPriceCents   int64
	ToTierPriceCents     int64
	ToTierMonthlyCredits int64
	PeriodStart          time.Time
	PeriodEnd            time.Time
	Now                  time.Time
}

// Result is the priced true-up. NetChargeCents is positive on upgrade
// (charge the user) and negative on downgrade (credit the user).
type Result struct {
	DaysRemaining            int64
	DaysInCycle              int64
	UnusedCreditValueCents   int64
	NewTierProratedCostCents int64
	NetChargeCents           int64
	ProratedCreditAllocation int64
}

var (
	ErrInvalidPeriod  = errors.New("invalid_billing_period")
	ErrOutsidePeriod  = errors.New("now_outside_billing_period")
	ErrNegativePrice  = errors.New("negative_tier_price")
	ErrInvalidCredits = errors.New("negative_tier_credits")
)

// Compute prices the remainder of the current cycle on both tiers.
// Monetary amounts round half-up to whole cents; the prorated credit
// grant rounds half-up to a whole credit.
func Compute(in Input) (Result, error) {
	if !in.PeriodEnd.After(in.PeriodStart) {
		return Result{}, ErrInvalidPeriod
	}
	if in.Now.Before(in.PeriodStart) || in.Now.After(in.PeriodEnd) {
		return Result{}, ErrOutsidePeriod
	}
	if in.FromTierPriceCents < 0 || in.ToTierPriceCents < 0 {
		return Result{}, ErrNegativePrice
	}
	if in.ToTierMonthlyCredits < 0 {
		return Result{}, ErrInvalidCredits
	}

	daysInCycle := daysBetween(in.PeriodStart, in.PeriodEnd)
	if daysInCycle == 0 {
		daysInCycle = 1
	}
	daysRemaining := daysBetween(in.Now, in.PeriodEnd)
	if daysRemaining > daysInCycle {
		daysRemaining = daysInCycle
	}

	unused := roundHalfUp(in.FromTierPriceCents*daysRemaining, daysInCycle)
	newCost := roundHalfUp(in.ToTierPriceCents*daysRemaining, daysInCycle)

	return Result{
		DaysRemaining:            daysRemaining,
		DaysInCycle:              daysInCycle,
		UnusedCreditValueCents:   unused,
		NewTierProratedCostCents: newCost,
		NetChargeCents:           newCost - unused,
		ProratedCreditAllocation: roundHalfUp(in.ToTierMonthlyCredits*daysRemaining, daysInCycle),
	}, nil
}

func daysBetween(start, end time.Time) int64 {
	if end.Before(start) {
		return 0
	}
	return int64(end.Sub(start) / (24 * time.Hour))
}

// roundHalfUp divides num by den rounding half away from zero. Inputs
// are non-negative.
func roundHalfUp(num, den int64) int64 {
	return (2*num + den) / (2 * den)
}
