// Package sizing implements Kelly criterion bet sizing against a shared bankroll.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InvalidParameterError reports a sizing precondition violation.
// It always indicates a caller bug and is never retried.
type InvalidParameterError struct {
	Param  string
	Value  float64
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s=%v: %s", e.Param, e.Value, e.Reason)
}

// SizeSingleBet computes the optimal stake for one bet using the Kelly
// criterion with a fractional cap.
//
// The Kelly formula for simple payouts:
//
//	f* = (b*p - q) / b
//
// where b = decimalOdds - 1 (net odds), p = winProbability and q = 1 - p.
// A non-positive Kelly fraction means no edge: the stake is zero and that is
// not an error. A positive fraction is capped at maxFraction before being
// applied to availableCapital, and the result is rounded to cents.
func SizeSingleBet(winProbability, decimalOdds float64, availableCapital decimal.Decimal, maxFraction float64) (decimal.Decimal, error) {
	if winProbability <= 0 || winProbability >= 1 {
		return decimal.Zero, &InvalidParameterError{
			Param: "winProbability", Value: winProbability,
			Reason: "must be strictly between 0 and 1",
		}
	}
	if decimalOdds <= 1 {
		return decimal.Zero, &InvalidParameterError{
			Param: "decimalOdds", Value: decimalOdds,
			Reason: "must be greater than 1",
		}
	}
	if !availableCapital.IsPositive() {
		return decimal.Zero, &InvalidParameterError{
			Param: "availableCapital", Value: availableCapital.InexactFloat64(),
			Reason: "must be positive",
		}
	}
	if maxFraction <= 0 || maxFraction > 1 {
		return decimal.Zero, &InvalidParameterError{
			Param: "maxFraction", Value: maxFraction,
			Reason: "must be in (0, 1]",
		}
	}

	netOdds := decimalOdds - 1
	loseProbability := 1 - winProbability

	kellyFraction := (netOdds*winProbability - loseProbability) / netOdds
	if kellyFraction <= 0 {
		// Negative expected value: no bet.
		return decimal.Zero, nil
	}

	appliedFraction := kellyFraction
	if appliedFraction > maxFraction {
		appliedFraction = maxFraction
	}

	stake := availableCapital.Mul(decimal.NewFromFloat(appliedFraction))

	// Clamp into [0, capital*maxFraction] to absorb floating-point drift.
	maxStake := availableCapital.Mul(decimal.NewFromFloat(maxFraction))
	if stake.GreaterThan(maxStake) {
		stake = maxStake
	}
	if stake.IsNegative() {
		stake = decimal.Zero
	}

	return stake.Round(2), nil
}

// KellyFraction returns the uncapped Kelly fraction for the given estimate.
// Callers that only need the stake should use SizeSingleBet.
func KellyFraction(winProbability, decimalOdds float64) float64 {
	netOdds := decimalOdds - 1
	return (netOdds*winProbability - (1 - winProbability)) / netOdds
}

// ExpectedValue returns stake * (p*(odds-1) - (1-p)).
func ExpectedValue(stake decimal.Decimal, winProbability, decimalOdds float64) decimal.Decimal {
	perUnit := winProbability*(decimalOdds-1) - (1 - winProbability)
	return stake.Mul(decimal.NewFromFloat(perUnit)).Round(2)
}
