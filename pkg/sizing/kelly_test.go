package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeSingleBet_PositiveEdge(t *testing.T) {
	// 60% at even money: Kelly fraction 0.2, below the 0.25 cap.
	stake, err := SizeSingleBet(0.6, 2.0, decimal.NewFromInt(1000), 0.25)
	require.NoError(t, err)
	assert.True(t, stake.Equal(decimal.NewFromInt(200)), "got %s", stake)
}

func TestSizeSingleBet_NoEdge(t *testing.T) {
	// 40% at even money has negative expectation: no bet, not an error.
	stake, err := SizeSingleBet(0.4, 2.0, decimal.NewFromInt(1000), 0.25)
	require.NoError(t, err)
	assert.True(t, stake.IsZero(), "got %s", stake)
}

func TestSizeSingleBet_CappedByMaxFraction(t *testing.T) {
	// Raw Kelly 0.4, capped at 10% of capital.
	stake, err := SizeSingleBet(0.8, 1.5, decimal.NewFromInt(1000), 0.10)
	require.NoError(t, err)
	assert.True(t, stake.Equal(decimal.NewFromInt(100)), "got %s", stake)
}

func TestSizeSingleBet_InvalidParameters(t *testing.T) {
	capital := decimal.NewFromInt(1000)

	tests := []struct {
		name        string
		prob        float64
		odds        float64
		capital     decimal.Decimal
		maxFraction float64
		wantParam   string
	}{
		{"negative probability", -0.1, 2.0, capital, 0.25, "winProbability"},
		{"probability of one", 1.0, 2.0, capital, 0.25, "winProbability"},
		{"even odds are not a payout", 0.6, 1.0, capital, 0.25, "decimalOdds"},
		{"zero capital", 0.6, 2.0, decimal.Zero, 0.25, "availableCapital"},
		{"negative capital", 0.6, 2.0, decimal.NewFromInt(-10), 0.25, "availableCapital"},
		{"zero max fraction", 0.6, 2.0, capital, 0, "maxFraction"},
		{"max fraction above one", 0.6, 2.0, capital, 1.5, "maxFraction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SizeSingleBet(tt.prob, tt.odds, tt.capital, tt.maxFraction)
			require.Error(t, err)

			var perr *InvalidParameterError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantParam, perr.Param)
		})
	}
}

func TestSizeSingleBet_NeverExceedsCap(t *testing.T) {
	capital := decimal.NewFromFloat(1234.56)

	for _, prob := range []float64{0.501, 0.55, 0.6, 0.75, 0.9, 0.99} {
		for _, odds := range []float64{1.5, 1.91, 2.0, 3.5} {
			stake, err := SizeSingleBet(prob, odds, capital, 0.25)
			require.NoError(t, err)

			maxStake := capital.Mul(decimal.NewFromFloat(0.25))
			assert.True(t, stake.GreaterThanOrEqual(decimal.Zero))
			assert.True(t, stake.LessThanOrEqual(maxStake.Round(2)),
				"prob=%v odds=%v stake=%s cap=%s", prob, odds, stake, maxStake)
		}
	}
}

func TestSizeSingleBet_RoundsToCents(t *testing.T) {
	stake, err := SizeSingleBet(0.55, 1.91, decimal.NewFromFloat(873.21), 0.25)
	require.NoError(t, err)
	assert.True(t, stake.Equal(stake.Round(2)), "stake %s not rounded to cents", stake)
}

func TestExpectedValue(t *testing.T) {
	// $200 at 60%/2.0: EV = 200 * (0.6*1 - 0.4) = 40
	ev := ExpectedValue(decimal.NewFromInt(200), 0.6, 2.0)
	assert.True(t, ev.Equal(decimal.NewFromInt(40)), "got %s", ev)
}
