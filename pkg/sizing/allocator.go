package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Candidate is one wagering opportunity considered by the allocator.
// WinProbability is the model's estimate for the home side; the allocator
// decides which side to back from it.
type Candidate struct {
	MatchupID      string  `json:"matchup_id"`
	AwayTeam       string  `json:"away_team"`
	HomeTeam       string  `json:"home_team"`
	WinProbability float64 `json:"win_probability"` // home side, in (0,1)
	DecimalOdds    float64 `json:"decimal_odds"`    // 0 means use the configured default
}

// Matchup returns the display form "Away @ Home".
func (c Candidate) Matchup() string {
	if c.MatchupID != "" {
		return c.MatchupID
	}
	return fmt.Sprintf("%s @ %s", c.AwayTeam, c.HomeTeam)
}

// Decision is the allocator's output for one candidate. Candidates that
// produced no stake are still recorded so callers can distinguish
// "considered, no edge" from "not considered".
type Decision struct {
	Matchup        string          `json:"matchup"`
	SideToBack     string          `json:"side_to_back"`
	WinProbability float64         `json:"win_probability"` // backed side
	DecimalOdds    float64         `json:"decimal_odds"`
	Stake          decimal.Decimal `json:"stake_amount"`
	ExpectedValue  decimal.Decimal `json:"expected_value"`
	HasEdge        bool            `json:"has_edge"`
	Note           string          `json:"note,omitempty"` // diagnostic for skips and failures
}

// Config holds allocator tuning. The defaults mirror a -110 American line
// with quarter-Kelly capping.
type Config struct {
	DefaultOdds        float64 // decimal odds used when a candidate carries none
	MaxFraction        float64 // max fraction of remaining capital per bet
	MinEdgeProbability float64 // minimum backed-side probability to consider a bet
}

// DefaultConfig returns the standard allocator configuration.
func DefaultConfig() Config {
	return Config{
		DefaultOdds:        1.91,
		MaxFraction:        0.25,
		MinEdgeProbability: 0.53,
	}
}

// Ledger is the result of one allocation pass: every decision plus the
// bankroll it was drawn from. Invariant: TotalStaked() never exceeds
// Bankroll, because each sizing call sees only the remaining capital.
type Ledger struct {
	Bankroll  decimal.Decimal `json:"bankroll"`
	Decisions []Decision      `json:"decisions"`
}

// TotalStaked returns the sum of all committed stakes.
func (l *Ledger) TotalStaked() decimal.Decimal {
	total := decimal.Zero
	for _, d := range l.Decisions {
		total = total.Add(d.Stake)
	}
	return total
}

// Remaining returns the uncommitted bankroll.
func (l *Ledger) Remaining() decimal.Decimal {
	return l.Bankroll.Sub(l.TotalStaked())
}

// UtilizationPercent returns total staked as a percentage of the bankroll.
func (l *Ledger) UtilizationPercent() decimal.Decimal {
	if l.Bankroll.IsZero() {
		return decimal.Zero
	}
	return l.TotalStaked().Div(l.Bankroll).Mul(decimal.NewFromInt(100)).Round(2)
}

// BetsRecommended returns the number of decisions with a positive stake.
func (l *Ledger) BetsRecommended() int {
	n := 0
	for _, d := range l.Decisions {
		if d.Stake.IsPositive() {
			n++
		}
	}
	return n
}

// Allocate sizes every candidate sequentially against one shrinking bankroll.
//
// Candidates are processed in the order supplied by the caller; reordering
// the list changes individual stakes because each call sees only the capital
// not yet committed to earlier candidates. A candidate whose sizing fails is
// recorded with a zero stake and a diagnostic note, and the pass continues
// with the same remaining-capital state.
func Allocate(candidates []Candidate, bankroll decimal.Decimal, cfg Config) *Ledger {
	ledger := &Ledger{
		Bankroll:  bankroll,
		Decisions: make([]Decision, 0, len(candidates)),
	}

	committed := decimal.Zero
	for _, c := range candidates {
		odds := c.DecimalOdds
		if odds == 0 {
			odds = cfg.DefaultOdds
		}

		side, backedProb := pickSide(c)
		d := Decision{
			Matchup:        c.Matchup(),
			SideToBack:     side,
			WinProbability: backedProb,
			DecimalOdds:    odds,
			Stake:          decimal.Zero,
			ExpectedValue:  decimal.Zero,
		}

		if backedProb <= cfg.MinEdgeProbability {
			d.Note = fmt.Sprintf("below edge threshold %.2f", cfg.MinEdgeProbability)
			ledger.Decisions = append(ledger.Decisions, d)
			continue
		}

		remaining := bankroll.Sub(committed)
		stake, err := SizeSingleBet(backedProb, odds, remaining, cfg.MaxFraction)
		if err != nil {
			// One bad candidate must not abort the batch.
			d.Note = err.Error()
			ledger.Decisions = append(ledger.Decisions, d)
			continue
		}

		d.Stake = stake
		d.HasEdge = KellyFraction(backedProb, odds) > 0
		if stake.IsPositive() {
			d.ExpectedValue = ExpectedValue(stake, backedProb, odds)
			committed = committed.Add(stake)
		}
		ledger.Decisions = append(ledger.Decisions, d)
	}

	return ledger
}

// pickSide backs the home team when its win probability exceeds 0.5,
// otherwise the away team with the complementary probability.
func pickSide(c Candidate) (side string, prob float64) {
	if c.WinProbability > 0.5 {
		return c.HomeTeam, c.WinProbability
	}
	return c.AwayTeam, 1 - c.WinProbability
}
