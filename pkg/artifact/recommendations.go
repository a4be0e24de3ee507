package artifact

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dugoutlabs/linedrive/pkg/sizing"
)

// Recommendations is the pipeline's terminal artifact: every allocation
// decision plus the run-level capital summary.
type Recommendations struct {
	TargetDate         string            `json:"target_date"`
	GeneratedAt        time.Time         `json:"generated_at"`
	Bankroll           decimal.Decimal   `json:"bankroll"`
	TotalStaked        decimal.Decimal   `json:"total_staked"`
	UtilizationPercent decimal.Decimal   `json:"bankroll_utilization_percent"`
	Decisions          []sizing.Decision `json:"decisions"`
}

// FromLedger builds the terminal artifact from an allocation pass.
func FromLedger(ledger *sizing.Ledger, targetDate string, now time.Time) *Recommendations {
	return &Recommendations{
		TargetDate:         targetDate,
		GeneratedAt:        now,
		Bankroll:           ledger.Bankroll,
		TotalStaked:        ledger.TotalStaked(),
		UtilizationPercent: ledger.UtilizationPercent(),
		Decisions:          ledger.Decisions,
	}
}

// PredictionsFilename returns the artifact name the model-inference stage
// writes for a target date.
func PredictionsFilename(targetDate string) string {
	return fmt.Sprintf("readable_win_predictions_for_%s.csv", targetDate)
}

// RecommendationsFilename stamps the terminal artifact with date and time so
// re-runs never collide.
func RecommendationsFilename(targetDate string, now time.Time) string {
	return fmt.Sprintf("kelly_predictions_%s_%s.csv", targetDate, now.Format("1504"))
}

// SummaryFilename is the run-level JSON written next to the decisions CSV.
func SummaryFilename(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + "_summary.json"
}

var recommendationHeader = []string{
	"matchup", "side_to_back", "win_probability", "decimal_odds",
	"stake_amount", "expected_value", "has_edge", "note",
}

// Write persists the decisions CSV and the summary JSON. The CSV path is the
// artifact the publication stage consumes.
func (r *Recommendations) Write(csvPath string) error {
	f, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("create recommendations artifact: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(recommendationHeader); err != nil {
		return err
	}
	for _, d := range r.Decisions {
		record := []string{
			d.Matchup,
			d.SideToBack,
			strconv.FormatFloat(d.WinProbability, 'f', 4, 64),
			strconv.FormatFloat(d.DecimalOdds, 'f', 2, 64),
			d.Stake.StringFixed(2),
			d.ExpectedValue.StringFixed(2),
			strconv.FormatBool(d.HasEdge),
			d.Note,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write recommendations artifact: %w", err)
	}

	summary, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(SummaryFilename(csvPath), summary, 0o644)
}

// ReadRecommendations loads a terminal artifact back from its summary JSON.
func ReadRecommendations(csvPath string) (*Recommendations, error) {
	data, err := os.ReadFile(SummaryFilename(csvPath))
	if err != nil {
		return nil, fmt.Errorf("open recommendations summary: %w", err)
	}
	var r Recommendations
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse recommendations summary: %w", err)
	}
	return &r, nil
}

// ReadDecisionsCSV parses just the decisions table, used when only the CSV
// survived (the summary JSON is a convenience, the CSV is the contract).
func ReadDecisionsCSV(csvPath string) ([]sizing.Decision, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("open recommendations artifact: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read recommendations header: %w", err)
	}
	if len(header) != len(recommendationHeader) {
		return nil, fmt.Errorf("unexpected recommendations header %v", header)
	}

	var decisions []sizing.Decision
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		prob, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("bad win probability %q: %w", record[2], err)
		}
		odds, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			return nil, fmt.Errorf("bad odds %q: %w", record[3], err)
		}
		stake, err := decimal.NewFromString(record[4])
		if err != nil {
			return nil, fmt.Errorf("bad stake %q: %w", record[4], err)
		}
		ev, err := decimal.NewFromString(record[5])
		if err != nil {
			return nil, fmt.Errorf("bad expected value %q: %w", record[5], err)
		}
		hasEdge, err := strconv.ParseBool(record[6])
		if err != nil {
			return nil, fmt.Errorf("bad has_edge %q: %w", record[6], err)
		}

		decisions = append(decisions, sizing.Decision{
			Matchup:        record[0],
			SideToBack:     record[1],
			WinProbability: prob,
			DecimalOdds:    odds,
			Stake:          stake,
			ExpectedValue:  ev,
			HasEdge:        hasEdge,
			Note:           record[7],
		})
	}
	return decisions, nil
}
