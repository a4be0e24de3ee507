// Package artifact defines the file contracts between pipeline stages.
//
// Each stage writes a named artifact that the next stage reads. Readers
// validate eagerly and fail fast on malformed rows rather than substituting
// defaults, so a schema drift upstream surfaces as a stage failure instead
// of a silent bad allocation.
package artifact

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dugoutlabs/linedrive/pkg/sizing"
)

// Predictions CSV column headers, as written by the model-inference stage.
const (
	colAwayTeam = "Away Team"
	colHomeTeam = "Home Team"
	colWinProb  = "Win Probability"
)

// PredictionRow is one game's model output: the home side's win probability.
type PredictionRow struct {
	AwayTeam           string
	HomeTeam           string
	HomeWinProbability float64
}

// MatchupKey returns a normalized "away@home" key used to match rows across
// artifacts regardless of accenting and spacing differences.
func (r PredictionRow) MatchupKey() string {
	return NormalizeTeamName(r.AwayTeam) + "@" + NormalizeTeamName(r.HomeTeam)
}

// Candidate converts the row into an allocator candidate.
func (r PredictionRow) Candidate() sizing.Candidate {
	return sizing.Candidate{
		AwayTeam:       r.AwayTeam,
		HomeTeam:       r.HomeTeam,
		WinProbability: r.HomeWinProbability,
	}
}

// ReadPredictions parses the predictions artifact produced by the
// model-inference stage. Any malformed row aborts the read.
func ReadPredictions(path string) ([]PredictionRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open predictions artifact: %w", err)
	}
	defer f.Close()

	rows, err := parsePredictions(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}

func parsePredictions(r io.Reader) ([]PredictionRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty predictions file")
	}
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{colAwayTeam, colHomeTeam, colWinProb} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var rows []PredictionRow
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		away := strings.TrimSpace(record[idx[colAwayTeam]])
		home := strings.TrimSpace(record[idx[colHomeTeam]])
		if away == "" || home == "" {
			return nil, fmt.Errorf("line %d: empty team name", line)
		}

		prob, err := strconv.ParseFloat(strings.TrimSpace(record[idx[colWinProb]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad win probability: %w", line, err)
		}
		if prob <= 0 || prob >= 1 {
			return nil, fmt.Errorf("line %d: win probability %v outside (0,1)", line, prob)
		}

		rows = append(rows, PredictionRow{
			AwayTeam:           away,
			HomeTeam:           home,
			HomeWinProbability: prob,
		})
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("predictions file has a header but no rows")
	}
	return rows, nil
}

// NormalizeTeamName lowercases, strips accents and collapses whitespace so
// team names compare stably across data sources.
func NormalizeTeamName(name string) string {
	name = strings.ToLower(name)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	name, _, _ = transform.String(t, name)

	return strings.Join(strings.Fields(name), " ")
}
