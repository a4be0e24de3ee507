// Package store persists terminal pipeline runs to SQLite. The registry's
// in-memory history is bounded; this is the durable journal behind it.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/dugoutlabs/linedrive/pkg/pipeline/run"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/stage"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id          TEXT PRIMARY KEY,
    target_date     TEXT NOT NULL,
    bankroll        TEXT NOT NULL,
    overall_status  TEXT NOT NULL,
    failure         TEXT NOT NULL DEFAULT '',
    triggered_at    DATETIME NOT NULL,
    finished_at     DATETIME,
    games_found     INTEGER NOT NULL DEFAULT 0,
    bets_recommended INTEGER NOT NULL DEFAULT 0,
    total_staked    TEXT NOT NULL DEFAULT '0',
    utilization_pct TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS run_stages (
    run_id     TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    position   INTEGER NOT NULL,
    name       TEXT NOT NULL,
    status     TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    ended_at   DATETIME,
    detail     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_triggered ON runs(triggered_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_date      ON runs(target_date);
`

// runRetention prunes journal entries older than this on open.
const runRetention = 90 * 24 * time.Hour

// SQLiteStore is a durable journal of pipeline runs (pure Go driver, no CGo).
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the journal at path, applies the schema and prunes
// old entries. ":memory:" gives an ephemeral store for tests.
func Open(path string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.Open %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}

	s := &SQLiteStore{db: db, log: log.With().Str("component", "store").Logger()}
	s.prune()
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun journals a terminal run with its stage results.
func (s *SQLiteStore) SaveRun(snap run.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		gamesFound, bets int
		totalStaked      = "0"
		utilization      = "0"
	)
	if snap.Summary != nil {
		gamesFound = snap.Summary.GamesFound
		bets = snap.Summary.BetsRecommended
		totalStaked = snap.Summary.TotalStaked.String()
		utilization = snap.Summary.BankrollUtilizationPercent.String()
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO runs
		(run_id, target_date, bankroll, overall_status, failure,
		 triggered_at, finished_at, games_found, bets_recommended,
		 total_staked, utilization_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.TargetDate, snap.Bankroll.String(), string(snap.Overall),
		snap.Failure, snap.TriggeredAt.UTC(), nullTime(snap.FinishedAt),
		gamesFound, bets, totalStaked, utilization,
	)
	if err != nil {
		return fmt.Errorf("store.SaveRun %s: %w", snap.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM run_stages WHERE run_id = ?`, snap.ID); err != nil {
		return err
	}
	for i, st := range snap.Stages {
		_, err := tx.Exec(`
			INSERT INTO run_stages
			(run_id, position, name, status, started_at, ended_at, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, i, st.Name, string(st.Status),
			st.StartedAt.UTC(), nullTime(st.EndedAt), st.Detail,
		)
		if err != nil {
			return fmt.Errorf("store.SaveRun %s stage %s: %w", snap.ID, st.Name, err)
		}
	}

	return tx.Commit()
}

// RecentRuns returns the newest terminal runs with their stages, newest first.
func (s *SQLiteStore) RecentRuns(limit int) ([]run.Snapshot, error) {
	if limit <= 0 {
		limit = registryHistoryDefault
	}

	rows, err := s.db.Query(`
		SELECT run_id, target_date, bankroll, overall_status, failure,
		       triggered_at, finished_at, games_found, bets_recommended,
		       total_staked, utilization_pct
		FROM runs ORDER BY triggered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []run.Snapshot
	for rows.Next() {
		var (
			snap        run.Snapshot
			bankroll    string
			overall     string
			finished    sql.NullTime
			summary     run.Summary
			totalStaked string
			utilization string
		)
		err := rows.Scan(&snap.ID, &snap.TargetDate, &bankroll, &overall,
			&snap.Failure, &snap.TriggeredAt, &finished,
			&summary.GamesFound, &summary.BetsRecommended,
			&totalStaked, &utilization)
		if err != nil {
			return nil, err
		}

		if snap.Bankroll, err = decimal.NewFromString(bankroll); err != nil {
			return nil, fmt.Errorf("store.RecentRuns %s: bad bankroll: %w", snap.ID, err)
		}
		snap.Overall = run.OverallStatus(overall)
		if finished.Valid {
			snap.FinishedAt = finished.Time
		}
		if snap.Overall == run.StatusCompleted {
			if summary.TotalStaked, err = decimal.NewFromString(totalStaked); err != nil {
				return nil, err
			}
			if summary.BankrollUtilizationPercent, err = decimal.NewFromString(utilization); err != nil {
				return nil, err
			}
			snap.Summary = &summary
		}

		if snap.Stages, err = s.loadStages(snap.ID); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

const registryHistoryDefault = 10

func (s *SQLiteStore) loadStages(runID string) ([]stage.Result, error) {
	rows, err := s.db.Query(`
		SELECT name, status, started_at, ended_at, detail
		FROM run_stages WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []stage.Result
	for rows.Next() {
		var (
			res    stage.Result
			status string
			ended  sql.NullTime
		)
		if err := rows.Scan(&res.Name, &status, &res.StartedAt, &ended, &res.Detail); err != nil {
			return nil, err
		}
		res.Status = stage.Status(status)
		if ended.Valid {
			res.EndedAt = ended.Time
		}
		stages = append(stages, res)
	}
	return stages, rows.Err()
}

func (s *SQLiteStore) prune() {
	cutoff := time.Now().Add(-runRetention).UTC()
	res, err := s.db.Exec(`DELETE FROM runs WHERE triggered_at < ?`, cutoff)
	if err != nil {
		s.log.Warn().Err(err).Msg("Prune failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.db.Exec(`DELETE FROM run_stages WHERE run_id NOT IN (SELECT run_id FROM runs)`)
		s.log.Info().Int64("runs", n).Msg("Pruned old journal entries")
	}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
