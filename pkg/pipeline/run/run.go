// Package run holds the record of one full day's pipeline execution and the
// executor that drives its stages in declared order.
package run

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dugoutlabs/linedrive/pkg/pipeline/stage"
)

// OverallStatus is the run-level lifecycle state.
type OverallStatus string

const (
	StatusRunning   OverallStatus = "running"
	StatusCompleted OverallStatus = "completed"
	StatusFailed    OverallStatus = "failed"
)

// Terminal reports whether the run admits no further mutation.
func (s OverallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Summary holds derived counts, populated only for completed runs.
type Summary struct {
	GamesFound                 int             `json:"games_found"`
	BetsRecommended            int             `json:"bets_recommended"`
	TotalStaked                decimal.Decimal `json:"total_staked"`
	BankrollUtilizationPercent decimal.Decimal `json:"bankroll_utilization_percent"`
}

// Run is one pipeline execution. Only the executing goroutine mutates it;
// external readers receive copies via Snapshot.
type Run struct {
	mu sync.Mutex

	id          string
	targetDate  string
	bankroll    decimal.Decimal
	resume      bool
	triggeredAt time.Time
	finishedAt  time.Time

	stages  []stage.Result
	overall OverallStatus
	summary *Summary
	failure string
}

// Snapshot is a read-only copy of a run's state at one point in time.
type Snapshot struct {
	ID          string          `json:"run_id"`
	TargetDate  string          `json:"target_date"`
	Bankroll    decimal.Decimal `json:"bankroll"`
	Resume      bool            `json:"resume,omitempty"`
	TriggeredAt time.Time       `json:"triggered_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	Overall     OverallStatus   `json:"overall_status"`
	Stages      []stage.Result  `json:"stages"`
	Summary     *Summary        `json:"summary,omitempty"`
	Failure     string          `json:"failure,omitempty"`
}

// New creates a run for the target date. The bankroll is copied in at
// creation and never mutated afterwards.
func New(targetDate string, bankroll decimal.Decimal, resume bool, now time.Time) *Run {
	return &Run{
		id:          fmt.Sprintf("%s-%s", targetDate, strings.Split(uuid.NewString(), "-")[0]),
		targetDate:  targetDate,
		bankroll:    bankroll,
		resume:      resume,
		triggeredAt: now,
		overall:     StatusRunning,
	}
}

// ID returns the run's opaque identifier.
func (r *Run) ID() string { return r.id }

// TargetDate returns the date the run produces predictions for.
func (r *Run) TargetDate() string { return r.targetDate }

// Bankroll returns the capital available at run start.
func (r *Run) Bankroll() decimal.Decimal { return r.bankroll }

// Snapshot returns a deep copy safe for concurrent readers.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		ID:          r.id,
		TargetDate:  r.targetDate,
		Bankroll:    r.bankroll,
		Resume:      r.resume,
		TriggeredAt: r.triggeredAt,
		FinishedAt:  r.finishedAt,
		Overall:     r.overall,
		Stages:      make([]stage.Result, len(r.stages)),
		Failure:     r.failure,
	}
	copy(snap.Stages, r.stages)
	if r.summary != nil {
		s := *r.summary
		snap.Summary = &s
	}
	return snap
}

// beginStage appends a Running entry for the named stage. It is a no-op once
// the run is terminal.
func (r *Run) beginStage(name string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.overall.Terminal() {
		return false
	}
	r.stages = append(r.stages, stage.Result{
		Name:      name,
		Status:    stage.StatusRunning,
		StartedAt: now,
	})
	return true
}

// completeStage replaces the in-flight entry for res.Name with its terminal
// result. Status transitions are monotonic: a terminal stage entry is never
// overwritten.
func (r *Run) completeStage(res stage.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.stages) - 1; i >= 0; i-- {
		if r.stages[i].Name != res.Name {
			continue
		}
		if r.stages[i].Status.Terminal() {
			return
		}
		r.stages[i] = res
		return
	}
}

// complete moves the run to Completed with its derived summary.
func (r *Run) complete(summary Summary, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.overall.Terminal() {
		return
	}
	r.overall = StatusCompleted
	r.summary = &summary
	r.finishedAt = now
}

// fail moves the run to Failed. No further stage entries are accepted.
func (r *Run) fail(reason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.overall.Terminal() {
		return
	}
	r.overall = StatusFailed
	r.failure = reason
	r.finishedAt = now
}
