package run

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dugoutlabs/linedrive/pkg/pipeline/stage"
)

func newTestRun() *Run {
	return New("2024-06-12", decimal.NewFromInt(1000), false, time.Now())
}

func TestNewRun(t *testing.T) {
	r := newTestRun()

	snap := r.Snapshot()
	assert.Equal(t, StatusRunning, snap.Overall)
	assert.Empty(t, snap.Stages)
	assert.Nil(t, snap.Summary)
	assert.Contains(t, r.ID(), "2024-06-12-")
	assert.True(t, r.Bankroll().Equal(decimal.NewFromInt(1000)))
}

func TestRun_StageLifecycle(t *testing.T) {
	r := newTestRun()
	now := time.Now()

	require.True(t, r.beginStage("game_discovery", now))
	snap := r.Snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, stage.StatusRunning, snap.Stages[0].Status)
	assert.True(t, snap.Stages[0].EndedAt.IsZero())

	r.completeStage(stage.Result{
		Name:      "game_discovery",
		Status:    stage.StatusSucceeded,
		StartedAt: now,
		EndedAt:   now.Add(time.Second),
		Detail:    "games.csv",
	})
	snap = r.Snapshot()
	assert.Equal(t, stage.StatusSucceeded, snap.Stages[0].Status)
	assert.False(t, snap.Stages[0].EndedAt.Before(snap.Stages[0].StartedAt))
}

func TestRun_MonotonicStageStatus(t *testing.T) {
	r := newTestRun()
	now := time.Now()

	r.beginStage("model_inference", now)
	r.completeStage(stage.Result{Name: "model_inference", Status: stage.StatusSucceeded, StartedAt: now, EndedAt: now})

	// A terminal stage entry is never overwritten.
	r.completeStage(stage.Result{Name: "model_inference", Status: stage.StatusFailed, StartedAt: now, EndedAt: now})
	assert.Equal(t, stage.StatusSucceeded, r.Snapshot().Stages[0].Status)
}

func TestRun_FrozenAfterTerminal(t *testing.T) {
	r := newTestRun()
	r.beginStage("game_discovery", time.Now())
	r.fail("stage game_discovery failed", time.Now())

	snap := r.Snapshot()
	require.Equal(t, StatusFailed, snap.Overall)
	frozen := len(snap.Stages)

	// No further stage entries after a terminal status.
	assert.False(t, r.beginStage("feature_preparation", time.Now()))
	assert.Len(t, r.Snapshot().Stages, frozen)

	// Terminal state is idempotent.
	r.complete(Summary{}, time.Now())
	assert.Equal(t, StatusFailed, r.Snapshot().Overall)
}

func TestRun_CompleteSetsSummary(t *testing.T) {
	r := newTestRun()
	r.complete(Summary{
		GamesFound:      8,
		BetsRecommended: 3,
		TotalStaked:     decimal.NewFromInt(420),
	}, time.Now())

	snap := r.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Overall)
	require.NotNil(t, snap.Summary)
	assert.Equal(t, 3, snap.Summary.BetsRecommended)
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := newTestRun()
	r.beginStage("game_discovery", time.Now())

	snap := r.Snapshot()
	snap.Stages[0].Status = stage.StatusFailed
	snap.Stages[0].Name = "mutated"

	// Mutating the snapshot must not leak into the run record.
	fresh := r.Snapshot()
	assert.Equal(t, "game_discovery", fresh.Stages[0].Name)
	assert.Equal(t, stage.StatusRunning, fresh.Stages[0].Status)
}
