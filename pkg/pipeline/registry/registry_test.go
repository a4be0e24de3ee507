package registry

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dugoutlabs/linedrive/pkg/pipeline/run"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/stage"
	"github.com/dugoutlabs/linedrive/pkg/sizing"
	"github.com/dugoutlabs/linedrive/pkg/store"
)

// singleStageDefinition is a minimal pipeline whose only stage runs the
// given shell script.
func singleStageDefinition(t *testing.T, script string) run.Definition {
	t.Helper()
	artifact := filepath.Join(t.TempDir(), "out.csv")
	return run.Definition{
		Stages: []stage.Spec{{
			Name:         "game_discovery",
			Command:      "sh",
			Args:         []string{"-c", script + " > " + artifact},
			ArtifactPath: artifact,
			Timeout:      10 * time.Second,
		}},
	}
}

func newTestRegistry(t *testing.T, def run.Definition, opts ...Option) *Registry {
	t.Helper()
	exec := run.NewExecutor(stage.NewInvoker(zerolog.Nop(), 0), sizing.DefaultConfig(), zerolog.Nop())
	g := New(exec, def, zerolog.Nop(), opts...)
	t.Cleanup(g.Close)
	return g
}

func triggerReq(date string) TriggerRequest {
	return TriggerRequest{TargetDate: date, Bankroll: decimal.NewFromInt(1000)}
}

func waitIdle(t *testing.T, g *Registry) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, running := g.Status()
		return !running
	}, 10*time.Second, 10*time.Millisecond)
}

func TestTrigger_RejectsConcurrentRun(t *testing.T) {
	// First stage blocks long enough for the second trigger to race it.
	g := newTestRegistry(t, singleStageDefinition(t, "sleep 0.5; echo done"))

	snapA, err := g.Trigger(triggerReq("2024-06-12"))
	require.NoError(t, err)

	// A trigger for a different date is still rejected: the invariant is
	// one run system-wide, not one per date.
	_, err = g.Trigger(triggerReq("2024-06-13"))
	assert.ErrorIs(t, err, ErrRunInFlight)

	// Run A is unaffected by the rejection.
	status, running := g.Status()
	require.True(t, running)
	assert.Equal(t, snapA.ID, status.ID)

	waitIdle(t, g)
}

func TestTrigger_ValidatesRequest(t *testing.T) {
	g := newTestRegistry(t, singleStageDefinition(t, "echo ok"))

	_, err := g.Trigger(TriggerRequest{TargetDate: "June 12", Bankroll: decimal.NewFromInt(100)})
	assert.ErrorContains(t, err, "target_date")

	_, err = g.Trigger(TriggerRequest{TargetDate: "2024-06-12", Bankroll: decimal.Zero})
	assert.ErrorContains(t, err, "bankroll")
}

func TestTrigger_AcceptedAgainAfterFinish(t *testing.T) {
	g := newTestRegistry(t, singleStageDefinition(t, "echo ok"))

	_, err := g.Trigger(triggerReq("2024-06-12"))
	require.NoError(t, err)
	waitIdle(t, g)

	_, err = g.Trigger(triggerReq("2024-06-13"))
	assert.NoError(t, err)
	waitIdle(t, g)
}

func TestHistory_NewestFirstAndBounded(t *testing.T) {
	g := newTestRegistry(t, singleStageDefinition(t, "echo ok"), WithHistoryLimit(3))

	dates := []string{"2024-06-10", "2024-06-11", "2024-06-12", "2024-06-13", "2024-06-14"}
	for _, d := range dates {
		_, err := g.Trigger(triggerReq(d))
		require.NoError(t, err)
		waitIdle(t, g)
	}

	history := g.History(0)
	require.Len(t, history, 3, "oldest runs evicted")
	assert.Equal(t, "2024-06-14", history[0].TargetDate)
	assert.Equal(t, "2024-06-13", history[1].TargetDate)
	assert.Equal(t, "2024-06-12", history[2].TargetDate)

	assert.Len(t, g.History(2), 2)
}

func TestHistory_RetainsFailedRuns(t *testing.T) {
	g := newTestRegistry(t, singleStageDefinition(t, "exit 1; echo never"))

	_, err := g.Trigger(triggerReq("2024-06-12"))
	require.NoError(t, err)
	waitIdle(t, g)

	history := g.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, run.StatusFailed, history[0].Overall)
	require.Len(t, history[0].Stages, 1)
	assert.Equal(t, stage.StatusFailed, history[0].Stages[0].Status)
}

func TestStop_WhenIdle(t *testing.T) {
	g := newTestRegistry(t, singleStageDefinition(t, "echo ok"))
	assert.False(t, g.Stop())
}

func TestStop_CancelsBetweenStages(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.csv")
	second := filepath.Join(dir, "second.csv")
	def := run.Definition{
		Stages: []stage.Spec{
			{
				Name:         "game_discovery",
				Command:      "sh",
				Args:         []string{"-c", "sleep 0.3; echo a > " + first},
				ArtifactPath: first,
				Timeout:      10 * time.Second,
			},
			{
				Name:         "feature_preparation",
				Command:      "sh",
				Args:         []string{"-c", "echo b > " + second},
				ArtifactPath: second,
				Timeout:      10 * time.Second,
			},
		},
	}
	g := newTestRegistry(t, def)

	_, err := g.Trigger(triggerReq("2024-06-12"))
	require.NoError(t, err)
	require.True(t, g.Stop())
	waitIdle(t, g)

	history := g.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, run.StatusFailed, history[0].Overall)
	assert.Contains(t, history[0].Failure, "canceled")
}

func TestHistory_SeededFromJournal(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "journal.db")
	now := time.Now().UTC().Truncate(time.Second)

	journal, err := store.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	for i, date := range []string{"2024-06-10", "2024-06-11"} {
		require.NoError(t, journal.SaveRun(run.Snapshot{
			ID:          date + "-x",
			TargetDate:  date,
			Bankroll:    decimal.NewFromInt(1000),
			TriggeredAt: now.Add(time.Duration(i) * time.Hour),
			FinishedAt:  now.Add(time.Duration(i)*time.Hour + time.Minute),
			Overall:     run.StatusCompleted,
			Stages: []stage.Result{{
				Name:      "game_discovery",
				Status:    stage.StatusSucceeded,
				StartedAt: now,
				EndedAt:   now.Add(time.Second),
			}},
		}))
	}
	require.NoError(t, journal.Close())

	// Daemon restart: a fresh registry seeded from the reopened journal.
	journal, err = store.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	seed, err := journal.RecentRuns(DefaultHistoryLimit)
	require.NoError(t, err)

	g := newTestRegistry(t, singleStageDefinition(t, "echo ok"),
		WithStore(journal), WithSeedHistory(seed))

	history := g.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "2024-06-11", history[0].TargetDate)
	assert.Equal(t, "2024-06-10", history[1].TargetDate)
	require.Len(t, history[0].Stages, 1)
	assert.Equal(t, stage.StatusSucceeded, history[0].Stages[0].Status)

	// New terminal runs land in front of the restored ones.
	_, err = g.Trigger(triggerReq("2024-06-12"))
	require.NoError(t, err)
	waitIdle(t, g)
	history = g.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "2024-06-12", history[0].TargetDate)
}

func TestSeedHistory_TrimmedToLimit(t *testing.T) {
	seed := []run.Snapshot{
		{ID: "a", Overall: run.StatusCompleted},
		{ID: "b", Overall: run.StatusCompleted},
		{ID: "c", Overall: run.StatusFailed},
	}
	g := newTestRegistry(t, singleStageDefinition(t, "echo ok"),
		WithHistoryLimit(2), WithSeedHistory(seed))

	history := g.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "a", history[0].ID)
}

type recordingStore struct {
	mu    sync.Mutex
	saved []run.Snapshot
}

func (s *recordingStore) SaveRun(snap run.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snap)
	return nil
}

func TestFinalize_PersistsToStore(t *testing.T) {
	store := &recordingStore{}
	g := newTestRegistry(t, singleStageDefinition(t, "echo ok"), WithStore(store))

	_, err := g.Trigger(triggerReq("2024-06-12"))
	require.NoError(t, err)
	waitIdle(t, g)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.saved) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
