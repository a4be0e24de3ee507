// Package registry serializes pipeline execution: at most one run in flight
// system-wide, with trigger/status/history exposed to external callers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dugoutlabs/linedrive/pkg/pipeline/run"
)

// ErrRunInFlight is returned by Trigger while another run is executing.
// It is a normal rejection, not a run failure.
var ErrRunInFlight = errors.New("a pipeline run is already in flight")

// DefaultHistoryLimit bounds how many terminal runs are retained in memory.
const DefaultHistoryLimit = 10

// Store persists terminal runs. The registry's in-memory history is bounded;
// the store is the durable journal.
type Store interface {
	SaveRun(snap run.Snapshot) error
}

// TriggerRequest asks for one pipeline run.
type TriggerRequest struct {
	TargetDate string          `json:"target_date"`
	Bankroll   decimal.Decimal `json:"bankroll"`
	Resume     bool            `json:"resume,omitempty"`
}

// Validate checks the request before a run is created.
func (t TriggerRequest) Validate() error {
	if _, err := time.Parse("2006-01-02", t.TargetDate); err != nil {
		return fmt.Errorf("target_date must be YYYY-MM-DD: %w", err)
	}
	if !t.Bankroll.IsPositive() {
		return fmt.Errorf("bankroll must be positive, got %s", t.Bankroll)
	}
	return nil
}

// Registry owns the single-run-in-flight invariant. Each run has
// single-writer ownership of its record; the registry only ever hands out
// snapshots.
type Registry struct {
	log          zerolog.Logger
	exec         *run.Executor
	def          run.Definition
	store        Store
	historyLimit int

	mu      sync.Mutex
	current *run.Run
	cancel  context.CancelFunc
	history []run.Snapshot // most recent first

	wg sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore sets the durable run journal.
func WithStore(s Store) Option {
	return func(g *Registry) { g.store = s }
}

// WithHistoryLimit overrides the in-memory history bound.
func WithHistoryLimit(n int) Option {
	return func(g *Registry) {
		if n > 0 {
			g.historyLimit = n
		}
	}
}

// WithSeedHistory preloads terminal runs, newest first, into the in-memory
// history. The daemon uses it at startup to restore history from the durable
// journal, so a restart does not empty the history and status endpoints.
func WithSeedHistory(snaps []run.Snapshot) Option {
	return func(g *Registry) {
		g.history = append(g.history, snaps...)
	}
}

// New creates a registry executing the given pipeline definition.
func New(exec *run.Executor, def run.Definition, log zerolog.Logger, opts ...Option) *Registry {
	g := &Registry{
		log:          log.With().Str("component", "registry").Logger(),
		exec:         exec,
		def:          def,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.history) > g.historyLimit {
		g.history = g.history[:g.historyLimit]
	}
	return g
}

// Trigger accepts the request unless a run is already in flight, then starts
// the run on its own goroutine and returns immediately with a snapshot.
func (g *Registry) Trigger(req TriggerRequest) (run.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return run.Snapshot{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		return run.Snapshot{}, ErrRunInFlight
	}

	r := run.New(req.TargetDate, req.Bankroll, req.Resume, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	g.current = r
	g.cancel = cancel

	g.log.Info().Str("run_id", r.ID()).Str("target_date", req.TargetDate).
		Str("bankroll", req.Bankroll.String()).Bool("resume", req.Resume).
		Msg("Trigger accepted")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		g.exec.Execute(ctx, r, g.def)
		g.finalize(r)
	}()

	return r.Snapshot(), nil
}

// Status returns a snapshot of the in-flight run, or ok=false when idle.
func (g *Registry) Status() (run.Snapshot, bool) {
	g.mu.Lock()
	r := g.current
	g.mu.Unlock()

	if r == nil {
		return run.Snapshot{}, false
	}
	return r.Snapshot(), true
}

// History returns the most recent terminal runs, newest first. limit <= 0 or
// beyond the retained bound returns everything retained.
func (g *Registry) History(limit int) []run.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]run.Snapshot, n)
	copy(out, g.history[:n])
	return out
}

// Stop requests best-effort cancellation of the in-flight run. A stage
// already inside its external invocation is not preempted; cancellation
// takes effect before the next stage starts.
func (g *Registry) Stop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil || g.cancel == nil {
		return false
	}
	g.log.Info().Str("run_id", g.current.ID()).Msg("Stop requested")
	g.cancel()
	return true
}

// Close cancels any in-flight run and waits for it to finish.
func (g *Registry) Close() {
	g.Stop()
	g.wg.Wait()
}

// finalize retires a terminal run into the bounded history and the store.
func (g *Registry) finalize(r *run.Run) {
	snap := r.Snapshot()

	g.mu.Lock()
	g.history = append([]run.Snapshot{snap}, g.history...)
	if len(g.history) > g.historyLimit {
		g.history = g.history[:g.historyLimit]
	}
	g.current = nil
	g.cancel = nil
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveRun(snap); err != nil {
			g.log.Error().Err(err).Str("run_id", snap.ID).Msg("Failed to persist run")
		}
	}

	g.log.Info().Str("run_id", snap.ID).Str("status", string(snap.Overall)).
		Msg("Run retired to history")
}
