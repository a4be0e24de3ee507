package run

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dugoutlabs/linedrive/pkg/artifact"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/stage"
	"github.com/dugoutlabs/linedrive/pkg/sizing"
)

// StageBetSizing is the declared stage executed in-process by the allocator
// instead of an external command. All other stages are opaque collaborators.
const StageBetSizing = "bet_sizing"

// Definition is the ordered list of declared stages plus where their
// artifacts live. Commands and artifact paths may reference {date} (the
// run's target date) and {prev} (the previous stage's artifact path).
type Definition struct {
	Stages      []stage.Spec `yaml:"stages"`
	ArtifactDir string       `yaml:"artifact_dir"`
}

// Validate checks the definition declares a usable pipeline.
func (d Definition) Validate() error {
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline declares no stages")
	}
	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("pipeline stage with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if s.Name != StageBetSizing && s.Command == "" {
			return fmt.Errorf("stage %q has no command", s.Name)
		}
	}
	if !seen[StageBetSizing] {
		return fmt.Errorf("pipeline declares no %s stage", StageBetSizing)
	}
	return nil
}

// Executor drives a run through its declared stages, strictly in order,
// failing fast on the first stage that does not succeed.
type Executor struct {
	invoker *stage.Invoker
	alloc   sizing.Config
	log     zerolog.Logger

	// Callbacks, all optional.
	onStarted    func(snap Snapshot)
	onStageStart func(runID, stageName string)
	onStage      func(runID string, res stage.Result)
	onFinished   func(snap Snapshot)
}

// NewExecutor creates an executor.
func NewExecutor(invoker *stage.Invoker, alloc sizing.Config, log zerolog.Logger) *Executor {
	return &Executor{
		invoker: invoker,
		alloc:   alloc,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// OnRunStarted sets a callback invoked once when execution begins.
func (e *Executor) OnRunStarted(fn func(snap Snapshot)) {
	e.onStarted = fn
}

// OnStageStart sets a callback invoked as each stage begins.
func (e *Executor) OnStageStart(fn func(runID, stageName string)) {
	e.onStageStart = fn
}

// OnStageComplete sets a callback invoked after each stage reaches a
// terminal status.
func (e *Executor) OnStageComplete(fn func(runID string, res stage.Result)) {
	e.onStage = fn
}

// OnRunFinished sets a callback invoked once the run is terminal.
func (e *Executor) OnRunFinished(fn func(snap Snapshot)) {
	e.onFinished = fn
}

// Execute runs every declared stage against the run record. Cancellation is
// cooperative: it is checked between stages only, since an external stage
// cannot always be preempted cleanly; the per-stage timeout is the hard
// safety net.
func (e *Executor) Execute(ctx context.Context, r *Run, def Definition) {
	log := e.log.With().Str("run_id", r.ID()).Str("target_date", r.TargetDate()).Logger()
	log.Info().Int("stages", len(def.Stages)).Bool("resume", r.resume).Msg("Starting pipeline run")
	if e.onStarted != nil {
		e.onStarted(r.Snapshot())
	}

	prevArtifact := ""
	sizingArtifact := ""

	for _, spec := range def.Stages {
		if err := ctx.Err(); err != nil {
			r.fail(fmt.Sprintf("canceled before stage %s", spec.Name), time.Now())
			break
		}

		resolved := resolveSpec(spec, r.TargetDate(), prevArtifact, def.ArtifactDir)
		if !r.beginStage(resolved.Name, time.Now()) {
			break
		}
		if e.onStageStart != nil {
			e.onStageStart(r.ID(), resolved.Name)
		}

		var res stage.Result
		if resolved.Name == StageBetSizing {
			res = e.runBetSizing(r, resolved, prevArtifact)
			if res.Status == stage.StatusSucceeded {
				sizingArtifact = res.Detail
			}
		} else if r.resume {
			res = e.invoker.InvokeResumable(ctx, resolved)
		} else {
			res = e.invoker.Invoke(ctx, resolved)
		}

		r.completeStage(res)
		if e.onStage != nil {
			e.onStage(r.ID(), res)
		}

		if res.Status != stage.StatusSucceeded {
			// Downstream stages have a hard data dependency on this
			// artifact, so the run fails here rather than skipping.
			r.fail(fmt.Sprintf("stage %s %s", res.Name, res.Status), time.Now())
			log.Error().Str("stage", res.Name).Str("status", string(res.Status)).
				Msg("Pipeline run failed")
			break
		}
		prevArtifact = res.Detail
	}

	if snap := r.Snapshot(); snap.Overall == StatusRunning {
		summary, err := e.summarize(sizingArtifact)
		if err != nil {
			r.fail(fmt.Sprintf("summary: %v", err), time.Now())
		} else {
			r.complete(summary, time.Now())
			log.Info().Int("bets", summary.BetsRecommended).
				Str("total_staked", summary.TotalStaked.String()).
				Msg("Pipeline run completed")
		}
	}

	if e.onFinished != nil {
		e.onFinished(r.Snapshot())
	}
}

// runBetSizing reads the predictions artifact, allocates the bankroll across
// its candidates, and writes the terminal recommendations artifact.
func (e *Executor) runBetSizing(r *Run, spec stage.Spec, predictionsPath string) stage.Result {
	res := stage.Result{
		Name:      spec.Name,
		Status:    stage.StatusRunning,
		StartedAt: time.Now(),
	}
	fail := func(err error) stage.Result {
		res.Status = stage.StatusFailed
		res.Detail = err.Error()
		res.EndedAt = time.Now()
		return res
	}

	if predictionsPath == "" {
		return fail(fmt.Errorf("no predictions artifact from previous stage"))
	}

	rows, err := artifact.ReadPredictions(predictionsPath)
	if err != nil {
		return fail(err)
	}

	candidates := make([]sizing.Candidate, len(rows))
	for i, row := range rows {
		candidates[i] = row.Candidate()
	}

	ledger := sizing.Allocate(candidates, r.Bankroll(), e.alloc)

	now := time.Now()
	outPath := spec.ArtifactPath
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(predictionsPath),
			artifact.RecommendationsFilename(r.TargetDate(), now))
	}
	recs := artifact.FromLedger(ledger, r.TargetDate(), now)
	if err := recs.Write(outPath); err != nil {
		return fail(err)
	}

	res.Status = stage.StatusSucceeded
	res.Detail = outPath
	res.EndedAt = time.Now()
	return res
}

// summarize derives the run summary by reading the terminal artifact back,
// not by trusting in-memory state.
func (e *Executor) summarize(sizingArtifact string) (Summary, error) {
	if sizingArtifact == "" {
		return Summary{}, fmt.Errorf("no bet sizing artifact recorded")
	}
	recs, err := artifact.ReadRecommendations(sizingArtifact)
	if err != nil {
		return Summary{}, err
	}

	bets := 0
	for _, d := range recs.Decisions {
		if d.Stake.IsPositive() {
			bets++
		}
	}
	return Summary{
		GamesFound:                 len(recs.Decisions),
		BetsRecommended:            bets,
		TotalStaked:                recs.TotalStaked,
		BankrollUtilizationPercent: recs.UtilizationPercent,
	}, nil
}

// resolveSpec expands {date} and {prev} placeholders and anchors relative
// artifact paths in the artifact directory.
func resolveSpec(spec stage.Spec, targetDate, prevArtifact, artifactDir string) stage.Spec {
	expand := func(s string) string {
		s = strings.ReplaceAll(s, "{date}", targetDate)
		s = strings.ReplaceAll(s, "{prev}", prevArtifact)
		return s
	}

	out := spec
	out.Command = expand(spec.Command)
	out.ArtifactPath = expand(spec.ArtifactPath)
	if out.ArtifactPath != "" && !filepath.IsAbs(out.ArtifactPath) && artifactDir != "" {
		out.ArtifactPath = filepath.Join(artifactDir, out.ArtifactPath)
	}
	if len(spec.Args) > 0 {
		out.Args = make([]string, len(spec.Args))
		for i, a := range spec.Args {
			out.Args[i] = expand(a)
		}
	}
	return out
}
