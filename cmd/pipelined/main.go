// pipelined is the daily betting pipeline daemon. It runs the stage
// orchestrator behind an HTTP API, persists a run journal, streams pipeline
// events over WebSocket, and fires the scheduled daily run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dugoutlabs/linedrive/pkg/config"
	"github.com/dugoutlabs/linedrive/pkg/events"
	"github.com/dugoutlabs/linedrive/pkg/logger"
	"github.com/dugoutlabs/linedrive/pkg/metrics"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/registry"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/run"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/stage"
	"github.com/dugoutlabs/linedrive/pkg/scheduler"
	"github.com/dugoutlabs/linedrive/pkg/server"
	"github.com/dugoutlabs/linedrive/pkg/store"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to the YAML config file")
	pretty     = flag.Bool("pretty", false, "Human-readable console logging")
)

func main() {
	flag.Parse()

	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "pipelined: %v\n", err)
		os.Exit(1)
	}
}

func realMain() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty || *pretty})
	logger.SetGlobalLogger(log)
	log.Info().Str("config", *configPath).Msg("Starting pipeline daemon")

	journal, err := store.Open(cfg.Storage.DSN, log)
	if err != nil {
		return fmt.Errorf("open run journal: %w", err)
	}
	defer journal.Close()

	hub := events.NewHub(log)
	go hub.Run()

	m := metrics.NewPipelineMetrics()

	invoker := stage.NewInvoker(log, cfg.Pipeline.FreshWindow)
	exec := run.NewExecutor(invoker, cfg.AllocatorConfig(), log)

	exec.OnRunStarted(func(snap run.Snapshot) {
		m.RecordRunStarted()
		hub.Broadcast(events.Event{
			Type:      events.TypeRunStarted,
			Timestamp: time.Now(),
			RunID:     snap.ID,
			Data:      snap,
		})
	})
	exec.OnStageStart(func(runID, stageName string) {
		hub.Broadcast(events.Event{
			Type:      events.TypeStageStarted,
			Timestamp: time.Now(),
			RunID:     runID,
			Data:      map[string]string{"stage": stageName},
		})
	})
	exec.OnStageComplete(func(runID string, res stage.Result) {
		m.RecordStage(res.Name, string(res.Status), res.Duration())
		hub.Broadcast(events.Event{
			Type:      events.TypeStageFinished,
			Timestamp: time.Now(),
			RunID:     runID,
			Data:      res,
		})
	})
	exec.OnRunFinished(func(snap run.Snapshot) {
		m.RecordRunFinished(string(snap.Overall), snap.FinishedAt.Sub(snap.TriggeredAt))
		if snap.Summary != nil {
			m.RecordAllocation(snap.Summary.BetsRecommended,
				snap.Summary.TotalStaked, snap.Summary.BankrollUtilizationPercent)
		}
		hub.Broadcast(events.Event{
			Type:      events.TypeRunFinished,
			Timestamp: time.Now(),
			RunID:     snap.ID,
			Data:      snap,
		})
	})

	// Restore history from the journal so a restart does not blank the
	// history and last-run endpoints.
	seed, err := journal.RecentRuns(cfg.Pipeline.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("Could not reload run history from journal")
	} else if len(seed) > 0 {
		log.Info().Int("runs", len(seed)).Msg("Reloaded run history from journal")
	}

	reg := registry.New(exec, cfg.Definition(), log,
		registry.WithStore(journal),
		registry.WithHistoryLimit(cfg.Pipeline.HistoryLimit),
		registry.WithSeedHistory(seed))
	defer reg.Close()

	defaultBankroll := decimal.NewFromFloat(cfg.Sizing.Bankroll)

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched = scheduler.New(log)
		if err := sched.AddDailyTrigger(cfg.Schedule.Cron, reg, defaultBankroll); err != nil {
			return fmt.Errorf("schedule %q: %w", cfg.Schedule.Cron, err)
		}
		sched.Start()
		defer sched.Stop()
		log.Info().Str("cron", cfg.Schedule.Cron).Msg("Daily trigger scheduled")
	}

	srv := server.New(reg, hub, m, defaultBankroll, cfg.Server.Port, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown incomplete")
	}

	// Registry close cancels any in-flight run between stages and waits for
	// it to retire into the journal.
	return nil
}
