// Package scheduler fires the daily pipeline trigger on a cron schedule.
package scheduler

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dugoutlabs/linedrive/pkg/pipeline/registry"
)

// Scheduler owns the cron runner. Expressions use the six-field form with
// seconds first, e.g. "0 0 9 * * *" for 9 AM daily.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a stopped scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// AddDailyTrigger schedules a pipeline trigger for today's date with the
// given bankroll. A trigger rejected because a run is already in flight is
// logged and skipped; the next scheduled fire tries again.
func (s *Scheduler) AddDailyTrigger(spec string, reg *registry.Registry, bankroll decimal.Decimal) error {
	_, err := s.cron.AddFunc(spec, func() {
		req := registry.TriggerRequest{
			TargetDate: time.Now().Format("2006-01-02"),
			Bankroll:   bankroll,
		}
		snap, err := reg.Trigger(req)
		switch {
		case errors.Is(err, registry.ErrRunInFlight):
			s.log.Warn().Str("target_date", req.TargetDate).
				Msg("Scheduled trigger skipped, a run is already in flight")
		case err != nil:
			s.log.Error().Err(err).Str("target_date", req.TargetDate).
				Msg("Scheduled trigger rejected")
		default:
			s.log.Info().Str("run_id", snap.ID).Str("target_date", req.TargetDate).
				Msg("Scheduled pipeline run started")
		}
	})
	return err
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts scheduling and waits for a running job callback to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}
