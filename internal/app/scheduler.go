/**
 * @description
 * Cron scheduler setup for the periodic egg-service jobs.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron specs. An empty spec disables the job.
type ScheduleConfig struct {
	CommandRefresh string
	CooldownPrune  string
	LedgerArchive  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config ScheduleConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

func (s *Scheduler) add(name, spec string, job func()) {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error(fmt.Sprintf("failed to schedule %s job", name), "error", err)
		return
	}
	s.logger.Info(fmt.Sprintf("scheduled %s job", name), "schedule", spec)
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add("command index refresh", s.config.CommandRefresh, s.jobs.RefreshCommandIndex)
	s.add("cooldown prune", s.config.CooldownPrune, s.jobs.PruneCooldowns)
	s.add("ledger archive", s.config.LedgerArchive, s.jobs.ArchiveLedger)
	s.cron.Start()
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
