/**
 * @description
 * Scheduled job implementations for the egg-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Refresher rebuilds the command index.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Pruner drops expired cooldown entries.
type Pruner interface {
	Prune(now time.Time) int
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	index    Refresher
	pruner   Pruner
	archiver *AuditArchiver
	logger   *slog.Logger
	timeout  time.Duration
}

// NewJobs creates a new Jobs runner. pruner and archiver may be nil when the
// corresponding job is not in use.
func NewJobs(index Refresher, pruner Pruner, archiver *AuditArchiver, logger *slog.Logger, timeout time.Duration) *Jobs {
	return &Jobs{
		index:    index,
		pruner:   pruner,
		archiver: archiver,
		logger:   logger,
		timeout:  timeout,
	}
}

// RefreshCommandIndex bounds how stale the command index can get.
func (j *Jobs) RefreshCommandIndex() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.index.Refresh(ctx); err != nil {
		j.logger.Error("command index refresh failed; keeping previous snapshot", "error", err)
	}
}

// PruneCooldowns drops expired in-memory cooldown entries.
func (j *Jobs) PruneCooldowns() {
	if j.pruner == nil {
		return
	}
	removed := j.pruner.Prune(time.Now())
	if removed > 0 {
		j.logger.Info("pruned expired cooldowns", "count", removed)
	}
}

// ArchiveLedger exports yesterday's ledger records.
func (j *Jobs) ArchiveLedger() {
	if j.archiver == nil {
		return
	}
	j.logger.Info("starting ledger archive job")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	location, count, err := j.archiver.ArchivePreviousDay(ctx)
	if err != nil {
		j.logger.Error("ledger archive failed", "error", err)
		return
	}
	if count == 0 {
		j.logger.Info("no ledger records to archive")
		return
	}
	j.logger.Info("ledger archive job finished", "records", count, "location", location)
}
