package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type refresherStub struct {
	calls int
	err   error
}

func (r *refresherStub) Refresh(ctx context.Context) error {
	r.calls++
	return r.err
}

type prunerStub struct {
	calls int
}

func (p *prunerStub) Prune(now time.Time) int {
	p.calls++
	return 1
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobsRunWithOptionalDependencies(t *testing.T) {
	refresher := &refresherStub{err: errors.New("db down")}
	pruner := &prunerStub{}
	jobs := NewJobs(refresher, pruner, nil, newTestLogger(), time.Second)

	jobs.RefreshCommandIndex()
	jobs.PruneCooldowns()
	jobs.ArchiveLedger()

	if refresher.calls != 1 || pruner.calls != 1 {
		t.Fatalf("expected one refresh and one prune, got %d/%d", refresher.calls, pruner.calls)
	}

	withoutPruner := NewJobs(refresher, nil, nil, newTestLogger(), time.Second)
	withoutPruner.PruneCooldowns()
}

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	jobs := NewJobs(&refresherStub{}, &prunerStub{}, nil, newTestLogger(), time.Second)
	s := NewScheduler(jobs, newTestLogger(), ScheduleConfig{
		CommandRefresh: "@every 60s",
		CooldownPrune:  "@every 5m",
		LedgerArchive:  "",
	})
	s.Start()
	defer s.Stop()

	if got := s.Entries(); got != 2 {
		t.Fatalf("expected 2 scheduled jobs, got %d", got)
	}
}

func TestSchedulerSkipsInvalidSpec(t *testing.T) {
	jobs := NewJobs(&refresherStub{}, nil, nil, newTestLogger(), time.Second)
	s := NewScheduler(jobs, newTestLogger(), ScheduleConfig{CommandRefresh: "not a schedule"})
	s.Start()
	defer s.Stop()

	if got := s.Entries(); got != 0 {
		t.Fatalf("expected invalid spec to be skipped, got %d entries", got)
	}
}
