// Package cron runs the coordinator's periodic maintenance jobs on
// standard 5-field cron schedules: marking silent agents offline,
// sweeping unarchived terminal tasks, and pruning old routing decisions.
package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-seldon/internal/config"
	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// MaintenanceStore is the persistence surface the sweeps run against.
type MaintenanceStore interface {
	MarkStaleAgentsOffline(ctx context.Context, staleAfter time.Duration) (int64, error)
	AbandonedTaskIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	ArchivableTaskIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	ArchiveTask(ctx context.Context, taskID string) error
	PruneRoutingDecisions(ctx context.Context, olderThan time.Duration) (int64, error)
	RecordActivity(ctx context.Context, agentID, kind, detail string) error
}

var _ MaintenanceStore = (*persistence.Store)(nil)

// job is one named maintenance sweep with its schedule.
type job struct {
	name    string
	sched   cronlib.Schedule
	nextRun time.Time
	run     func(ctx context.Context) error
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store         MaintenanceStore
	Logger        *slog.Logger
	Maintenance   config.MaintenanceConfig
	StaleAfter    time.Duration // agent heartbeat staleness cutoff
	ArchivalDelay time.Duration // how long finished tasks stay unarchived
	Interval      time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval and fires whichever jobs are due.
type Scheduler struct {
	store    MaintenanceStore
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds the maintenance scheduler from config. Invalid
// cron expressions are an error; an empty expression disables that job.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}

	retention := time.Duration(cfg.Maintenance.RetentionDays) * 24 * time.Hour
	specs := []struct {
		name string
		expr string
		run  func(ctx context.Context) error
	}{
		{"stale_agents", cfg.Maintenance.StaleAgentSweep, func(ctx context.Context) error {
			return s.sweepStaleAgents(ctx, cfg.StaleAfter)
		}},
		{"task_archival", cfg.Maintenance.ArchivalSweep, func(ctx context.Context) error {
			return s.sweepArchivableTasks(ctx, cfg.ArchivalDelay)
		}},
		{"decision_retention", cfg.Maintenance.DecisionRetention, func(ctx context.Context) error {
			return s.pruneRoutingDecisions(ctx, retention)
		}},
	}
	now := time.Now()
	for _, spec := range specs {
		if spec.expr == "" {
			continue
		}
		sched, err := cronParser.Parse(spec.expr)
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, &job{
			name:    spec.name,
			sched:   sched,
			nextRun: sched.Next(now),
			run:     spec.run,
		})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		if err := j.run(ctx); err != nil {
			s.logger.Error("maintenance job failed", "job", j.name, "error", err)
		}
		j.nextRun = j.sched.Next(now)
	}
}

func (s *Scheduler) sweepStaleAgents(ctx context.Context, staleAfter time.Duration) error {
	n, err := s.store.MarkStaleAgentsOffline(ctx, staleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("marked stale agents offline", "count", n, "stale_after", staleAfter)
	}

	// Long-running claims are reported, never requeued: the claim holder
	// may still be alive and merely slow.
	abandoned, err := s.store.AbandonedTaskIDs(ctx, 4*staleAfter, 100)
	if err != nil {
		return err
	}
	if len(abandoned) > 0 {
		detail, _ := json.Marshal(map[string]any{"task_ids": abandoned})
		if err := s.store.RecordActivity(ctx, shared.CoordinatorAgentID, "tasks_abandoned", string(detail)); err != nil {
			s.logger.Warn("record abandoned tasks", "error", err)
		}
		s.logger.Warn("tasks holding stale claims", "count", len(abandoned))
	}
	return nil
}

// sweepArchivableTasks archives terminal tasks whose delayed archival
// timer never fired, typically because the process restarted.
func (s *Scheduler) sweepArchivableTasks(ctx context.Context, olderThan time.Duration) error {
	ids, err := s.store.ArchivableTaskIDs(ctx, olderThan, 100)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.ArchiveTask(ctx, id); err != nil {
			s.logger.Error("sweep archive task", "task_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("archived overdue tasks", "count", len(ids))
	}
	return nil
}

func (s *Scheduler) pruneRoutingDecisions(ctx context.Context, olderThan time.Duration) error {
	n, err := s.store.PruneRoutingDecisions(ctx, olderThan)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("pruned routing decisions", "count", n, "older_than", olderThan)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
