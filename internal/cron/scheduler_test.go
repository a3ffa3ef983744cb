package cron

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-seldon/internal/config"
)

type fakeMaintenanceStore struct {
	mu            sync.Mutex
	staleSweeps   int
	abandoned     []string
	activities    []string
	archivable    []string
	archived      []string
	pruned        []time.Duration
	archivableErr error
}

func (f *fakeMaintenanceStore) MarkStaleAgentsOffline(_ context.Context, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleSweeps++
	return 1, nil
}

func (f *fakeMaintenanceStore) AbandonedTaskIDs(_ context.Context, _ time.Duration, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abandoned, nil
}

func (f *fakeMaintenanceStore) RecordActivity(_ context.Context, _, kind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, kind)
	return nil
}

func (f *fakeMaintenanceStore) ArchivableTaskIDs(_ context.Context, _ time.Duration, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archivableErr != nil {
		return nil, f.archivableErr
	}
	out := f.archivable
	f.archivable = nil
	return out, nil
}

func (f *fakeMaintenanceStore) ArchiveTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, taskID)
	return nil
}

func (f *fakeMaintenanceStore) PruneRoutingDecisions(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, olderThan)
	return 3, nil
}

func testScheduler(t *testing.T, store *fakeMaintenanceStore, maint config.MaintenanceConfig) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Config{
		Store:         store,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Maintenance:   maint,
		StaleAfter:    time.Minute,
		ArchivalDelay: 36 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestNewSchedulerRejectsBadExpression(t *testing.T) {
	_, err := NewScheduler(Config{
		Store:       &fakeMaintenanceStore{},
		Maintenance: config.MaintenanceConfig{StaleAgentSweep: "not a cron"},
	})
	if err == nil {
		t.Fatal("bad cron expression accepted")
	}
}

func TestEmptyExpressionDisablesJob(t *testing.T) {
	s := testScheduler(t, &fakeMaintenanceStore{}, config.MaintenanceConfig{
		ArchivalSweep: "*/15 * * * *",
	})
	if len(s.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 (only archival enabled)", len(s.jobs))
	}
}

func TestTickFiresDueJobsOnce(t *testing.T) {
	store := &fakeMaintenanceStore{archivable: []string{"t1", "t2"}}
	s := testScheduler(t, store, config.MaintenanceConfig{
		StaleAgentSweep:   "* * * * *",
		ArchivalSweep:     "* * * * *",
		DecisionRetention: "* * * * *",
		RetentionDays:     90,
	})

	// Force every job due, then tick twice at the same instant: the
	// second tick must not re-fire anything.
	now := time.Now()
	for _, j := range s.jobs {
		j.nextRun = now.Add(-time.Second)
	}
	s.tick(context.Background(), now)
	s.tick(context.Background(), now)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.staleSweeps != 1 {
		t.Fatalf("stale sweeps = %d, want 1", store.staleSweeps)
	}
	if len(store.archived) != 2 {
		t.Fatalf("archived = %v, want t1 and t2", store.archived)
	}
	if len(store.pruned) != 1 || store.pruned[0] != 90*24*time.Hour {
		t.Fatalf("pruned = %v, want one 90d prune", store.pruned)
	}
}

func TestStaleSweepReportsAbandonedClaims(t *testing.T) {
	store := &fakeMaintenanceStore{abandoned: []string{"t9"}}
	s := testScheduler(t, store, config.MaintenanceConfig{
		StaleAgentSweep: "* * * * *",
	})
	now := time.Now()
	for _, j := range s.jobs {
		j.nextRun = now.Add(-time.Second)
	}
	s.tick(context.Background(), now)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.activities) != 1 || store.activities[0] != "tasks_abandoned" {
		t.Fatalf("activities = %v, want one tasks_abandoned report", store.activities)
	}
}

func TestTickSurvivesJobError(t *testing.T) {
	store := &fakeMaintenanceStore{archivableErr: errors.New("db closed")}
	s := testScheduler(t, store, config.MaintenanceConfig{
		ArchivalSweep:     "* * * * *",
		DecisionRetention: "* * * * *",
		RetentionDays:     30,
	})
	now := time.Now()
	for _, j := range s.jobs {
		j.nextRun = now.Add(-time.Second)
	}
	s.tick(context.Background(), now)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.pruned) != 1 {
		t.Fatal("retention job should run even when the archival sweep fails")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("bogus expression accepted")
	}
}
