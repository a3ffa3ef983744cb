package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-seldon/internal/channels"
	"github.com/basket/go-seldon/internal/shared"
)

// DefaultArchivalDelay is how long a finished workflow's parent task and
// thread stay visible before archival.
const DefaultArchivalDelay = 36 * time.Hour

// ArchiverStore is the persistence surface delayed archival needs.
type ArchiverStore interface {
	ArchiveTask(ctx context.Context, taskID string) error
	RecordActivity(ctx context.Context, agentID, kind, detail string) error
}

// Archiver archives finished tasks and their threads after a delay.
// Timers live in memory only; a restart drops pending archivals, and the
// maintenance sweep picks the tasks up later.
type Archiver struct {
	store    ArchiverStore
	notifier channels.Notifier
	delay    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewArchiver(store ArchiverStore, notifier channels.Notifier, delay time.Duration, logger *slog.Logger) *Archiver {
	if notifier == nil {
		notifier = channels.NopNotifier{}
	}
	if delay <= 0 {
		delay = DefaultArchivalDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:    store,
		notifier: notifier,
		delay:    delay,
		logger:   logger,
		timers:   map[string]*time.Timer{},
	}
}

// Schedule arms delayed archival for a task. Scheduling the same task
// twice keeps the original timer.
func (a *Archiver) Schedule(taskID, threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.timers[taskID]; ok {
		return
	}
	a.timers[taskID] = time.AfterFunc(a.delay, func() {
		a.fire(taskID, threadID)
	})
}

// Cancel drops a pending archival, if one is armed.
func (a *Archiver) Cancel(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[taskID]; ok {
		t.Stop()
		delete(a.timers, taskID)
	}
}

// Pending reports how many archivals are armed.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Stop disarms every pending timer.
func (a *Archiver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}

func (a *Archiver) fire(taskID, threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = shared.WithTaskID(ctx, taskID)

	if err := a.store.ArchiveTask(ctx, taskID); err != nil {
		a.logger.Error("archive task", "task_id", taskID, "error", err)
	}
	if threadID != "" {
		if err := a.notifier.ArchiveThread(ctx, threadID); err != nil {
			a.logger.Warn("archive thread", "task_id", taskID, "thread_id", threadID, "error", err)
		}
	}
	detail, _ := json.Marshal(map[string]any{"task_id": taskID, "thread_id": threadID})
	if err := a.store.RecordActivity(ctx, shared.CoordinatorAgentID, "task_archived", string(detail)); err != nil {
		a.logger.Warn("record archival activity", "task_id", taskID, "error", err)
	}

	a.mu.Lock()
	delete(a.timers, taskID)
	a.mu.Unlock()
}
