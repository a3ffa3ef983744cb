// Package runtime hosts the worker loop every fleet agent runs: claim
// polling, heartbeats, patrol sweeps, and graceful drain on shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gort "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-seldon/internal/bus"
	"github.com/basket/go-seldon/internal/channels"
	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/shared"
)

// Store is the persistence surface a runner needs. Satisfied by
// *persistence.Store.
type Store interface {
	RegisterAgent(ctx context.Context, rec persistence.AgentRecord) (string, error)
	Heartbeat(ctx context.Context, agentID, status string, metrics map[string]any) error
	NextPendingTask(ctx context.Context, agentID string) (*persistence.Task, error)
	ClaimTask(ctx context.Context, taskID, agentID string) (bool, error)
	CompleteTask(ctx context.Context, taskID, result string) error
	FailTask(ctx context.Context, taskID, errMsg string) error
	RecordActivity(ctx context.Context, agentID, kind, detail string) error
}

// Processor does the agent's actual work on a claimed task.
type Processor interface {
	ProcessTask(ctx context.Context, task *persistence.Task) (map[string]any, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, task *persistence.Task) (map[string]any, error)

func (f ProcessorFunc) ProcessTask(ctx context.Context, task *persistence.Task) (map[string]any, error) {
	return f(ctx, task)
}

// Config holds a runner's identity and cadence settings.
type Config struct {
	AgentID      string
	Name         string
	Division     string
	Role         string
	Capabilities []string

	PollInterval      time.Duration // default 2s
	HeartbeatInterval time.Duration // default 15s
	PatrolInterval    time.Duration // 0 disables; else clamped 5min-2h
	NoiseBudget       int           // unsolicited sends per hour, default 5
	DrainTimeout      time.Duration // default 30s
}

// Runner is one agent's in-process worker. Claims are CAS-guarded at the
// store, so several runners can share a queue without double-processing.
type Runner struct {
	cfg       Config
	store     Store
	processor Processor
	patrolFn  PatrolFunc
	notifier  channels.Notifier
	eventBus  *bus.Bus
	logger    *slog.Logger
	noise     *NoiseBudget

	findingHashes map[string]struct{}
	findingOrder  []string

	isProcessing atomic.Bool
	currentTask  atomic.Value // string task id
	taskCancel   atomic.Value // context.CancelFunc for the in-flight task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(cfg Config, store Store, processor Processor, patrolFn PatrolFunc, notifier channels.Notifier, eventBus *bus.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	cfg.PatrolInterval = clampPatrolInterval(cfg.PatrolInterval)
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Runner{
		cfg:           cfg,
		store:         store,
		processor:     processor,
		patrolFn:      patrolFn,
		notifier:      notifier,
		eventBus:      eventBus,
		logger:        logger.With("agent_id", cfg.AgentID),
		noise:         NewNoiseBudget(cfg.NoiseBudget),
		findingHashes: make(map[string]struct{}),
	}
}

// Noise exposes the runner's unsolicited-message budget.
func (r *Runner) Noise() *NoiseBudget {
	return r.noise
}

// Start registers the agent and launches the poll, heartbeat, and patrol
// loops. Returns once the loops are running.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.store.RegisterAgent(ctx, persistence.AgentRecord{
		ID:           r.cfg.AgentID,
		Name:         r.cfg.Name,
		Division:     r.cfg.Division,
		Role:         r.cfg.Role,
		Capabilities: r.cfg.Capabilities,
	}); err != nil {
		return fmt.Errorf("register agent %s: %w", r.cfg.AgentID, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	r.wg.Add(2)
	go r.pollLoop(loopCtx)
	go r.heartbeatLoop(loopCtx)
	if r.cfg.PatrolInterval > 0 && r.patrolFn != nil {
		r.wg.Add(1)
		go r.patrolLoop(loopCtx)
	}

	r.logger.Info("agent runtime started",
		"poll_interval", r.cfg.PollInterval,
		"heartbeat_interval", r.cfg.HeartbeatInterval,
		"patrol_interval", r.cfg.PatrolInterval)
	return nil
}

// Stop halts the loops, drains an in-flight task up to the drain timeout,
// and sends a final offline heartbeat (best effort). The in-flight task
// keeps its own context; it is force-cancelled only when the drain window
// elapses.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}

	if r.isProcessing.Load() {
		if id, ok := r.currentTask.Load().(string); ok && id != "" {
			r.logger.Info("draining current task", "task_id", id)
		}
		deadline := time.Now().Add(r.cfg.DrainTimeout)
		for r.isProcessing.Load() && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		if r.isProcessing.Load() {
			r.logger.Warn("drain timeout elapsed, cancelling current task")
			if cancelTask, ok := r.taskCancel.Load().(context.CancelFunc); ok && cancelTask != nil {
				cancelTask()
			}
		}
	}
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Heartbeat(ctx, r.cfg.AgentID, "offline", nil); err != nil {
		r.logger.Warn("offline heartbeat failed", "error", err)
	}
	r.logger.Info("agent runtime stopped")
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce claims and processes at most one task. A runner is strictly
// serial: while a task is in flight, polls are skipped.
func (r *Runner) pollOnce(ctx context.Context) {
	if r.isProcessing.Load() {
		return
	}
	task, err := r.store.NextPendingTask(ctx, r.cfg.AgentID)
	if err != nil {
		r.logger.Error("poll pending task", "error", err)
		return
	}
	if task == nil {
		return
	}

	claimed, err := r.store.ClaimTask(ctx, task.ID, r.cfg.AgentID)
	if err != nil {
		r.logger.Error("claim task", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		// Another worker won the race; not an error.
		return
	}
	r.processClaimed(ctx, task)
}

func (r *Runner) processClaimed(ctx context.Context, task *persistence.Task) {
	r.isProcessing.Store(true)
	r.currentTask.Store(task.ID)
	// Shutdown drains in-flight work, so stopping the loops must not tear
	// the task down with them. The task runs on a detached context whose
	// cancel Stop fires only after the drain window elapses.
	taskCtx, cancelTask := context.WithCancel(context.WithoutCancel(ctx))
	r.taskCancel.Store(cancelTask)
	defer func() {
		cancelTask()
		r.isProcessing.Store(false)
		r.currentTask.Store("")
	}()

	taskCtx = shared.WithTaskID(shared.WithAgentID(taskCtx, r.cfg.AgentID), task.ID)
	started := time.Now()
	r.logger.Info("processing task", "task_id", task.ID, "title", task.Title)

	result, err := r.processor.ProcessTask(taskCtx, task)
	if err != nil {
		r.logger.Error("task failed", "task_id", task.ID, "error", err, "duration", time.Since(started))
		if failErr := r.store.FailTask(taskCtx, task.ID, err.Error()); failErr != nil {
			r.logger.Error("record task failure", "task_id", task.ID, "error", failErr)
		}
		return
	}

	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		raw = []byte("{}")
	}
	if err := r.store.CompleteTask(taskCtx, task.ID, string(raw)); err != nil {
		r.logger.Error("record task completion", "task_id", task.ID, "error", err)
		return
	}
	r.logger.Info("task completed", "task_id", task.ID, "duration", time.Since(started))
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := "online"
			if r.isProcessing.Load() {
				status = "busy"
			}
			var mem gort.MemStats
			gort.ReadMemStats(&mem)
			metrics := map[string]any{
				"memory_mb":  mem.Alloc / (1 << 20),
				"goroutines": gort.NumGoroutine(),
			}
			if id, ok := r.currentTask.Load().(string); ok && id != "" {
				metrics["current_task"] = id
			}
			if err := r.store.Heartbeat(ctx, r.cfg.AgentID, status, metrics); err != nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runner) patrolLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PatrolInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			findings, err := r.patrolFn(ctx)
			if err != nil {
				r.logger.Error("patrol failed", "error", err)
				continue
			}
			if len(findings) > 0 {
				r.publishFindings(ctx, findings)
			}
		}
	}
}
