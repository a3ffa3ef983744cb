package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	MultiplierMin = 0.7
	MultiplierMax = 1.3

	// Decisions required before the multiplier departs from neutral.
	defaultMinSamples = 5
	// Rolling window of decisions kept in memory per tracker.
	defaultWindowSize = 5000
	// Debounce for persisting recorded outcomes.
	defaultFlushDebounce = 10 * time.Second
)

// OutcomeStore is the persistence surface the tracker needs. Satisfied by
// *persistence.Store.
type OutcomeStore interface {
	RecordRoutingOutcome(ctx context.Context, agentID, outcome string) error
	RecentOutcomes(ctx context.Context, agentID string, limit int) ([]bool, error)
	OutcomeAgents(ctx context.Context) ([]string, error)
}

type decision struct {
	agentID string
	success bool
}

// AgentStats summarizes an agent's window for the status surface.
type AgentStats struct {
	AgentID        string  `json:"agent_id"`
	Multiplier     float64 `json:"multiplier"`
	TotalDecisions int     `json:"total_decisions"`
	SuccessCount   int     `json:"success_count"`
	FailureCount   int     `json:"failure_count"`
	SuccessRate    float64 `json:"success_rate"`
}

// Tracker keeps a rolling window of routing outcomes and feeds success
// rates back into the scorer as a 0.7–1.3 multiplier. Saves to the store
// are debounced: the first Record after a flush arms a single timer.
type Tracker struct {
	store      OutcomeStore
	logger     *slog.Logger
	windowSize int
	minSamples int
	debounce   time.Duration

	mu            sync.Mutex
	decisions     []decision
	lastSaveIndex int
	flushTimer    *time.Timer
}

type TrackerOptions struct {
	WindowSize    int
	MinSamples    int
	FlushDebounce time.Duration
}

func NewTracker(store OutcomeStore, logger *slog.Logger, opts TrackerOptions) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = defaultMinSamples
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = defaultFlushDebounce
	}
	return &Tracker{
		store:      store,
		logger:     logger,
		windowSize: opts.WindowSize,
		minSamples: opts.MinSamples,
		debounce:   opts.FlushDebounce,
	}
}

// Record appends an outcome to the rolling window and schedules a debounced
// save. Evicting the oldest entries shifts the unsaved-suffix marker too.
func (t *Tracker) Record(agentID string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.decisions = append(t.decisions, decision{agentID: agentID, success: success})
	if over := len(t.decisions) - t.windowSize; over > 0 {
		t.decisions = t.decisions[over:]
		t.lastSaveIndex -= over
		if t.lastSaveIndex < 0 {
			t.lastSaveIndex = 0
		}
	}
	if t.flushTimer == nil && t.store != nil {
		t.flushTimer = time.AfterFunc(t.debounce, t.flush)
	}
}

// Multiplier returns the agent's outcome multiplier. Fewer than minSamples
// recorded decisions returns exactly 1.0 (neutral). At 50% success the
// multiplier is 1.0; 100% gives 1.3 and 0% gives 0.7.
func (t *Tracker) Multiplier(agentID string) float64 {
	return t.Stats(agentID).Multiplier
}

func (t *Tracker) Stats(agentID string) AgentStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := AgentStats{AgentID: agentID, Multiplier: 1.0}
	for _, d := range t.decisions {
		if d.agentID != agentID {
			continue
		}
		stats.TotalDecisions++
		if d.success {
			stats.SuccessCount++
		}
	}
	stats.FailureCount = stats.TotalDecisions - stats.SuccessCount
	if stats.TotalDecisions > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalDecisions)
	}
	if stats.TotalDecisions >= t.minSamples {
		m := MultiplierMin + stats.SuccessRate*(MultiplierMax-MultiplierMin)
		if m < MultiplierMin {
			m = MultiplierMin
		}
		if m > MultiplierMax {
			m = MultiplierMax
		}
		stats.Multiplier = m
	}
	return stats
}

// AllStats returns stats for every agent in the window, sorted by id.
func (t *Tracker) AllStats() []AgentStats {
	t.mu.Lock()
	seen := map[string]struct{}{}
	ids := []string{}
	for _, d := range t.decisions {
		if _, ok := seen[d.agentID]; !ok {
			seen[d.agentID] = struct{}{}
			ids = append(ids, d.agentID)
		}
	}
	t.mu.Unlock()

	sort.Strings(ids)
	out := make([]AgentStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Stats(id))
	}
	return out
}

// Load seeds the window from previously persisted outcomes, oldest first,
// so restart does not reset multipliers to neutral.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	agents, err := t.store.OutcomeAgents(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, agentID := range agents {
		outcomes, err := t.store.RecentOutcomes(ctx, agentID, t.windowSize)
		if err != nil {
			return err
		}
		t.mu.Lock()
		// RecentOutcomes is newest-first; reverse into original order.
		for i := len(outcomes) - 1; i >= 0; i-- {
			t.decisions = append(t.decisions, decision{agentID: agentID, success: outcomes[i]})
		}
		if over := len(t.decisions) - t.windowSize; over > 0 {
			t.decisions = t.decisions[over:]
		}
		t.lastSaveIndex = len(t.decisions)
		t.mu.Unlock()
		loaded += len(outcomes)
	}
	t.logger.Info("outcome tracker seeded", "decisions", loaded, "agents", len(agents))
	return nil
}

// Flush forces the debounced save immediately. Used on shutdown.
func (t *Tracker) Flush() {
	t.mu.Lock()
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	t.mu.Unlock()
	t.flush()
}

func (t *Tracker) flush() {
	t.mu.Lock()
	t.flushTimer = nil
	pending := make([]decision, len(t.decisions)-t.lastSaveIndex)
	copy(pending, t.decisions[t.lastSaveIndex:])
	t.lastSaveIndex = len(t.decisions)
	t.mu.Unlock()

	if len(pending) == 0 || t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, d := range pending {
		outcome := "failure"
		if d.success {
			outcome = "success"
		}
		if err := t.store.RecordRoutingOutcome(ctx, d.agentID, outcome); err != nil {
			t.logger.Error("persist routing outcome", "agent_id", d.agentID, "error", err)
		}
	}
	t.logger.Debug("flushed routing outcomes", "count", len(pending))
}
