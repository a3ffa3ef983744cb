package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-seldon/internal/bus"
	"github.com/basket/go-seldon/internal/persistence"
)

const (
	// Processed-ID memory cap; the oldest half is pruned when exceeded.
	maxProcessedIDs = 10000
)

// DispatchStore is the persistence surface the dispatcher needs.
// Satisfied by *persistence.Store.
type DispatchStore interface {
	UnroutedMessages(ctx context.Context, limit int) ([]persistence.Message, error)
	MarkRouted(ctx context.Context, messageID, agentID string) (bool, error)
	MarkRoutingFailed(ctx context.Context, messageID string) error
	RecordRoutingDecision(ctx context.Context, messageID, agentID string, score float64, fallback bool) error
	CreateTask(ctx context.Context, nt persistence.NewTask) (string, error)
}

type DispatcherOptions struct {
	PollInterval   time.Duration
	BatchSize      int
	ScoreThreshold float64
	FallbackAgent  string
}

// Dispatcher polls for unrouted messages, scores them against the agent
// pool, and turns each winning decision into a task for that agent. Low
// scorers go to the fallback orchestrator instead of being dropped.
type Dispatcher struct {
	store    DispatchStore
	pool     []Profile
	tracker  MultiplierSource
	eventBus *bus.Bus
	logger   *slog.Logger
	opts     DispatcherOptions

	processed      map[string]struct{}
	processedOrder []string
}

func NewDispatcher(store DispatchStore, pool []Profile, tracker MultiplierSource, eventBus *bus.Bus, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = 0.15
	}
	if opts.FallbackAgent == "" {
		opts.FallbackAgent = "seldon"
	}
	return &Dispatcher{
		store:     store,
		pool:      pool,
		tracker:   tracker,
		eventBus:  eventBus,
		logger:    logger,
		opts:      opts,
		processed: make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	d.logger.Info("dispatcher started",
		"poll_interval", d.opts.PollInterval,
		"threshold", d.opts.ScoreThreshold,
		"agents", len(d.pool))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.ProcessBatch(ctx); err != nil {
				d.logger.Error("routing batch failed", "error", err)
			}
		}
	}
}

// ProcessBatch routes one batch of unrouted messages, oldest first.
func (d *Dispatcher) ProcessBatch(ctx context.Context) error {
	msgs, err := d.store.UnroutedMessages(ctx, d.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch unrouted messages: %w", err)
	}
	for _, msg := range msgs {
		if _, seen := d.processed[msg.ID]; seen {
			continue
		}
		if err := d.routeOne(ctx, msg); err != nil {
			d.logger.Error("route message", "message_id", msg.ID, "error", err)
			_ = d.store.MarkRoutingFailed(ctx, msg.ID)
		}
		d.markProcessed(msg.ID)
	}
	return nil
}

func (d *Dispatcher) routeOne(ctx context.Context, msg persistence.Message) error {
	result := RouteMessage(Message{Text: msg.Content}, d.pool, d.tracker)

	agentID := d.opts.FallbackAgent
	score := 0.0
	fallback := true
	if result.Best != nil && result.Best.FinalScore >= d.opts.ScoreThreshold {
		agentID = result.Best.AgentID
		score = result.Best.FinalScore
		fallback = false
	} else if result.Best != nil {
		score = result.Best.FinalScore
	}

	ok, err := d.store.MarkRouted(ctx, msg.ID, agentID)
	if err != nil {
		return fmt.Errorf("mark routed: %w", err)
	}
	if !ok {
		// Another dispatcher instance got there first.
		return nil
	}
	if err := d.store.RecordRoutingDecision(ctx, msg.ID, agentID, score, fallback); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}

	meta := map[string]any{"message_id": msg.ID, "routing_score": score}
	if fallback {
		meta["fallback"] = true
	}
	if _, err := d.store.CreateTask(ctx, persistence.NewTask{
		Title:      msg.Content,
		AssignedTo: agentID,
		ThreadID:   msg.ThreadID,
		Metadata:   meta,
	}); err != nil {
		return fmt.Errorf("create routed task: %w", err)
	}

	topic := bus.TopicRoutingDecision
	if fallback {
		topic = bus.TopicRoutingFallback
	}
	if d.eventBus != nil {
		d.eventBus.Publish(topic, bus.RoutingEvent{
			MessageID: msg.ID,
			AgentID:   agentID,
			Score:     score,
			Fallback:  fallback,
		})
	}
	d.logger.Info("message routed",
		"message_id", msg.ID, "agent_id", agentID,
		"score", score, "fallback", fallback)
	return nil
}

func (d *Dispatcher) markProcessed(id string) {
	d.processed[id] = struct{}{}
	d.processedOrder = append(d.processedOrder, id)
	if len(d.processedOrder) > maxProcessedIDs {
		drop := d.processedOrder[:len(d.processedOrder)/2]
		for _, old := range drop {
			delete(d.processed, old)
		}
		d.processedOrder = append([]string(nil), d.processedOrder[len(drop):]...)
	}
}
