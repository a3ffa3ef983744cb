package persistence

import (
	"context"
	"fmt"
	"time"
)

type RoutingDecision struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	AgentID   string    `json:"agent_id"`
	Score     float64   `json:"score"`
	Fallback  bool      `json:"fallback"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordRoutingDecision logs one routing decision for later outcome
// attribution.
func (s *Store) RecordRoutingDecision(ctx context.Context, messageID, agentID string, score float64, fallback bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO routing_decisions (message_id, agent_id, score, fallback) VALUES (?, ?, ?, ?);
		`, messageID, agentID, score, fallback)
		if err != nil {
			return fmt.Errorf("insert routing decision: %w", err)
		}
		return nil
	})
}

// RecordRoutingOutcome stamps the success/failure outcome onto the most
// recent decision for the agent that lacks one.
func (s *Store) RecordRoutingOutcome(ctx context.Context, agentID, outcome string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE routing_decisions SET outcome = ?
			WHERE id = (
				SELECT id FROM routing_decisions
				WHERE agent_id = ? AND outcome IS NULL
				ORDER BY id DESC LIMIT 1
			);
		`, outcome, agentID)
		if err != nil {
			return fmt.Errorf("record routing outcome: %w", err)
		}
		return nil
	})
}

// RecentOutcomes returns the newest-first outcomes recorded for an agent,
// up to limit. Used to seed the outcome tracker's window on startup.
func (s *Store) RecentOutcomes(ctx context.Context, agentID string, limit int) ([]bool, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome FROM routing_decisions
		WHERE agent_id = ? AND outcome IS NOT NULL
		ORDER BY id DESC LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	defer rows.Close()

	var out []bool
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, outcome == "success")
	}
	return out, rows.Err()
}

// OutcomeAgents lists the distinct agents with recorded outcomes.
func (s *Store) OutcomeAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT agent_id FROM routing_decisions WHERE outcome IS NOT NULL;
	`)
	if err != nil {
		return nil, fmt.Errorf("list outcome agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PruneRoutingDecisions deletes decisions older than the retention window.
func (s *Store) PruneRoutingDecisions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM routing_decisions WHERE created_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("prune routing decisions: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
