package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type AgentRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Division      string     `json:"division,omitempty"`
	Role          string     `json:"role,omitempty"`
	Capabilities  []string   `json:"capabilities"`
	Status        string     `json:"status"`
	SessionToken  string     `json:"-"`
	Metrics       string     `json:"metrics,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// newSessionToken mints a bearer token for a registered agent.
func newSessionToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return "sel_" + hex.EncodeToString(buf), nil
}

// RegisterAgent upserts an agent row and issues a fresh session token.
// Re-registering an existing agent rotates its token and marks it online.
func (s *Store) RegisterAgent(ctx context.Context, rec AgentRecord) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	caps := "[]"
	if len(rec.Capabilities) > 0 {
		raw, err := json.Marshal(rec.Capabilities)
		if err != nil {
			return "", fmt.Errorf("marshal capabilities: %w", err)
		}
		caps = string(raw)
	}
	if rec.Name == "" {
		rec.Name = rec.ID
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, division, role, capabilities, status, session_token, last_heartbeat)
			VALUES (?, ?, ?, ?, ?, 'online', ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				division = excluded.division,
				role = excluded.role,
				capabilities = excluded.capabilities,
				status = 'online',
				session_token = excluded.session_token,
				last_heartbeat = CURRENT_TIMESTAMP;
		`, rec.ID, rec.Name, rec.Division, rec.Role, caps, token)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Heartbeat records an agent's liveness ping with its current status and
// metrics snapshot. Unknown agents are rejected.
func (s *Store) Heartbeat(ctx context.Context, agentID, status string, metrics map[string]any) error {
	if status == "" {
		status = "online"
	}
	m := "{}"
	if len(metrics) > 0 {
		raw, err := json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("marshal agent metrics: %w", err)
		}
		m = string(raw)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET status = ?, metrics = ?, last_heartbeat = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, status, m, agentID)
		if err != nil {
			return fmt.Errorf("update heartbeat: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, division, role, capabilities, status, session_token, metrics, last_heartbeat, registered_at
		FROM agents WHERE id = ?;
	`, agentID)
	rec, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return rec, nil
}

// AgentByToken resolves a session token to its agent, for gateway auth.
func (s *Store) AgentByToken(ctx context.Context, token string) (*AgentRecord, error) {
	if token == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, division, role, capabilities, status, session_token, metrics, last_heartbeat, registered_at
		FROM agents WHERE session_token = ?;
	`, token)
	rec, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select agent by token: %w", err)
	}
	return rec, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, division, role, capabilities, status, session_token, metrics, last_heartbeat, registered_at
		FROM agents ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// IsAgentOnline reports whether the agent's last heartbeat is within the
// staleness horizon.
func (s *Store) IsAgentOnline(ctx context.Context, agentID string, staleAfter time.Duration) (bool, error) {
	rec, err := s.GetAgent(ctx, agentID)
	if err != nil || rec == nil {
		return false, err
	}
	if rec.Status == "offline" || rec.LastHeartbeat == nil {
		return false, nil
	}
	return time.Since(*rec.LastHeartbeat) <= staleAfter, nil
}

// MarkStaleAgentsOffline flips agents with heartbeats older than the
// horizon to offline. Returns the number updated.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET status = 'offline'
			WHERE status != 'offline' AND (last_heartbeat IS NULL OR last_heartbeat < ?);
		`, cutoff)
		if err != nil {
			return fmt.Errorf("mark stale agents: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func scanAgent(scanFn func(dest ...any) error) (*AgentRecord, error) {
	var rec AgentRecord
	var caps string
	var hb sql.NullTime
	if err := scanFn(
		&rec.ID, &rec.Name, &rec.Division, &rec.Role, &caps, &rec.Status,
		&rec.SessionToken, &rec.Metrics, &hb, &rec.RegisteredAt,
	); err != nil {
		return nil, err
	}
	if caps != "" {
		_ = json.Unmarshal([]byte(caps), &rec.Capabilities)
	}
	if hb.Valid {
		rec.LastHeartbeat = &hb.Time
	}
	return &rec, nil
}
