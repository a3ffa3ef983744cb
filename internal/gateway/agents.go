package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/shared"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string   `json:"agent_id"`
		Name         string   `json:"name"`
		Division     string   `json:"division"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.Name == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "agent_id, name, and role are required")
		return
	}

	token, err := s.cfg.Store.RegisterAgent(r.Context(), persistence.AgentRecord{
		ID:           req.AgentID,
		Name:         req.Name,
		Division:     req.Division,
		Role:         req.Role,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		s.cfg.Logger.Error("register agent", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registered":         true,
		"session_token":      token,
		"heartbeat_interval": int(s.cfg.HeartbeatInterval.Seconds()),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string         `json:"agent_id"`
		Status      string         `json:"status"`
		CurrentTask string         `json:"current_task"`
		Metrics     map[string]any `json:"metrics"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	metrics := req.Metrics
	if req.CurrentTask != "" {
		if metrics == nil {
			metrics = map[string]any{}
		}
		metrics["current_task"] = req.CurrentTask
	}
	if err := s.cfg.Store.Heartbeat(r.Context(), req.AgentID, req.Status, metrics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Agent not found. Register first.")
			return
		}
		s.cfg.Logger.Error("heartbeat", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process heartbeat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true,
		"agent_id":     req.AgentID,
	})
}

// rosterEntry is an agent row plus heartbeat staleness annotation.
type rosterEntry struct {
	persistence.AgentRecord
	Staleness string `json:"staleness"` // fresh, stale, or critical
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	now := time.Now()
	roster := make([]rosterEntry, 0, len(agents))
	for _, a := range agents {
		entry := rosterEntry{AgentRecord: a, Staleness: "critical"}
		if a.LastHeartbeat != nil {
			switch age := now.Sub(*a.LastHeartbeat); {
			case age < staleAfter:
				entry.Staleness = "fresh"
			case age < criticalAfter:
				entry.Staleness = "stale"
			}
		}
		roster = append(roster, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": roster,
		"count":  len(roster),
	})
}

// handleHandoff reassigns a unit of work between agents: a pending task
// for the receiver carrying the sender's context, with an activity trail.
func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAgent       string          `json:"from_agent"`
		ToAgent         string          `json:"to_agent"`
		Context         json.RawMessage `json:"context"`
		RequireResponse bool            `json:"require_response"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.FromAgent == "" || req.ToAgent == "" || len(req.Context) == 0 {
		writeError(w, http.StatusBadRequest, "from_agent, to_agent, and context are required")
		return
	}

	ctx := r.Context()
	for _, id := range []string{req.FromAgent, req.ToAgent} {
		agent, err := s.cfg.Store.GetAgent(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create handoff")
			return
		}
		if agent == nil {
			writeError(w, http.StatusNotFound, "agent '"+id+"' not found")
			return
		}
	}

	var handoffCtx any
	_ = json.Unmarshal(req.Context, &handoffCtx)
	taskID, err := s.cfg.Store.CreateTask(ctx, persistence.NewTask{
		Title:      "Handoff from " + req.FromAgent,
		AssignedTo: req.ToAgent,
		Metadata: map[string]any{
			"handoff": map[string]any{
				"from_agent":       req.FromAgent,
				"context":          handoffCtx,
				"require_response": req.RequireResponse,
			},
		},
	})
	if err != nil {
		s.cfg.Logger.Error("create handoff task", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create handoff")
		return
	}

	detail, _ := json.Marshal(map[string]any{
		"task_id":    taskID,
		"from_agent": req.FromAgent,
		"to_agent":   req.ToAgent,
	})
	if err := s.cfg.Store.RecordActivity(ctx, req.FromAgent, "handoff", string(detail)); err != nil {
		s.cfg.Logger.Warn("record handoff activity", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"handoff_id":       taskID,
		"from_agent":       req.FromAgent,
		"to_agent":         req.ToAgent,
		"status":           "pending",
		"require_response": req.RequireResponse,
	})
}

// handleBroadcast fans a message out as a pending task per online agent.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message   string `json:"message"`
		Priority  any    `json:"priority"`
		FromAgent string `json:"from_agent"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	from := req.FromAgent
	if from == "" {
		from = shared.CoordinatorAgentID
	}

	ctx := r.Context()
	agents, err := s.cfg.Store.ListAgents(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to broadcast message")
		return
	}

	now := time.Now()
	priority := mapPriority(req.Priority)
	var delivered []string
	for _, a := range agents {
		if a.Status != "online" || a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) >= criticalAfter {
			continue
		}
		_, err := s.cfg.Store.CreateTask(ctx, persistence.NewTask{
			Title:      req.Message,
			Priority:   priority,
			AssignedTo: a.ID,
			Metadata: map[string]any{
				"broadcast":    true,
				"from_agent":   from,
				"broadcast_at": now.UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			s.cfg.Logger.Error("broadcast task", "agent_id", a.ID, "error", err)
			continue
		}
		delivered = append(delivered, a.ID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"broadcast":    true,
		"delivered_to": delivered,
		"count":        len(delivered),
	})
}

// mapPriority converts named or numeric priorities to the task integer
// scale, lowest number first.
func mapPriority(v any) int {
	switch p := v.(type) {
	case float64:
		return int(p)
	case int:
		return p
	case string:
		switch strings.ToLower(p) {
		case "critical":
			return 1
		case "high":
			return 2
		case "medium":
			return 5
		case "low":
			return 8
		}
	}
	return 5
}
