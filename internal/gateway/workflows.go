package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/basket/go-seldon/internal/workflow"
)

const workflowGoneHint = "workflow may have completed or the server may have restarted"

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Store.ListWorkflows(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	activeIDs := map[string]bool{}
	if s.cfg.Executor != nil {
		for _, inst := range s.cfg.Executor.Active() {
			activeIDs[inst.ID] = true
		}
	}

	type entry struct {
		ID           string    `json:"id"`
		Template     string    `json:"template"`
		ParentTaskID string    `json:"parent_task_id"`
		Status       string    `json:"status"`
		Active       bool      `json:"active"`
		CreatedAt    time.Time `json:"created_at"`
	}
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entry{
			ID:           rec.ID,
			Template:     rec.Template,
			ParentTaskID: rec.ParentTaskID,
			Status:       rec.Status,
			Active:       activeIDs[rec.ID],
			CreatedAt:    rec.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflows":        entries,
		"count":            len(entries),
		"active_in_memory": len(activeIDs),
	})
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	ctx := r.Context()

	if s.cfg.Executor != nil {
		if inst := s.cfg.Executor.Get(workflowID); inst != nil {
			resp := map[string]any{
				"workflow": inst,
				"active":   true,
			}
			if subtasks, err := s.cfg.Store.Subtasks(ctx, inst.ParentTaskID); err == nil {
				resp["subtasks"] = subtasks
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	rec, err := s.cfg.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "workflow '"+workflowID+"' not found: "+workflowGoneHint)
		return
	}

	resp := map[string]any{
		"workflow": rec,
		"active":   false,
	}
	if subtasks, err := s.cfg.Store.Subtasks(ctx, rec.ParentTaskID); err == nil {
		resp["subtasks"] = subtasks
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkflowGate(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	var req struct {
		Step   string `json:"step"`
		Action string `json:"action"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Action == "" {
		req.Action = "done"
	}
	if s.cfg.Executor == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow execution unavailable")
		return
	}

	err := s.cfg.Executor.ResolveGate(r.Context(), workflowID, req.Step, req.Action)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow '"+workflowID+"' not active: "+workflowGoneHint)
		return
	case errors.Is(err, workflow.ErrNoWaitingGate):
		writeError(w, http.StatusBadRequest, "no waiting gate found")
		return
	case errors.Is(err, workflow.ErrStepNotFound), errors.Is(err, workflow.ErrGateNotWaiting):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"resolved":    true,
		"action":      req.Action,
	})
}

func (s *Server) handleWorkflowStepFail(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	stepName := r.PathValue("name")
	var req struct {
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if s.cfg.Executor == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow execution unavailable")
		return
	}

	err := s.cfg.Executor.FailStep(r.Context(), workflowID, stepName, req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow '"+workflowID+"' not active: "+workflowGoneHint)
		return
	case errors.Is(err, workflow.ErrStepNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"step":        stepName,
		"failed":      true,
	})
}
