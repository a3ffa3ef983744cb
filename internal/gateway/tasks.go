package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/shared"
)

// onlineStatuses are agent states eligible for dispatch.
func agentDispatchable(a *persistence.AgentRecord) bool {
	switch a.Status {
	case "online", "healthy", "idle", "active", "busy":
		return true
	}
	return false
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task               string   `json:"task"`
		Description        string   `json:"description"`
		Priority           any      `json:"priority"`
		PreferredAgent     string   `json:"preferred_agent"`
		FallbackAgents     []string `json:"fallback_agents"`
		AcceptanceCriteria any      `json:"acceptance_criteria"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	ctx := r.Context()
	target := req.PreferredAgent
	if target != "" {
		agent, err := s.cfg.Store.GetAgent(ctx, target)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to dispatch task")
			return
		}
		if agent == nil || !agentDispatchable(agent) {
			target = s.pickFallback(r, req.FallbackAgents)
			if target == "" {
				if len(req.FallbackAgents) > 0 {
					writeError(w, http.StatusNotFound, "no available agents found (preferred and fallbacks unavailable)")
				} else {
					writeError(w, http.StatusNotFound, "preferred agent '"+req.PreferredAgent+"' not available")
				}
				return
			}
		}
	} else {
		target = s.pickAnyOnline(r)
		if target == "" {
			writeError(w, http.StatusNotFound, "no available agents to dispatch to")
			return
		}
	}

	priority := mapPriority(req.Priority)

	threadID, err := s.cfg.Notifier.CreateThread(ctx, fmt.Sprintf("[P%d] %s", priority, req.Task))
	if err != nil {
		s.cfg.Logger.Warn("create task thread", "error", err)
	}

	meta := map[string]any{
		"fallback_agents": req.FallbackAgents,
		"dispatched_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if req.AcceptanceCriteria != nil {
		meta["acceptance_criteria"] = req.AcceptanceCriteria
	}
	taskID, err := s.cfg.Store.CreateTask(ctx, persistence.NewTask{
		Title:       req.Task,
		Description: req.Description,
		Priority:    priority,
		AssignedTo:  target,
		ThreadID:    threadID,
		Metadata:    meta,
	})
	if err != nil {
		s.cfg.Logger.Error("dispatch task", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to dispatch task")
		return
	}

	detail, _ := json.Marshal(map[string]any{
		"task_id":   taskID,
		"task_name": req.Task,
		"priority":  priority,
		"thread_id": threadID,
	})
	if err := s.cfg.Store.RecordActivity(ctx, target, "task_created", string(detail)); err != nil {
		s.cfg.Logger.Warn("record dispatch activity", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dispatched":              true,
		"task_id":                 taskID,
		"assigned_agent":          target,
		"priority":                priority,
		"status":                  "pending",
		"has_acceptance_criteria": req.AcceptanceCriteria != nil,
		"thread_id":               threadID,
	})
}

// pickFallback returns the first dispatchable agent from the list.
func (s *Server) pickFallback(r *http.Request, fallbacks []string) string {
	for _, id := range fallbacks {
		agent, err := s.cfg.Store.GetAgent(r.Context(), id)
		if err == nil && agent != nil && agentDispatchable(agent) {
			return id
		}
	}
	return ""
}

// pickAnyOnline returns the dispatchable agent with the freshest heartbeat.
func (s *Server) pickAnyOnline(r *http.Request) string {
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		return ""
	}
	best := ""
	var bestBeat time.Time
	for i := range agents {
		a := agents[i]
		if !agentDispatchable(&a) || a.LastHeartbeat == nil {
			continue
		}
		if best == "" || a.LastHeartbeat.After(bestBeat) {
			best = a.ID
			bestBeat = *a.LastHeartbeat
		}
	}
	return best
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task             string   `json:"task"`
		Intent           string   `json:"intent"`
		Plan             []string `json:"plan"`
		Verification     string   `json:"verification"`
		Risks            []string `json:"risks"`
		WorkflowTemplate string   `json:"workflow_template"`
		Priority         any      `json:"priority"`
		EstimatedAgents  []string `json:"estimated_agents"`
		CriticChains     []string `json:"critic_chains"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Task == "" || req.Intent == "" {
		writeError(w, http.StatusBadRequest, "task and intent are required")
		return
	}

	ctx := r.Context()
	priority := mapPriority(req.Priority)

	threadID, err := s.cfg.Notifier.CreateThread(ctx, fmt.Sprintf("[P%d] %s", priority, req.Task))
	if err != nil {
		s.cfg.Logger.Warn("create preflight thread", "error", err)
	}

	taskID, err := s.cfg.Store.CreateTask(ctx, persistence.NewTask{
		Title:       req.Task,
		Description: req.Intent,
		Priority:    priority,
		AssignedTo:  shared.CoordinatorAgentID,
		ThreadID:    threadID,
		Status:      persistence.TaskStatusAwaitingApproval,
		Metadata: map[string]any{
			"preflight": map[string]any{
				"intent":            req.Intent,
				"plan":              req.Plan,
				"verification":      req.Verification,
				"risks":             req.Risks,
				"estimated_agents":  req.EstimatedAgents,
				"critic_chains":     req.CriticChains,
				"workflow_template": req.WorkflowTemplate,
			},
			"dispatched_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.cfg.Logger.Error("create preflight", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create preflight")
		return
	}

	if threadID != "" {
		var b strings.Builder
		b.WriteString("PRE-FLIGHT CHECK: awaiting approval\n")
		b.WriteString("Intent: " + req.Intent + "\n")
		if len(req.Plan) > 0 {
			b.WriteString("Plan:\n")
			for _, p := range req.Plan {
				b.WriteString("  - " + p + "\n")
			}
		}
		if req.Verification != "" {
			b.WriteString("Verification: " + req.Verification + "\n")
		}
		if len(req.Risks) > 0 {
			b.WriteString("Risks:\n")
			for _, risk := range req.Risks {
				b.WriteString("  - " + risk + "\n")
			}
		}
		if len(req.EstimatedAgents) > 0 {
			b.WriteString("Agents: " + strings.Join(req.EstimatedAgents, ", ") + "\n")
		}
		if req.WorkflowTemplate != "" {
			b.WriteString("Workflow: " + req.WorkflowTemplate + "\n")
		}
		b.WriteString(`Reply "Go" to approve, "Stop" to cancel, or "Modify: ..." to adjust the plan.`)
		if err := s.cfg.Notifier.Post(ctx, threadID, b.String()); err != nil {
			s.cfg.Logger.Warn("post preflight plan", "error", err)
		}
	}

	detail, _ := json.Marshal(map[string]any{
		"task_id":           taskID,
		"task_name":         req.Task,
		"intent":            req.Intent,
		"workflow_template": req.WorkflowTemplate,
	})
	if err := s.cfg.Store.RecordActivity(ctx, shared.CoordinatorAgentID, "preflight_created", string(detail)); err != nil {
		s.cfg.Logger.Warn("record preflight activity", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"preflight_id": taskID,
		"status":       "awaiting_approval",
		"task":         req.Task,
		"intent":       req.Intent,
		"thread_id":    threadID,
		"next_action":  `Reply "Go" in the task thread or call POST /seldon/preflight/{id}/approve`,
	})
}

func (s *Server) handlePreflightApprove(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	var req struct {
		Action        string `json:"action"`
		Modifications any    `json:"modifications"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	task, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to approve preflight")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task '"+taskID+"' not found")
		return
	}
	if task.Status != persistence.TaskStatusAwaitingApproval {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("task is '%s', not awaiting_approval", task.Status))
		return
	}

	action := strings.ToLower(req.Action)
	if action == "" {
		action = "go"
	}

	switch action {
	case "stop":
		if err := s.cfg.Store.CancelTask(ctx, taskID, "human cancelled preflight"); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to cancel preflight")
			return
		}
		if task.ThreadID != "" {
			_ = s.cfg.Notifier.Post(ctx, task.ThreadID, "Cancelled: human stopped this task.")
			_ = s.cfg.Notifier.ArchiveThread(ctx, task.ThreadID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": "cancelled"})
		return

	case "modify":
		meta := task.MetadataMap()
		preflight, _ := meta["preflight"].(map[string]any)
		if preflight == nil {
			preflight = map[string]any{}
		}
		preflight["modifications"] = req.Modifications
		preflight["modified_at"] = time.Now().UTC().Format(time.RFC3339)
		if err := s.cfg.Store.MergeTaskMetadata(ctx, taskID, map[string]any{"preflight": preflight}); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to record modifications")
			return
		}
		if task.ThreadID != "" {
			_ = s.cfg.Notifier.Post(ctx, task.ThreadID, `Plan modified. Awaiting new "Go" approval.`)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":  taskID,
			"status":   "awaiting_approval",
			"modified": true,
		})
		return

	case "go":
		// Fall through to approval below.
	default:
		writeError(w, http.StatusBadRequest, "action must be go, stop, or modify")
		return
	}

	if err := s.cfg.Store.ApproveTask(ctx, taskID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to approve preflight")
		return
	}
	if err := s.cfg.Store.MergeTaskMetadata(ctx, taskID, map[string]any{
		"approved": map[string]any{"by": "human", "at": time.Now().UTC().Format(time.RFC3339)},
	}); err != nil {
		s.cfg.Logger.Warn("record approval metadata", "task_id", taskID, "error", err)
	}
	if task.ThreadID != "" {
		_ = s.cfg.Notifier.Post(ctx, task.ThreadID, "Approved: workflow execution starting.")
	}
	detail, _ := json.Marshal(map[string]any{"task_id": taskID, "task_name": task.Title})
	if err := s.cfg.Store.RecordActivity(ctx, shared.CoordinatorAgentID, "preflight_approved", string(detail)); err != nil {
		s.cfg.Logger.Warn("record approval activity", "error", err)
	}

	// Launch the named workflow template, when one was planned.
	meta := task.MetadataMap()
	preflight, _ := meta["preflight"].(map[string]any)
	template, _ := preflight["workflow_template"].(string)

	var workflowID string
	executing := false
	if template != "" && s.cfg.Executor != nil {
		inst, err := s.cfg.Executor.Start(ctx, template, taskID, task.ThreadID)
		if err != nil {
			s.cfg.Logger.Error("start workflow from preflight", "template", template, "error", err)
		} else {
			workflowID = inst.ID
			executing = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":           taskID,
		"status":            "approved",
		"workflow_template": template,
		"workflow_id":       workflowID,
		"executing":         executing,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id"`
		Result  any    `json:"result"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "task_id and agent_id are required")
		return
	}

	ctx := r.Context()
	task, err := s.cfg.Store.GetTask(ctx, req.TaskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task '"+req.TaskID+"' not found")
		return
	}

	meta := task.MetadataMap()
	if violations := checkAcceptance(criteriaFromMetadata(meta), req.Result); len(violations) > 0 {
		if err := s.cfg.Store.MergeTaskMetadata(ctx, req.TaskID, map[string]any{
			"validation_failures": violations,
		}); err != nil {
			s.cfg.Logger.Warn("record validation failures", "task_id", req.TaskID, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"completed":  false,
			"task_id":    req.TaskID,
			"violations": violations,
			"message":    "task result did not meet acceptance criteria",
		})
		return
	}

	summary := "Task completed by " + req.AgentID
	if obj, ok := req.Result.(map[string]any); ok {
		if s, ok := obj["summary"].(string); ok && s != "" {
			summary = s
		}
	}

	resultJSON := "{}"
	if req.Result != nil {
		if raw, err := json.Marshal(req.Result); err == nil {
			resultJSON = string(raw)
		}
	}
	if err := s.cfg.Store.CompleteTask(ctx, req.TaskID, resultJSON); err != nil {
		// Unclaimed tasks can still be reported done; claim on the
		// reporter's behalf and retry once.
		if errors.Is(err, sql.ErrNoRows) && task.Status == persistence.TaskStatusPending {
			if _, claimErr := s.cfg.Store.ClaimTask(ctx, req.TaskID, req.AgentID); claimErr == nil {
				err = s.cfg.Store.CompleteTask(ctx, req.TaskID, resultJSON)
			}
		}
		if err != nil {
			writeError(w, http.StatusConflict, "task is not in a completable state")
			return
		}
	}

	archivalScheduled := false
	if task.ThreadID != "" {
		_ = s.cfg.Notifier.Post(ctx, task.ThreadID, "Task completed\n"+summary)
		if s.cfg.Archiver != nil {
			s.cfg.Archiver.Schedule(req.TaskID, task.ThreadID)
			archivalScheduled = true
		}
	}

	detail, _ := json.Marshal(map[string]any{
		"task_id":   req.TaskID,
		"task_name": task.Title,
		"summary":   summary,
	})
	if err := s.cfg.Store.RecordActivity(ctx, req.AgentID, "task_completed", string(detail)); err != nil {
		s.cfg.Logger.Warn("record completion activity", "error", err)
	}

	// Advance any workflow this subtask belongs to.
	if s.cfg.Executor != nil {
		if err := s.cfg.Executor.OnSubtaskComplete(ctx, req.TaskID); err != nil {
			s.cfg.Logger.Error("advance workflow after completion", "task_id", req.TaskID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"completed":          true,
		"task_id":            req.TaskID,
		"agent_id":           req.AgentID,
		"violations":         []string{},
		"completion_summary": summary,
		"archival_scheduled": archivalScheduled,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID           string `json:"task_id"`
		ChainName        string `json:"chain_name"`
		Output           string `json:"output"`
		OriginatingAgent string `json:"originating_agent"`
		RetryCount       int    `json:"retry_count"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.ChainName == "" || req.Output == "" {
		writeError(w, http.StatusBadRequest, "task_id, chain_name, and output are required")
		return
	}
	if s.cfg.Validator == nil {
		writeError(w, http.StatusServiceUnavailable, "critic validation unavailable")
		return
	}

	result, err := s.cfg.Validator.Validate(r.Context(), req.TaskID, req.ChainName, req.Output, req.OriginatingAgent, req.RetryCount)
	if err != nil {
		s.cfg.Logger.Error("critic validation", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process critic chain validation")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), r.URL.Query().Get("status"), r.URL.Query().Get("agent"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task '"+taskID+"' not found")
		return
	}
	subtasks, err := s.cfg.Store.Subtasks(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"subtasks": subtasks,
	})
}

func (s *Server) handleTaskArchive(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ctx := r.Context()
	task, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to archive task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task '"+taskID+"' not found")
		return
	}
	switch task.Status {
	case persistence.TaskStatusCompleted, persistence.TaskStatusFailed, persistence.TaskStatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("task is '%s', only terminal tasks can be archived", task.Status))
		return
	}

	if err := s.cfg.Store.ArchiveTask(ctx, taskID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to archive task")
		return
	}
	if s.cfg.Archiver != nil {
		s.cfg.Archiver.Cancel(taskID)
	}
	if task.ThreadID != "" {
		_ = s.cfg.Notifier.ArchiveThread(ctx, task.ThreadID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archived": true,
		"task_id":  taskID,
	})
}
