package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-seldon/internal/bus"
	"github.com/basket/go-seldon/internal/channels"
	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/shared"
)

// Workflow instance statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrTemplateNotFound = errors.New("workflow template not found")
	ErrStepNotFound     = errors.New("workflow step not found")
	ErrNoWaitingGate    = errors.New("no step is waiting at a gate")
	ErrGateNotWaiting   = errors.New("step is not waiting at a gate")
)

// ExecutorStore is the persistence surface the executor drives.
type ExecutorStore interface {
	CreateWorkflow(ctx context.Context, id, template, parentTaskID, metadata string) error
	SaveWorkflowState(ctx context.Context, id, metadata string) error
	CompleteWorkflow(ctx context.Context, id, status, metadata string) error
	CreateTask(ctx context.Context, nt persistence.NewTask) (string, error)
	ClaimTask(ctx context.Context, taskID, agentID string) (bool, error)
	CompleteTask(ctx context.Context, taskID, result string) error
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	RecordActivity(ctx context.Context, agentID, kind, detail string) error
}

// Instance is the in-memory state of a running workflow. Instances are
// not rehydrated after a restart; completed state lives in the workflows
// table.
type Instance struct {
	ID           string            `json:"id"`
	Template     Template          `json:"-"`
	TemplateName string            `json:"template"`
	ParentTaskID string            `json:"parent_task_id"`
	ThreadID     string            `json:"thread_id,omitempty"`
	Status       string            `json:"status"`
	StepStatus   map[string]string `json:"step_status"`
	StepResults  map[string]string `json:"step_results"`
	StepTasks    map[string]string `json:"step_tasks"`
	StartedAt    time.Time         `json:"started_at"`
}

type instanceState struct {
	StepStatus  map[string]string `json:"step_status"`
	StepResults map[string]string `json:"step_results"`
	StepTasks   map[string]string `json:"step_tasks"`
	ThreadID    string            `json:"thread_id,omitempty"`
}

// Executor runs workflow instances: dependency-ordered dispatch, human
// gates, alert posts, and completion bookkeeping.
type Executor struct {
	store     ExecutorStore
	templates *Registry
	notifier  channels.Notifier
	archiver  *Archiver
	eventBus  *bus.Bus
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*Instance
}

func NewExecutor(store ExecutorStore, templates *Registry, notifier channels.Notifier, archiver *Archiver, eventBus *bus.Bus, logger *slog.Logger) *Executor {
	if notifier == nil {
		notifier = channels.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:     store,
		templates: templates,
		notifier:  notifier,
		archiver:  archiver,
		eventBus:  eventBus,
		logger:    logger,
		active:    map[string]*Instance{},
	}
}

// Start launches a workflow from a template. The parent task is claimed
// by the coordinator so its lifecycle tracks the workflow's.
func (e *Executor) Start(ctx context.Context, templateName, parentTaskID, threadID string) (*Instance, error) {
	tmpl, ok := e.templates.Get(templateName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateName)
	}

	// The parent may already be in progress when the workflow starts
	// from a dispatched task; a lost claim is fine.
	if _, err := e.store.ClaimTask(ctx, parentTaskID, shared.CoordinatorAgentID); err != nil {
		return nil, fmt.Errorf("claim workflow parent: %w", err)
	}

	inst := &Instance{
		ID:           uuid.NewString(),
		Template:     tmpl,
		TemplateName: templateName,
		ParentTaskID: parentTaskID,
		ThreadID:     threadID,
		Status:       StatusRunning,
		StepStatus:   map[string]string{},
		StepResults:  map[string]string{},
		StepTasks:    map[string]string{},
		StartedAt:    time.Now().UTC(),
	}
	for _, step := range tmpl.Steps {
		if step.Name == intakeStepName {
			inst.StepStatus[step.Name] = StepCompleted
		} else {
			inst.StepStatus[step.Name] = StepPending
		}
	}

	ctx = shared.WithWorkflowID(ctx, inst.ID)
	if err := e.store.CreateWorkflow(ctx, inst.ID, templateName, parentTaskID, inst.stateJSON()); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.active[inst.ID] = inst
	e.mu.Unlock()

	if threadID != "" {
		if err := e.notifier.Post(ctx, threadID, fmt.Sprintf("Workflow %s started (%d steps)", templateName, len(tmpl.Steps))); err != nil {
			e.logger.Warn("post workflow start", "workflow_id", inst.ID, "error", err)
		}
	}
	e.recordActivity(ctx, "workflow_started", map[string]any{
		"workflow_id": inst.ID,
		"template":    templateName,
		"parent_task": parentTaskID,
	})
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowStarted, bus.WorkflowStepEvent{WorkflowID: inst.ID})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.advance(ctx, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// OnSubtaskComplete is called when a dispatched subtask finishes. A task
// carrying a fresh critic veto does not advance its step; the requeue
// already sent it back to the agent.
func (e *Executor) OnSubtaskComplete(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	meta := task.MetadataMap()
	workflowID, _ := meta["workflow_id"].(string)
	stepName, _ := meta["workflow_step"].(string)
	if workflowID == "" || stepName == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.active[workflowID]
	if !ok {
		e.logger.Warn("subtask completed for inactive workflow", "workflow_id", workflowID, "task_id", taskID)
		return nil
	}
	step, ok := inst.step(stepName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepName)
	}

	if step.CriticChain != "" && step.CanVeto {
		// Only a populated critic_veto holds the step; approvals write
		// critic_approved instead and pass through.
		if veto, ok := meta["critic_veto"]; ok && veto != nil {
			e.logger.Info("step held back by critic veto", "workflow_id", workflowID, "step", stepName, "task_id", taskID)
			return nil
		}
	}

	ctx = shared.WithWorkflowID(ctx, workflowID)
	inst.StepStatus[stepName] = StepCompleted
	inst.StepResults[stepName] = task.Result
	if err := e.store.SaveWorkflowState(ctx, inst.ID, inst.stateJSON()); err != nil {
		e.logger.Error("persist workflow state", "workflow_id", inst.ID, "error", err)
	}
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowStepDone, bus.WorkflowStepEvent{
			WorkflowID: inst.ID, StepName: stepName, TaskID: taskID, AgentID: step.Agent,
		})
	}
	return e.advance(ctx, inst)
}

// ResolveGate resumes a workflow paused at a human gate. An empty
// stepName targets the first waiting gate in template order. Action is
// "done", "skip", or "fail".
func (e *Executor) ResolveGate(ctx context.Context, workflowID, stepName, action string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.active[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}

	if stepName == "" {
		for _, step := range inst.Template.Steps {
			if inst.StepStatus[step.Name] == StepWaitingGate {
				stepName = step.Name
				break
			}
		}
		if stepName == "" {
			return ErrNoWaitingGate
		}
	}
	step, ok := inst.step(stepName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepName)
	}
	if inst.StepStatus[stepName] != StepWaitingGate {
		return fmt.Errorf("%w: %s", ErrGateNotWaiting, stepName)
	}

	ctx = shared.WithWorkflowID(ctx, workflowID)
	switch action {
	case "done":
		inst.StepStatus[stepName] = StepCompleted
	case "skip":
		inst.StepStatus[stepName] = StepSkipped
	case "fail":
		e.failStepLocked(inst, step)
	default:
		return fmt.Errorf("unknown gate action %q", action)
	}

	e.recordActivity(ctx, "gate_resolved", map[string]any{
		"workflow_id": inst.ID,
		"step":        stepName,
		"action":      action,
	})
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowGateResolved, bus.GateEvent{
			WorkflowID: inst.ID, StepName: stepName, Action: action,
		})
	}
	if err := e.store.SaveWorkflowState(ctx, inst.ID, inst.stateJSON()); err != nil {
		e.logger.Error("persist workflow state", "workflow_id", inst.ID, "error", err)
	}
	return e.advance(ctx, inst)
}

// FailStep marks a step failed (skipped when the step is optional) and
// advances past it.
func (e *Executor) FailStep(ctx context.Context, workflowID, stepName, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.active[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	step, ok := inst.step(stepName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepName)
	}

	ctx = shared.WithWorkflowID(ctx, workflowID)
	e.failStepLocked(inst, step)
	e.recordActivity(ctx, "step_failed", map[string]any{
		"workflow_id": inst.ID,
		"step":        stepName,
		"reason":      reason,
	})
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowStepFailed, bus.WorkflowStepEvent{
			WorkflowID: inst.ID, StepName: stepName, AgentID: step.Agent,
		})
	}
	if err := e.store.SaveWorkflowState(ctx, inst.ID, inst.stateJSON()); err != nil {
		e.logger.Error("persist workflow state", "workflow_id", inst.ID, "error", err)
	}
	return e.advance(ctx, inst)
}

// Get returns a snapshot of an active workflow, or nil when no instance
// by that id is running in this process.
func (e *Executor) Get(workflowID string) *Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.active[workflowID]
	if !ok {
		return nil
	}
	return inst.snapshot()
}

// Active lists snapshots of every running workflow.
func (e *Executor) Active() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.active))
	for _, inst := range e.active {
		out = append(out, inst.snapshot())
	}
	return out
}

// advance runs every ready step, repeating until nothing more can run in
// this pass. Callers hold e.mu.
func (e *Executor) advance(ctx context.Context, inst *Instance) error {
	for {
		progressed := false
		for _, step := range inst.Template.Steps {
			if inst.StepStatus[step.Name] != StepPending || !inst.depsSatisfied(step) {
				continue
			}
			progressed = true
			switch step.Action {
			case ActionGate:
				e.startGate(ctx, inst, step)
			case ActionDispatch:
				if err := e.dispatchStep(ctx, inst, step); err != nil {
					e.logger.Error("dispatch step", "workflow_id", inst.ID, "step", step.Name, "error", err)
					e.failStepLocked(inst, step)
				}
			case ActionAlert:
				e.runAlert(ctx, inst, step)
			default:
				e.logger.Error("unknown step action", "workflow_id", inst.ID, "step", step.Name, "action", step.Action)
				e.failStepLocked(inst, step)
			}
		}
		if !progressed {
			break
		}
	}

	if err := e.store.SaveWorkflowState(ctx, inst.ID, inst.stateJSON()); err != nil {
		e.logger.Error("persist workflow state", "workflow_id", inst.ID, "error", err)
	}
	if inst.allStepsTerminal() {
		return e.completeLocked(ctx, inst)
	}
	return nil
}

func (e *Executor) startGate(ctx context.Context, inst *Instance, step Step) {
	inst.StepStatus[step.Name] = StepWaitingGate
	prompt := step.Gate
	if prompt == "" {
		prompt = fmt.Sprintf("Step %s needs approval", step.Name)
	}
	if inst.ThreadID != "" {
		text := fmt.Sprintf("Gate: %s\nReply with workflow gate done/skip/fail for step %s.", prompt, step.Name)
		if err := e.notifier.Post(ctx, inst.ThreadID, text); err != nil {
			e.logger.Warn("post gate prompt", "workflow_id", inst.ID, "step", step.Name, "error", err)
		}
	}
	e.recordActivity(ctx, "gate_waiting", map[string]any{
		"workflow_id": inst.ID,
		"step":        step.Name,
		"gate":        prompt,
	})
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowGateWaiting, bus.GateEvent{WorkflowID: inst.ID, StepName: step.Name})
	}
}

func (e *Executor) dispatchStep(ctx context.Context, inst *Instance, step Step) error {
	meta := map[string]any{
		"workflow_id":    inst.ID,
		"workflow_step":  step.Name,
		"parent_task_id": inst.ParentTaskID,
	}
	if step.CriticChain != "" {
		meta["critic_chain"] = step.CriticChain
		meta["can_veto"] = step.CanVeto
	}
	title := step.Description
	if title == "" {
		title = fmt.Sprintf("%s: %s", inst.TemplateName, step.Name)
	}
	taskID, err := e.store.CreateTask(ctx, persistence.NewTask{
		Title:        title,
		Description:  step.Description,
		Priority:     3,
		AssignedTo:   step.Agent,
		ParentTaskID: inst.ParentTaskID,
		ThreadID:     inst.ThreadID,
		Metadata:     meta,
	})
	if err != nil {
		return err
	}
	inst.StepStatus[step.Name] = StepInProgress
	inst.StepTasks[step.Name] = taskID
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowStepStarted, bus.WorkflowStepEvent{
			WorkflowID: inst.ID, StepName: step.Name, TaskID: taskID, AgentID: step.Agent,
		})
	}
	return nil
}

func (e *Executor) runAlert(ctx context.Context, inst *Instance, step Step) {
	text := step.Description
	if text == "" {
		text = fmt.Sprintf("Workflow %s reached step %s", inst.TemplateName, step.Name)
	}
	if inst.ThreadID != "" {
		if err := e.notifier.Post(ctx, inst.ThreadID, text); err != nil {
			e.logger.Warn("post alert step", "workflow_id", inst.ID, "step", step.Name, "error", err)
		}
	}
	inst.StepStatus[step.Name] = StepCompleted
	inst.StepResults[step.Name] = text
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowStepDone, bus.WorkflowStepEvent{WorkflowID: inst.ID, StepName: step.Name})
	}
}

func (e *Executor) failStepLocked(inst *Instance, step Step) {
	if step.Optional {
		inst.StepStatus[step.Name] = StepSkipped
	} else {
		inst.StepStatus[step.Name] = StepFailed
	}
}

// completeLocked finishes the workflow: terminal status, parent task
// completion, summary post, and delayed archival. Callers hold e.mu.
func (e *Executor) completeLocked(ctx context.Context, inst *Instance) error {
	status := StatusCompleted
	for _, st := range inst.StepStatus {
		if st == StepFailed {
			status = StatusFailed
			break
		}
	}
	inst.Status = status

	if err := e.store.CompleteWorkflow(ctx, inst.ID, status, inst.stateJSON()); err != nil {
		e.logger.Error("persist workflow completion", "workflow_id", inst.ID, "error", err)
	}

	summary, _ := json.Marshal(map[string]any{
		"workflow_id":  inst.ID,
		"template":     inst.TemplateName,
		"status":       status,
		"step_status":  inst.StepStatus,
		"step_results": inst.StepResults,
	})
	if err := e.store.CompleteTask(ctx, inst.ParentTaskID, string(summary)); err != nil {
		e.logger.Error("complete workflow parent task", "workflow_id", inst.ID, "task_id", inst.ParentTaskID, "error", err)
	}

	if inst.ThreadID != "" {
		text := fmt.Sprintf("Workflow %s %s (%s)", inst.TemplateName, status, inst.stepSummary())
		if err := e.notifier.Post(ctx, inst.ThreadID, text); err != nil {
			e.logger.Warn("post workflow summary", "workflow_id", inst.ID, "error", err)
		}
	}
	if e.archiver != nil {
		e.archiver.Schedule(inst.ParentTaskID, inst.ThreadID)
	}
	e.recordActivity(ctx, "workflow_completed", map[string]any{
		"workflow_id": inst.ID,
		"template":    inst.TemplateName,
		"status":      status,
	})
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicWorkflowCompleted, bus.WorkflowStepEvent{WorkflowID: inst.ID})
	}

	delete(e.active, inst.ID)
	return nil
}

func (e *Executor) recordActivity(ctx context.Context, kind string, detail map[string]any) {
	raw, _ := json.Marshal(detail)
	if err := e.store.RecordActivity(ctx, shared.CoordinatorAgentID, kind, string(raw)); err != nil {
		e.logger.Warn("record workflow activity", "kind", kind, "error", err)
	}
}

func (inst *Instance) step(name string) (Step, bool) {
	for _, step := range inst.Template.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

func (inst *Instance) depsSatisfied(step Step) bool {
	for _, dep := range step.DependsOn {
		st := inst.StepStatus[dep]
		if st != StepCompleted && st != StepSkipped {
			return false
		}
	}
	return true
}

func (inst *Instance) allStepsTerminal() bool {
	for _, st := range inst.StepStatus {
		if st != StepCompleted && st != StepSkipped && st != StepFailed {
			return false
		}
	}
	return true
}

func (inst *Instance) stepSummary() string {
	completed, skipped, failed := 0, 0, 0
	for _, st := range inst.StepStatus {
		switch st {
		case StepCompleted:
			completed++
		case StepSkipped:
			skipped++
		case StepFailed:
			failed++
		}
	}
	return fmt.Sprintf("%d completed, %d skipped, %d failed", completed, skipped, failed)
}

func (inst *Instance) stateJSON() string {
	raw, _ := json.Marshal(instanceState{
		StepStatus:  inst.StepStatus,
		StepResults: inst.StepResults,
		StepTasks:   inst.StepTasks,
		ThreadID:    inst.ThreadID,
	})
	return string(raw)
}

func (inst *Instance) snapshot() *Instance {
	cp := *inst
	cp.StepStatus = map[string]string{}
	cp.StepResults = map[string]string{}
	cp.StepTasks = map[string]string{}
	for k, v := range inst.StepStatus {
		cp.StepStatus[k] = v
	}
	for k, v := range inst.StepResults {
		cp.StepResults[k] = v
	}
	for k, v := range inst.StepTasks {
		cp.StepTasks[k] = v
	}
	return &cp
}
