package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-seldon/internal/persistence"
)

const incidentTemplate = `name: incident-response
steps:
  - step: 1
    name: intake
    action: alert
    description: Incident intake received
  - step: 2
    name: triage
    action: dispatch
    agent: daneel
    description: Triage the incident
    depends_on: [intake]
    critic_chain: default
    can_veto: true
  - step: 3
    name: approve-fix
    action: gate
    gate: Approve the remediation plan
    depends_on: [triage]
  - step: 4
    name: remediate
    action: dispatch
    agent: giskard
    description: Apply the fix
    depends_on: [approve-fix]
  - step: 5
    name: announce
    action: alert
    description: Remediation finished
    depends_on: [remediate]
`

type fakeWorkflowStore struct {
	mu             sync.Mutex
	nextTaskID     int
	workflowState  map[string]string
	workflowStatus map[string]string
	tasks          map[string]*persistence.Task
	claimed        []string
	completedTasks map[string]string
	failedTasks    map[string]string
	merged         map[string][]map[string]any
	activities     []string
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{
		workflowState:  map[string]string{},
		workflowStatus: map[string]string{},
		tasks:          map[string]*persistence.Task{},
		completedTasks: map[string]string{},
		failedTasks:    map[string]string{},
		merged:         map[string][]map[string]any{},
	}
}

func (f *fakeWorkflowStore) CreateWorkflow(_ context.Context, id, _, _, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflowState[id] = metadata
	f.workflowStatus[id] = StatusRunning
	return nil
}

func (f *fakeWorkflowStore) SaveWorkflowState(_ context.Context, id, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflowState[id] = metadata
	return nil
}

func (f *fakeWorkflowStore) CompleteWorkflow(_ context.Context, id, status, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflowState[id] = metadata
	f.workflowStatus[id] = status
	return nil
}

func (f *fakeWorkflowStore) CreateTask(_ context.Context, nt persistence.NewTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTaskID++
	id := fmt.Sprintf("task-%d", f.nextTaskID)
	meta, _ := json.Marshal(nt.Metadata)
	f.tasks[id] = &persistence.Task{
		ID:         id,
		Title:      nt.Title,
		Status:     persistence.TaskStatusPending,
		Priority:   nt.Priority,
		AssignedTo: nt.AssignedTo,
		Metadata:   string(meta),
	}
	return id, nil
}

func (f *fakeWorkflowStore) ClaimTask(_ context.Context, taskID, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, taskID+":"+agentID)
	return true, nil
}

func (f *fakeWorkflowStore) CompleteTask(_ context.Context, taskID, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedTasks[taskID] = result
	return nil
}

func (f *fakeWorkflowStore) FailTask(_ context.Context, taskID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedTasks[taskID] = errMsg
	return nil
}

func (f *fakeWorkflowStore) GetTask(_ context.Context, taskID string) (*persistence.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeWorkflowStore) MergeTaskMetadata(_ context.Context, taskID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged[taskID] = append(f.merged[taskID], patch)
	if t, ok := f.tasks[taskID]; ok {
		m := map[string]any{}
		_ = json.Unmarshal([]byte(t.Metadata), &m)
		for k, v := range patch {
			m[k] = v
		}
		raw, _ := json.Marshal(m)
		t.Metadata = string(raw)
	}
	return nil
}

func (f *fakeWorkflowStore) RecordActivity(_ context.Context, _, kind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, kind)
	return nil
}

func (f *fakeWorkflowStore) ArchiveTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedTasks["archived:"+taskID] = ""
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	posts    []string
	archived []string
}

func (n *recordingNotifier) CreateThread(context.Context, string) (string, error) { return "", nil }

func (n *recordingNotifier) Post(_ context.Context, _, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, text)
	return nil
}

func (n *recordingNotifier) ArchiveThread(_ context.Context, threadID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.archived = append(n.archived, threadID)
	return nil
}

func testRegistry(t *testing.T, templates map[string]string) *Registry {
	t.Helper()
	dir := t.TempDir()
	for name, body := range templates {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func testExecutor(t *testing.T) (*Executor, *fakeWorkflowStore, *recordingNotifier, *Archiver) {
	t.Helper()
	store := newFakeWorkflowStore()
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	archiver := NewArchiver(store, notifier, time.Hour, logger)
	t.Cleanup(archiver.Stop)
	reg := testRegistry(t, map[string]string{"incident-response.yaml": incidentTemplate})
	return NewExecutor(store, reg, notifier, archiver, nil, logger), store, notifier, archiver
}

// completeStepTask finds the subtask backing a step, stamps a result on
// it, and reports completion to the executor.
func completeStepTask(t *testing.T, ex *Executor, store *fakeWorkflowStore, workflowID, stepName, result string, extraMeta map[string]any) {
	t.Helper()
	inst := ex.Get(workflowID)
	if inst == nil {
		t.Fatalf("workflow %s not active", workflowID)
	}
	taskID, ok := inst.StepTasks[stepName]
	if !ok {
		t.Fatalf("no subtask for step %s", stepName)
	}
	store.mu.Lock()
	task := store.tasks[taskID]
	task.Result = result
	if len(extraMeta) > 0 {
		m := map[string]any{}
		_ = json.Unmarshal([]byte(task.Metadata), &m)
		for k, v := range extraMeta {
			m[k] = v
		}
		raw, _ := json.Marshal(m)
		task.Metadata = string(raw)
	}
	store.mu.Unlock()
	if err := ex.OnSubtaskComplete(context.Background(), taskID); err != nil {
		t.Fatalf("OnSubtaskComplete(%s): %v", stepName, err)
	}
}

func TestStartPreCompletesIntakeAndDispatchesReadySteps(t *testing.T) {
	ex, store, _, _ := testExecutor(t)

	inst, err := ex.Start(context.Background(), "incident-response", "parent-1", "thread-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.StepStatus["intake"] != StepCompleted {
		t.Fatalf("intake status = %s, want completed", inst.StepStatus["intake"])
	}
	if got := ex.Get(inst.ID).StepStatus["triage"]; got != StepInProgress {
		t.Fatalf("triage status = %s, want in_progress", got)
	}
	if got := ex.Get(inst.ID).StepStatus["remediate"]; got != StepPending {
		t.Fatalf("remediate status = %s, want pending (blocked on gate)", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.claimed) != 1 || store.claimed[0] != "parent-1:seldon" {
		t.Fatalf("parent claim = %v, want [parent-1:seldon]", store.claimed)
	}
	if len(store.tasks) != 1 {
		t.Fatalf("created %d subtasks, want 1", len(store.tasks))
	}
	for _, task := range store.tasks {
		if task.AssignedTo != "daneel" || task.Priority != 3 {
			t.Fatalf("subtask = %+v, want daneel at priority 3", task)
		}
		meta := task.MetadataMap()
		if meta["workflow_step"] != "triage" || meta["critic_chain"] != "default" {
			t.Fatalf("subtask metadata = %v", meta)
		}
	}
}

func TestGatePausesUntilResolved(t *testing.T) {
	ex, store, notifier, _ := testExecutor(t)
	inst, err := ex.Start(context.Background(), "incident-response", "parent-1", "thread-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	completeStepTask(t, ex, store, inst.ID, "triage", `{"severity":"high"}`, nil)

	snap := ex.Get(inst.ID)
	if snap.StepStatus["approve-fix"] != StepWaitingGate {
		t.Fatalf("approve-fix status = %s, want waiting_gate", snap.StepStatus["approve-fix"])
	}
	if snap.StepStatus["remediate"] != StepPending {
		t.Fatalf("remediate started before the gate resolved")
	}
	notifier.mu.Lock()
	gatePrompted := false
	for _, p := range notifier.posts {
		if strings.Contains(p, "Approve the remediation plan") {
			gatePrompted = true
		}
	}
	notifier.mu.Unlock()
	if !gatePrompted {
		t.Fatal("gate prompt was not posted to the thread")
	}

	// An empty step name targets the first waiting gate.
	if err := ex.ResolveGate(context.Background(), inst.ID, "", "done"); err != nil {
		t.Fatalf("ResolveGate: %v", err)
	}
	snap = ex.Get(inst.ID)
	if snap.StepStatus["approve-fix"] != StepCompleted {
		t.Fatalf("approve-fix status = %s after done", snap.StepStatus["approve-fix"])
	}
	if snap.StepStatus["remediate"] != StepInProgress {
		t.Fatalf("remediate status = %s, want in_progress", snap.StepStatus["remediate"])
	}

	// Resolving again has no waiting gate left.
	if err := ex.ResolveGate(context.Background(), inst.ID, "", "done"); err != ErrNoWaitingGate {
		t.Fatalf("second resolve err = %v, want ErrNoWaitingGate", err)
	}
}

func TestCriticVetoHoldsStep(t *testing.T) {
	ex, store, _, _ := testExecutor(t)
	inst, err := ex.Start(context.Background(), "incident-response", "parent-1", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	completeStepTask(t, ex, store, inst.ID, "triage", "draft", map[string]any{
		"critic_veto": map[string]any{"retry": 1},
	})

	snap := ex.Get(inst.ID)
	if snap.StepStatus["triage"] != StepInProgress {
		t.Fatalf("triage status = %s, want in_progress (held by veto)", snap.StepStatus["triage"])
	}

	// The retried task passes review and the step advances.
	completeStepTask(t, ex, store, inst.ID, "triage", "final", map[string]any{
		"critic_veto":     nil,
		"critic_approved": map[string]any{"chain": "default"},
	})
	snap = ex.Get(inst.ID)
	if snap.StepStatus["triage"] != StepCompleted {
		t.Fatalf("triage status = %s after approval", snap.StepStatus["triage"])
	}
	if snap.StepResults["triage"] != "final" {
		t.Fatalf("triage result = %q, want final", snap.StepResults["triage"])
	}
}

func TestWorkflowRoundTripCompletesParentAndSchedulesArchival(t *testing.T) {
	ex, store, notifier, archiver := testExecutor(t)
	inst, err := ex.Start(context.Background(), "incident-response", "parent-1", "thread-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	completeStepTask(t, ex, store, inst.ID, "triage", "triaged", nil)
	if err := ex.ResolveGate(context.Background(), inst.ID, "approve-fix", "done"); err != nil {
		t.Fatalf("ResolveGate: %v", err)
	}
	completeStepTask(t, ex, store, inst.ID, "remediate", "fixed", nil)

	if ex.Get(inst.ID) != nil {
		t.Fatal("workflow still active after every step finished")
	}
	store.mu.Lock()
	status := store.workflowStatus[inst.ID]
	summary, parentDone := store.completedTasks["parent-1"]
	store.mu.Unlock()
	if status != StatusCompleted {
		t.Fatalf("workflow status = %s, want completed", status)
	}
	if !parentDone {
		t.Fatal("parent task was not completed")
	}
	if !strings.Contains(summary, `"status":"completed"`) || !strings.Contains(summary, "fixed") {
		t.Fatalf("parent summary = %s", summary)
	}
	if got := archiver.Pending(); got != 1 {
		t.Fatalf("pending archivals = %d, want 1", got)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	last := notifier.posts[len(notifier.posts)-1]
	if !strings.Contains(last, "completed") {
		t.Fatalf("final thread post = %q", last)
	}
}

func TestFailStepOptionalSkipsRequiredFails(t *testing.T) {
	const tmpl = `name: two-branch
steps:
  - name: fetch
    action: dispatch
    agent: daneel
  - name: enrich
    action: dispatch
    agent: giskard
    optional: true
    depends_on: [fetch]
  - name: publish
    action: alert
    description: Done
    depends_on: [enrich]
`
	store := newFakeWorkflowStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := testRegistry(t, map[string]string{"two-branch.yaml": tmpl})
	ex := NewExecutor(store, reg, nil, nil, nil, logger)

	inst, err := ex.Start(context.Background(), "two-branch", "parent-2", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	completeStepTask(t, ex, store, inst.ID, "fetch", "ok", nil)

	// Optional step failure skips it and the workflow still completes.
	if err := ex.FailStep(context.Background(), inst.ID, "enrich", "agent offline"); err != nil {
		t.Fatalf("FailStep: %v", err)
	}
	store.mu.Lock()
	status := store.workflowStatus[inst.ID]
	state := store.workflowState[inst.ID]
	store.mu.Unlock()
	if status != StatusCompleted {
		t.Fatalf("workflow status = %s, want completed", status)
	}
	if !strings.Contains(state, `"enrich":"skipped"`) {
		t.Fatalf("persisted state = %s, want enrich skipped", state)
	}
}

func TestRequiredStepFailureFailsWorkflow(t *testing.T) {
	const tmpl = `name: strict
steps:
  - name: build
    action: dispatch
    agent: daneel
`
	store := newFakeWorkflowStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := testRegistry(t, map[string]string{"strict.yaml": tmpl})
	ex := NewExecutor(store, reg, nil, nil, nil, logger)

	inst, err := ex.Start(context.Background(), "strict", "parent-3", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ex.FailStep(context.Background(), inst.ID, "build", "compile error"); err != nil {
		t.Fatalf("FailStep: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.workflowStatus[inst.ID] != StatusFailed {
		t.Fatalf("workflow status = %s, want failed", store.workflowStatus[inst.ID])
	}
	if _, ok := store.completedTasks["parent-3"]; !ok {
		t.Fatal("parent task should carry the failure summary as its result")
	}
}

func TestGateActionsOnUnknownWorkflow(t *testing.T) {
	ex, _, _, _ := testExecutor(t)
	if err := ex.ResolveGate(context.Background(), "nope", "", "done"); err != ErrWorkflowNotFound {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}
	if err := ex.FailStep(context.Background(), "nope", "build", "x"); err != ErrWorkflowNotFound {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestRegistryRejectsBadTemplates(t *testing.T) {
	cases := map[string]string{
		"bad action": `name: t
steps:
  - name: a
    action: teleport
`,
		"unknown dependency": `name: t
steps:
  - name: a
    action: alert
    depends_on: [missing]
`,
		"dispatch without agent": `name: t
steps:
  - name: a
    action: dispatch
`,
		"duplicate step names": `name: t
steps:
  - name: a
    action: alert
  - name: a
    action: alert
`,
	}
	for label, body := range cases {
		t.Run(label, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "t.yaml"), []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := NewRegistry(dir); err == nil {
				t.Fatalf("template %q loaded, want validation error", label)
			}
		})
	}
}

func TestArchiverSingleTimerPerTask(t *testing.T) {
	store := newFakeWorkflowStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	a := NewArchiver(store, nil, time.Hour, logger)
	defer a.Stop()

	a.Schedule("task-1", "thread-1")
	a.Schedule("task-1", "thread-1")
	a.Schedule("task-2", "")
	if got := a.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	a.Cancel("task-2")
	if got := a.Pending(); got != 1 {
		t.Fatalf("pending after cancel = %d, want 1", got)
	}
}

func TestArchiverFiresAfterDelay(t *testing.T) {
	store := newFakeWorkflowStore()
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	a := NewArchiver(store, notifier, 10*time.Millisecond, logger)
	defer a.Stop()

	a.Schedule("task-9", "thread-9")
	deadline := time.Now().Add(2 * time.Second)
	for a.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Pending() != 0 {
		t.Fatal("archival never fired")
	}
	store.mu.Lock()
	_, archived := store.completedTasks["archived:task-9"]
	store.mu.Unlock()
	if !archived {
		t.Fatal("task was not archived")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.archived) != 1 || notifier.archived[0] != "thread-9" {
		t.Fatalf("archived threads = %v", notifier.archived)
	}
}
