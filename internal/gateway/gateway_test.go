package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-seldon/internal/config"
	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/workflow"
)

const releaseTemplate = `name: release
steps:
  - step: 1
    name: intake
    action: alert
    description: Release request received
  - step: 2
    name: build
    action: dispatch
    agent: daneel
    description: Build and stage the release
    depends_on: [intake]
  - step: 3
    name: signoff
    action: gate
    gate: Approve shipping this release
    depends_on: [build]
  - step: 4
    name: announce
    action: alert
    description: Release shipped
    depends_on: [signoff]
`

type testEnv struct {
	server   *httptest.Server
	store    *persistence.Store
	executor *workflow.Executor
	archiver *workflow.Archiver
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "seldon.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	templateDir := filepath.Join(dir, "templates")
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		t.Fatalf("mkdir templates: %v", err)
	}
	if err := os.WriteFile(filepath.Join(templateDir, "release.yaml"), []byte(releaseTemplate), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	registry, err := workflow.NewRegistry(templateDir)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	archiver := workflow.NewArchiver(store, nil, time.Hour, logger)
	t.Cleanup(archiver.Stop)
	executor := workflow.NewExecutor(store, registry, nil, archiver, nil, logger)
	validator := workflow.NewValidator(nil, nil, store, nil, logger)

	srv := New(Config{
		Store:     store,
		Executor:  executor,
		Validator: validator,
		Archiver:  archiver,
		AuthToken: authToken,
		Logger:    logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: store, executor: executor, archiver: archiver}
}

func (e *testEnv) post(t *testing.T, path string, body map[string]any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return decodeResponse(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return decodeResponse(t, resp)
}

func decodeResponse(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) registerAgent(t *testing.T, id string) string {
	t.Helper()
	status, body := e.post(t, "/seldon/register", map[string]any{
		"agent_id": id,
		"name":     id,
		"role":     "worker",
	})
	if status != http.StatusOK {
		t.Fatalf("register %s: status %d: %v", id, status, body)
	}
	token, _ := body["session_token"].(string)
	if !strings.HasPrefix(token, "sel_") {
		t.Fatalf("expected sel_ session token, got %q", token)
	}
	return token
}

func TestRegisterHeartbeatAndRoster(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	status, body := env.post(t, "/seldon/heartbeat", map[string]any{
		"agent_id":     "daneel",
		"status":       "online",
		"current_task": "task-42",
	})
	if status != http.StatusOK || body["acknowledged"] != true {
		t.Fatalf("heartbeat: status %d body %v", status, body)
	}

	status, body = env.post(t, "/seldon/heartbeat", map[string]any{"agent_id": "ghost"})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d: %v", status, body)
	}

	status, body = env.get(t, "/seldon/agents")
	if status != http.StatusOK {
		t.Fatalf("agents: status %d", status)
	}
	agents := body["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	entry := agents[0].(map[string]any)
	if entry["staleness"] != "fresh" {
		t.Fatalf("expected fresh staleness, got %v", entry["staleness"])
	}
}

func TestDispatchFallbackAndPriority(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	status, body := env.post(t, "/seldon/dispatch", map[string]any{
		"task":            "Rotate the API keys",
		"priority":        "high",
		"preferred_agent": "olivaw",
		"fallback_agents": []string{"olivaw-2", "daneel"},
	})
	if status != http.StatusOK {
		t.Fatalf("dispatch: status %d body %v", status, body)
	}
	if body["assigned_agent"] != "daneel" {
		t.Fatalf("expected fallback to daneel, got %v", body["assigned_agent"])
	}
	if body["priority"] != float64(2) {
		t.Fatalf("expected priority 2 for high, got %v", body["priority"])
	}

	status, body = env.post(t, "/seldon/dispatch", map[string]any{
		"task":            "Nobody home",
		"preferred_agent": "olivaw",
	})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 when preferred unavailable, got %d: %v", status, body)
	}
}

func TestDispatchPicksFreshestAgent(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")
	env.registerAgent(t, "giskard")
	env.post(t, "/seldon/heartbeat", map[string]any{"agent_id": "giskard"})

	status, body := env.post(t, "/seldon/dispatch", map[string]any{"task": "Summarize the incident log"})
	if status != http.StatusOK {
		t.Fatalf("dispatch: status %d body %v", status, body)
	}
	if body["status"] != "pending" || body["dispatched"] != true {
		t.Fatalf("unexpected dispatch body: %v", body)
	}
	if body["assigned_agent"] != "giskard" {
		t.Fatalf("expected freshest heartbeat to win, got %v", body["assigned_agent"])
	}
}

func TestPreflightApprovalFlow(t *testing.T) {
	env := newTestEnv(t, "")

	status, body := env.post(t, "/seldon/preflight", map[string]any{
		"task":   "Migrate the billing schema",
		"intent": "Apply the v3 migration with a rollback plan",
		"plan":   []string{"snapshot", "migrate", "verify"},
		"risks":  []string{"long table locks"},
	})
	if status != http.StatusOK {
		t.Fatalf("preflight: status %d body %v", status, body)
	}
	taskID := body["preflight_id"].(string)
	if body["status"] != "awaiting_approval" {
		t.Fatalf("expected awaiting_approval, got %v", body["status"])
	}

	status, body = env.post(t, "/seldon/preflight/"+taskID+"/approve", map[string]any{
		"action":        "modify",
		"modifications": map[string]any{"plan": "add a dry run first"},
	})
	if status != http.StatusOK || body["modified"] != true {
		t.Fatalf("modify: status %d body %v", status, body)
	}

	status, body = env.post(t, "/seldon/preflight/"+taskID+"/approve", map[string]any{"action": "go"})
	if status != http.StatusOK || body["status"] != "approved" {
		t.Fatalf("approve: status %d body %v", status, body)
	}

	task, err := env.store.GetTask(context.Background(), taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("expected pending after approval, got %s", task.Status)
	}
	meta := task.MetadataMap()
	if _, ok := meta["approved"]; !ok {
		t.Fatal("expected approval metadata")
	}

	// A second approval must fail: the task already left awaiting_approval.
	status, body = env.post(t, "/seldon/preflight/"+taskID+"/approve", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 on re-approval, got %d: %v", status, body)
	}
}

func TestPreflightStopCancelsTask(t *testing.T) {
	env := newTestEnv(t, "")

	_, body := env.post(t, "/seldon/preflight", map[string]any{
		"task":   "Delete stale buckets",
		"intent": "Remove storage older than a year",
	})
	taskID := body["preflight_id"].(string)

	status, body := env.post(t, "/seldon/preflight/"+taskID+"/approve", map[string]any{"action": "stop"})
	if status != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("stop: status %d body %v", status, body)
	}

	task, _ := env.store.GetTask(context.Background(), taskID)
	if task.Status != persistence.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
}

func TestCompleteEnforcesAcceptanceCriteria(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	_, body := env.post(t, "/seldon/dispatch", map[string]any{
		"task":            "Research vendor options",
		"preferred_agent": "daneel",
		"acceptance_criteria": map[string]any{
			"required_outputs": []string{"recommendation"},
			"min_sources":      2,
		},
	})
	taskID := body["task_id"].(string)

	status, body := env.post(t, "/seldon/complete", map[string]any{
		"task_id":  taskID,
		"agent_id": "daneel",
		"result":   map[string]any{"summary": "looked around"},
	})
	if status != http.StatusOK {
		t.Fatalf("complete: status %d", status)
	}
	if body["completed"] != false {
		t.Fatalf("expected rejection, got %v", body)
	}
	violations := body["violations"].([]any)
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %v", violations)
	}

	status, body = env.post(t, "/seldon/complete", map[string]any{
		"task_id":  taskID,
		"agent_id": "daneel",
		"result": map[string]any{
			"summary":        "Vendor B is the best fit",
			"recommendation": "vendor-b",
			"sources":        []string{"pricing page", "benchmark report"},
		},
	})
	if status != http.StatusOK || body["completed"] != true {
		t.Fatalf("final complete: status %d body %v", status, body)
	}
	if body["completion_summary"] != "Vendor B is the best fit" {
		t.Fatalf("expected result summary, got %v", body["completion_summary"])
	}

	task, _ := env.store.GetTask(context.Background(), taskID)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
}

func TestCompleteClaimsPendingTask(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	_, body := env.post(t, "/seldon/dispatch", map[string]any{
		"task":            "Rebuild the search index",
		"preferred_agent": "daneel",
	})
	taskID := body["task_id"].(string)

	// Complete without an explicit claim; the gateway claims on the
	// reporting agent's behalf.
	status, body := env.post(t, "/seldon/complete", map[string]any{
		"task_id":  taskID,
		"agent_id": "daneel",
		"result":   map[string]any{"summary": "index rebuilt"},
	})
	if status != http.StatusOK || body["completed"] != true {
		t.Fatalf("complete: status %d body %v", status, body)
	}

	task, _ := env.store.GetTask(context.Background(), taskID)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.AssignedTo != "daneel" {
		t.Fatalf("expected daneel assigned, got %s", task.AssignedTo)
	}
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")
	ctx := context.Background()

	_, body := env.post(t, "/seldon/preflight", map[string]any{
		"task":              "Ship release 2.4",
		"intent":            "Run the standard release workflow",
		"workflow_template": "release",
	})
	parentID := body["preflight_id"].(string)

	status, body := env.post(t, "/seldon/preflight/"+parentID+"/approve", map[string]any{"action": "go"})
	if status != http.StatusOK || body["executing"] != true {
		t.Fatalf("approve: status %d body %v", status, body)
	}
	workflowID := body["workflow_id"].(string)
	if workflowID == "" {
		t.Fatal("expected a workflow id")
	}

	status, body = env.get(t, "/seldon/workflow/"+workflowID)
	if status != http.StatusOK || body["active"] != true {
		t.Fatalf("get workflow: status %d body %v", status, body)
	}

	// The build step is dispatched as a subtask of the parent.
	subtasks, err := env.store.Subtasks(ctx, parentID)
	if err != nil || len(subtasks) != 1 {
		t.Fatalf("expected 1 subtask, got %d (%v)", len(subtasks), err)
	}
	status, body = env.post(t, "/seldon/complete", map[string]any{
		"task_id":  subtasks[0].ID,
		"agent_id": "daneel",
		"result":   map[string]any{"summary": "build staged"},
	})
	if status != http.StatusOK || body["completed"] != true {
		t.Fatalf("complete subtask: status %d body %v", status, body)
	}

	// Completing the build leaves the signoff gate waiting.
	inst := env.executor.Get(workflowID)
	if inst == nil {
		t.Fatal("workflow no longer active")
	}
	status, body = env.post(t, "/seldon/workflow/"+workflowID+"/gate", map[string]any{"action": "done"})
	if status != http.StatusOK || body["resolved"] != true {
		t.Fatalf("gate: status %d body %v", status, body)
	}

	// Gate resolution ran announce and completed the workflow.
	if env.executor.Get(workflowID) != nil {
		t.Fatal("expected workflow evicted from the active set")
	}
	rec, err := env.store.GetWorkflow(ctx, workflowID)
	if err != nil || rec == nil {
		t.Fatalf("get workflow record: %v", err)
	}
	if rec.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed workflow, got %s", rec.Status)
	}
	parent, _ := env.store.GetTask(ctx, parentID)
	if parent.Status != persistence.TaskStatusCompleted {
		t.Fatalf("expected parent completed, got %s", parent.Status)
	}

	// A second gate resolve hits the restart hint path.
	status, body = env.post(t, "/seldon/workflow/"+workflowID+"/gate", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for inactive workflow, got %d: %v", status, body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "restarted") {
		t.Fatalf("expected restart hint, got %q", msg)
	}
}

func TestTaskArchiveRequiresTerminalStatus(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	_, body := env.post(t, "/seldon/dispatch", map[string]any{
		"task":            "Tidy the backlog",
		"preferred_agent": "daneel",
	})
	taskID := body["task_id"].(string)

	status, body := env.post(t, "/seldon/task/"+taskID+"/archive", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for pending task, got %d: %v", status, body)
	}

	env.post(t, "/seldon/complete", map[string]any{
		"task_id":  taskID,
		"agent_id": "daneel",
		"result":   map[string]any{"summary": "tidied"},
	})
	status, body = env.post(t, "/seldon/task/"+taskID+"/archive", nil)
	if status != http.StatusOK || body["archived"] != true {
		t.Fatalf("archive: status %d body %v", status, body)
	}
}

func TestHandoffRequiresKnownAgents(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	status, body := env.post(t, "/seldon/handoff", map[string]any{
		"from_agent": "daneel",
		"to_agent":   "giskard",
		"context":    map[string]any{"notes": "take over the migration"},
	})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown receiver, got %d: %v", status, body)
	}

	env.registerAgent(t, "giskard")
	status, body = env.post(t, "/seldon/handoff", map[string]any{
		"from_agent":       "daneel",
		"to_agent":         "giskard",
		"context":          map[string]any{"notes": "take over the migration"},
		"require_response": true,
	})
	if status != http.StatusOK || body["status"] != "pending" {
		t.Fatalf("handoff: status %d body %v", status, body)
	}

	task, _ := env.store.GetTask(context.Background(), body["handoff_id"].(string))
	if task.AssignedTo != "giskard" {
		t.Fatalf("expected giskard assigned, got %s", task.AssignedTo)
	}
}

func TestBroadcastReachesOnlineAgents(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")
	env.registerAgent(t, "giskard")

	status, body := env.post(t, "/seldon/broadcast", map[string]any{
		"message": "Maintenance window at 02:00 UTC",
	})
	if status != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("broadcast: status %d body %v", status, body)
	}

	tasks, err := env.store.ListTasks(context.Background(), "pending", "daneel", 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected 1 broadcast task for daneel, got %d (%v)", len(tasks), err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")
	env.post(t, "/seldon/dispatch", map[string]any{"task": "Do the thing", "preferred_agent": "daneel"})

	status, body := env.get(t, "/seldon/status")
	if status != http.StatusOK {
		t.Fatalf("status: %d", status)
	}
	agents := body["agents"].(map[string]any)
	if agents["online"] != float64(1) {
		t.Fatalf("expected 1 online agent, got %v", agents["online"])
	}
	tasks := body["tasks"].(map[string]any)
	if tasks["pending"] != float64(1) {
		t.Fatalf("expected 1 pending task, got %v", tasks["pending"])
	}
}

func TestAuthAdminAndSessionTokens(t *testing.T) {
	const admin = "seldon-admin-token"
	env := newTestEnv(t, admin)

	doGet := func(token string) int {
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/seldon/agents", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := doGet(""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := doGet("wrong-token"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad token, got %d", code)
	}
	if code := doGet(admin); code != http.StatusOK {
		t.Fatalf("expected 200 for admin token, got %d", code)
	}

	// Health stays open for probes.
	resp, err := http.Get(env.server.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health without token: %v %d", err, resp.StatusCode)
	}
	resp.Body.Close()

	// Register with the admin token, then use the minted session token.
	raw, _ := json.Marshal(map[string]any{"agent_id": "daneel", "name": "daneel", "role": "worker"})
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/seldon/register", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, body := decodeResponse(t, resp)
	session := body["session_token"].(string)

	if code := doGet(session); code != http.StatusOK {
		t.Fatalf("expected 200 for session token, got %d", code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimitMiddleware(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 2}, nil)

	handler := limiter.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ts := httptest.NewServer(handler)
	defer ts.Close()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/seldon/status", nil)
		req.Header.Set("Authorization", "Bearer same-client")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %v", codes)
	}

	// Health is exempt.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health should bypass rate limit: %v %d", err, resp.StatusCode)
	}
	resp.Body.Close()

	if limiter.BucketCount() == 0 {
		t.Fatal("expected at least one bucket")
	}
}

func TestWorkflowNotFoundHasHint(t *testing.T) {
	env := newTestEnv(t, "")
	status, body := env.get(t, "/seldon/workflow/" + "wf-nope")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "restarted") {
		t.Fatalf("expected restart hint, got %q", msg)
	}
}

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	_, body := env.post(t, "/seldon/dispatch", map[string]any{
		"task":            "Draft the postmortem",
		"preferred_agent": "daneel",
	})
	taskID := body["task_id"].(string)

	status, body := env.post(t, "/seldon/validate", map[string]any{
		"task_id":    taskID,
		"chain_name": "default",
		"output":     "Postmortem draft with timeline and action items",
	})
	if status != http.StatusOK {
		t.Fatalf("validate: status %d body %v", status, body)
	}
	if body["validated"] != true {
		t.Fatalf("expected default chain to approve, got %v", body)
	}
	verdicts := body["verdicts"].([]any)
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 layer verdicts, got %d", len(verdicts))
	}

	status, body = env.post(t, "/seldon/validate", map[string]any{"task_id": taskID})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d: %v", status, body)
	}
}

func TestMapPriority(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{"critical", 1},
		{"HIGH", 2},
		{"medium", 5},
		{"low", 8},
		{"unknown", 5},
		{nil, 5},
		{float64(7), 7},
	}
	for _, tc := range cases {
		if got := mapPriority(tc.in); got != tc.want {
			t.Errorf("mapPriority(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestAcceptanceChecks(t *testing.T) {
	c := &AcceptanceCriteria{
		RequiredOutputs:     []string{"report"},
		MinSources:          2,
		ConfidenceThreshold: 0.8,
	}
	violations := checkAcceptance(c, map[string]any{
		"summary":    "done",
		"sources":    []any{"a"},
		"confidence": 0.5,
	})
	if len(violations) != 3 {
		t.Fatalf("expected 3 violations, got %v", violations)
	}
	for _, want := range []string{"missing_required_output", "insufficient_sources", "low_confidence"} {
		found := false
		for _, v := range violations {
			if strings.Contains(v, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("missing %s violation in %v", want, violations)
		}
	}

	violations = checkAcceptance(c, map[string]any{
		"report":     "all findings attached",
		"sources":    []any{"a", "b"},
		"confidence": 0.93,
	})
	if len(violations) != 0 {
		t.Fatalf("expected clean pass, got %v", violations)
	}

	if got := checkAcceptance(nil, map[string]any{}); got != nil {
		t.Fatalf("nil criteria should pass, got %v", got)
	}
}

func TestTaskListingAndGet(t *testing.T) {
	env := newTestEnv(t, "")
	env.registerAgent(t, "daneel")

	var ids []string
	for i := 0; i < 3; i++ {
		_, body := env.post(t, "/seldon/dispatch", map[string]any{
			"task":            fmt.Sprintf("Chore %d", i),
			"preferred_agent": "daneel",
		})
		ids = append(ids, body["task_id"].(string))
	}

	status, body := env.get(t, "/seldon/tasks?status=pending&agent=daneel&limit=2")
	if status != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("list: status %d body %v", status, body)
	}

	status, body = env.get(t, "/seldon/task/"+ids[0])
	if status != http.StatusOK {
		t.Fatalf("get task: status %d", status)
	}
	task := body["task"].(map[string]any)
	if task["id"] != ids[0] {
		t.Fatalf("wrong task returned: %v", task["id"])
	}

	status, _ = env.get(t, "/seldon/task/nope")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}
