// Package gateway is the coordination control plane: agent registration
// and heartbeats, task dispatch and completion, preflight approvals,
// critic validation, and workflow inspection over plain JSON HTTP.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/go-seldon/internal/channels"
	"github.com/basket/go-seldon/internal/otel"
	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/router"
	"github.com/basket/go-seldon/internal/workflow"
)

// Heartbeat staleness cutoffs for the roster annotations.
const (
	staleAfter    = 2 * time.Minute
	criticalAfter = 6 * time.Minute
)

type Config struct {
	Store     *persistence.Store
	Executor  *workflow.Executor
	Validator *workflow.Validator
	Archiver  *workflow.Archiver
	Tracker   *router.Tracker
	Notifier  channels.Notifier

	// AuthToken is the static admin bearer token. Empty disables auth;
	// agent session tokens are accepted either way.
	AuthToken string

	// HeartbeatInterval is advertised to agents at registration.
	HeartbeatInterval time.Duration

	Logger  *slog.Logger
	Metrics *otel.Metrics
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Notifier == nil {
		cfg.Notifier = channels.NopNotifier{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /seldon/register", s.handleRegister)
	mux.HandleFunc("POST /seldon/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /seldon/agents", s.handleAgents)
	mux.HandleFunc("POST /seldon/handoff", s.handleHandoff)
	mux.HandleFunc("POST /seldon/broadcast", s.handleBroadcast)

	mux.HandleFunc("POST /seldon/dispatch", s.handleDispatch)
	mux.HandleFunc("POST /seldon/preflight", s.handlePreflight)
	mux.HandleFunc("POST /seldon/preflight/{id}/approve", s.handlePreflightApprove)
	mux.HandleFunc("POST /seldon/complete", s.handleComplete)
	mux.HandleFunc("POST /seldon/validate", s.handleValidate)

	mux.HandleFunc("GET /seldon/tasks", s.handleTasks)
	mux.HandleFunc("GET /seldon/task/{id}", s.handleTaskByID)
	mux.HandleFunc("POST /seldon/task/{id}/archive", s.handleTaskArchive)

	mux.HandleFunc("GET /seldon/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /seldon/workflow/{id}", s.handleWorkflowByID)
	mux.HandleFunc("POST /seldon/workflow/{id}/gate", s.handleWorkflowGate)
	mux.HandleFunc("POST /seldon/workflow/{id}/step/{name}/fail", s.handleWorkflowStepFail)

	mux.HandleFunc("GET /seldon/status", s.handleStatus)

	return s.observe(s.authMiddleware(mux))
}

// observe wraps the handler with request duration recording.
func (s *Server) observe(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, _, err := s.cfg.Store.TaskCounts(r.Context()); err != nil {
		dbOK = false
	}
	status, label := http.StatusOK, "ok"
	if !dbOK {
		status, label = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":  label,
		"service": "seldond",
		"db_ok":   dbOK,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agents, err := s.cfg.Store.ListAgents(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get system status")
		return
	}
	byStatus := map[string]int{}
	online := 0
	now := time.Now()
	for _, a := range agents {
		byStatus[a.Status]++
		if a.LastHeartbeat != nil && now.Sub(*a.LastHeartbeat) < time.Minute {
			online++
		}
	}

	pending, inProgress, err := s.cfg.Store.TaskCounts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get system status")
		return
	}

	payload := map[string]any{
		"agents": map[string]any{
			"total":     len(agents),
			"online":    online,
			"by_status": byStatus,
		},
		"tasks": map[string]int{
			"pending":     pending,
			"in_progress": inProgress,
		},
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if s.cfg.Executor != nil {
		payload["active_workflows"] = len(s.cfg.Executor.Active())
	}
	if s.cfg.Tracker != nil {
		payload["routing"] = s.cfg.Tracker.AllStats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes the request body into v. An empty body leaves v at its
// zero value; a malformed body gets a 400 and readJSON reports false.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
