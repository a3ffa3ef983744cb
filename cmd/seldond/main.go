package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/go-seldon/internal/bus"
	"github.com/basket/go-seldon/internal/channels"
	"github.com/basket/go-seldon/internal/config"
	"github.com/basket/go-seldon/internal/cron"
	"github.com/basket/go-seldon/internal/gateway"
	otelPkg "github.com/basket/go-seldon/internal/otel"
	"github.com/basket/go-seldon/internal/persistence"
	"github.com/basket/go-seldon/internal/router"
	"github.com/basket/go-seldon/internal/runtime"
	"github.com/basket/go-seldon/internal/shared"
	"github.com/basket/go-seldon/internal/telemetry"
	"github.com/basket/go-seldon/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("seldond", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// Routing: outcome tracker seeded from persisted decisions, then the
	// message dispatcher polling against the configured agent pool.
	tracker := router.NewTracker(store, logger, router.TrackerOptions{
		WindowSize:    cfg.Routing.WindowSize,
		MinSamples:    cfg.Routing.MinSamples,
		FlushDebounce: time.Duration(cfg.Routing.FlushDebounceSecs) * time.Second,
	})
	if err := tracker.Load(ctx); err != nil {
		logger.Warn("load routing outcomes", "error", err)
	}
	dispatcher := router.NewDispatcher(store, router.ProfilesFromConfig(cfg.Agents), tracker, eventBus, logger, router.DispatcherOptions{
		PollInterval:   time.Duration(cfg.Routing.PollIntervalSeconds) * time.Second,
		BatchSize:      cfg.Routing.BatchSize,
		ScoreThreshold: cfg.Routing.ScoreThreshold,
		FallbackAgent:  cfg.Routing.FallbackAgent,
	})
	go dispatcher.Run(ctx)
	logger.Info("startup phase", "phase", "router_started", "pool_size", len(cfg.Agents))

	// Workflow machinery: templates, critic chains, archival timers.
	if err := os.MkdirAll(cfg.Workflow.TemplatesPath, 0o755); err != nil {
		fatalStartup(logger, "E_TEMPLATE_DIR_CREATE", err)
	}
	templates, err := workflow.NewRegistry(cfg.Workflow.TemplatesPath)
	if err != nil {
		fatalStartup(logger, "E_TEMPLATES_LOAD", err)
	}
	chains, err := workflow.LoadCriticChains(cfg.Workflow.CriticChainsPath)
	if err != nil {
		fatalStartup(logger, "E_CRITICS_LOAD", err)
	}

	var notifier channels.Notifier = channels.NopNotifier{}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.ChatID,
				cfg.Channels.Telegram.AllowedIDs,
				store,
				logger,
				eventBus,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
			notifier = tg
		}
	}

	archiver := workflow.NewArchiver(store, notifier, cfg.ArchivalDelay(), logger)
	defer archiver.Stop()
	executor := workflow.NewExecutor(store, templates, notifier, archiver, eventBus, logger)
	validator := workflow.NewValidator(chains, nil, store, eventBus, logger)
	logger.Info("startup phase", "phase", "workflow_ready", "templates", templates.Names())

	// Feed task outcomes back into the routing tracker, and let runner
	// completions advance workflows the same way gateway completions do.
	taskEvents := eventBus.Subscribe("task.")
	go func() {
		for ev := range taskEvents.Ch() {
			change, ok := ev.Payload.(bus.TaskStateChangedEvent)
			if !ok {
				continue
			}
			switch ev.Topic {
			case bus.TopicTaskCompleted:
				if change.AgentID != "" && change.AgentID != shared.CoordinatorAgentID {
					tracker.Record(change.AgentID, true)
				}
				if err := executor.OnSubtaskComplete(ctx, change.TaskID); err != nil {
					logger.Error("advance workflow", "task_id", change.TaskID, "error", err)
				}
			case bus.TopicTaskFailed:
				if change.AgentID != "" && change.AgentID != shared.CoordinatorAgentID {
					tracker.Record(change.AgentID, false)
				}
			}
		}
	}()

	// In-process worker loops for agents configured to run inside the
	// daemon. External agents register over HTTP instead.
	var runners []*runtime.Runner
	for _, profile := range cfg.Agents {
		if !profile.InProcess {
			continue
		}
		r := runtime.NewRunner(runtime.Config{
			AgentID:           profile.AgentID,
			Name:              profile.DisplayName,
			Division:          profile.Division,
			Role:              profile.Role,
			Capabilities:      profile.Capabilities,
			PollInterval:      time.Duration(orDefault(profile.PollIntervalSeconds, cfg.Runtime.PollIntervalSeconds)) * time.Second,
			HeartbeatInterval: time.Duration(orDefault(profile.HeartbeatIntervalSecs, cfg.Runtime.HeartbeatIntervalSecs)) * time.Second,
			PatrolInterval:    time.Duration(orDefault(profile.PatrolIntervalMinutes, cfg.Runtime.PatrolIntervalMinutes)) * time.Minute,
			NoiseBudget:       orDefault(profile.NoiseBudgetPerHour, cfg.Runtime.NoiseBudgetPerHour),
			DrainTimeout:      time.Duration(cfg.Runtime.DrainTimeoutSeconds) * time.Second,
		}, store, ackProcessor(profile.AgentID), nil, notifier, eventBus, logger)
		if err := r.Start(ctx); err != nil {
			fatalStartup(logger, "E_RUNNER_START", err)
		}
		runners = append(runners, r)
	}
	if len(runners) > 0 {
		logger.Info("startup phase", "phase", "runners_started", "count", len(runners))
	}

	// Maintenance jobs: stale-agent sweep, archival sweep (catches timers
	// lost to a restart), and routing decision retention.
	scheduler, err := cron.NewScheduler(cron.Config{
		Store:         store,
		Logger:        logger,
		Maintenance:   cfg.Maintenance,
		StaleAfter:    6 * time.Minute,
		ArchivalDelay: cfg.ArchivalDelay(),
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Hot reload for workflow templates and critic chains.
	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			switch {
			case ev.Path == cfg.Workflow.CriticChainsPath:
				fresh, err := workflow.LoadCriticChains(cfg.Workflow.CriticChainsPath)
				if err != nil {
					logger.Error("reload critic chains", "error", err)
					continue
				}
				validator.ReplaceChains(fresh)
				logger.Info("critic chains reloaded", "count", len(fresh))
			case filepath.Dir(ev.Path) == cfg.Workflow.TemplatesPath:
				if err := templates.Reload(); err != nil {
					logger.Error("reload workflow templates", "error", err)
					continue
				}
				logger.Info("workflow templates reloaded", "templates", templates.Names())
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Executor:          executor,
		Validator:         validator,
		Archiver:          archiver,
		Tracker:           tracker,
		Notifier:          notifier,
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: time.Duration(cfg.Runtime.HeartbeatIntervalSecs) * time.Second,
		Logger:            logger,
		Metrics:           metrics,
	})
	limiter := gateway.NewRateLimitMiddleware(cfg.RateLimit, metrics)
	limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           limiter.Wrap(gw.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_started", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown: stop intake, drain runners, flush routing outcomes, then
	// the deferred archiver/scheduler/store teardown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	for _, r := range runners {
		r.Stop()
	}
	tracker.Flush()
	logger.Info("shutdown complete")
}

// ackProcessor is the built-in worker for daemon-hosted agents: it
// acknowledges the task and reports who handled it. Real work for these
// agents arrives via handoffs and broadcasts rather than heavy jobs.
func ackProcessor(agentID string) runtime.Processor {
	return runtime.ProcessorFunc(func(_ context.Context, task *persistence.Task) (map[string]any, error) {
		return map[string]any{
			"summary": fmt.Sprintf("Handled by %s", agentID),
			"agent":   agentID,
			"title":   task.Title,
		}, nil
	})
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":%q,"level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
