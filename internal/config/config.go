package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-seldon/internal/otel"
)

// AgentProfile describes a worker agent and the routing signals that steer
// messages toward it. Keywords carry per-term weights; a zero weight is
// normalized to 1.0 at load time.
type AgentProfile struct {
	AgentID          string             `yaml:"agent_id"`
	DisplayName      string             `yaml:"display_name"`
	Division         string             `yaml:"division"`
	Aliases          []string           `yaml:"aliases"`
	Keywords         map[string]float64 `yaml:"keywords"`
	Intents          []string           `yaml:"intents"`
	NegativeKeywords []string           `yaml:"negative_keywords"`
	Role             string             `yaml:"role"`
	Capabilities     []string           `yaml:"capabilities"`

	// InProcess runs this agent as a daemon-hosted worker loop instead of
	// expecting an external process to register over HTTP.
	InProcess bool `yaml:"in_process"`

	// Runtime knobs; zero values inherit the daemon defaults.
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	PatrolIntervalMinutes  int `yaml:"patrol_interval_minutes"`
	NoiseBudgetPerHour     int `yaml:"noise_budget_per_hour"`
	HeartbeatIntervalSecs  int `yaml:"heartbeat_interval_seconds"`
}

type RoutingConfig struct {
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	BatchSize           int     `yaml:"batch_size"`
	ScoreThreshold      float64 `yaml:"score_threshold"`
	FallbackAgent       string  `yaml:"fallback_agent"`
	MinSamples          int     `yaml:"min_samples"`
	WindowSize          int     `yaml:"window_size"`
	FlushDebounceSecs   int     `yaml:"flush_debounce_seconds"`
}

type RuntimeConfig struct {
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	HeartbeatIntervalSecs int `yaml:"heartbeat_interval_seconds"`
	DrainTimeoutSeconds   int `yaml:"drain_timeout_seconds"`
	NoiseBudgetPerHour    int `yaml:"noise_budget_per_hour"`
	PatrolIntervalMinutes int `yaml:"patrol_interval_minutes"`
}

type WorkflowConfig struct {
	TemplatesPath     string `yaml:"templates_path"`
	CriticChainsPath  string `yaml:"critic_chains_path"`
	ArchivalDelayHrs  int    `yaml:"archival_delay_hours"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	ChatID     int64   `yaml:"chat_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type MaintenanceConfig struct {
	StaleAgentSweep   string `yaml:"stale_agent_sweep"`
	ArchivalSweep     string `yaml:"archival_sweep"`
	DecisionRetention string `yaml:"decision_retention"`
	RetentionDays     int    `yaml:"retention_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	Routing     RoutingConfig     `yaml:"routing"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`

	Agents []AgentProfile `yaml:"agents"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Routing: RoutingConfig{
			PollIntervalSeconds: 5,
			BatchSize:           10,
			ScoreThreshold:      0.15,
			FallbackAgent:       "seldon",
			MinSamples:          5,
			WindowSize:          5000,
			FlushDebounceSecs:   10,
		},
		Runtime: RuntimeConfig{
			PollIntervalSeconds:   2,
			HeartbeatIntervalSecs: 15,
			DrainTimeoutSeconds:   30,
			NoiseBudgetPerHour:    5,
			PatrolIntervalMinutes: 30,
		},
		Workflow: WorkflowConfig{
			ArchivalDelayHrs: 36,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Maintenance: MaintenanceConfig{
			StaleAgentSweep:   "*/5 * * * *",
			ArchivalSweep:     "*/15 * * * *",
			DecisionRetention: "0 4 * * *",
			RetentionDays:     90,
		},
	}
}

// HomeDir resolves the seldon home directory, honoring SELDON_HOME.
func HomeDir() string {
	if override := os.Getenv("SELDON_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".seldon")
}

// Load reads config.yaml from the seldon home directory, applying defaults
// and environment overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create seldon home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the sqlite database path under the home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "seldon.db")
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Routing.PollIntervalSeconds <= 0 {
		cfg.Routing.PollIntervalSeconds = 5
	}
	if cfg.Routing.BatchSize <= 0 {
		cfg.Routing.BatchSize = 10
	}
	if cfg.Routing.ScoreThreshold <= 0 {
		cfg.Routing.ScoreThreshold = 0.15
	}
	if cfg.Routing.FallbackAgent == "" {
		cfg.Routing.FallbackAgent = "seldon"
	}
	if cfg.Routing.MinSamples <= 0 {
		cfg.Routing.MinSamples = 5
	}
	if cfg.Routing.WindowSize <= 0 {
		cfg.Routing.WindowSize = 5000
	}
	if cfg.Routing.FlushDebounceSecs <= 0 {
		cfg.Routing.FlushDebounceSecs = 10
	}
	if cfg.Runtime.PollIntervalSeconds <= 0 {
		cfg.Runtime.PollIntervalSeconds = 2
	}
	if cfg.Runtime.HeartbeatIntervalSecs <= 0 {
		cfg.Runtime.HeartbeatIntervalSecs = 15
	}
	if cfg.Runtime.DrainTimeoutSeconds <= 0 {
		cfg.Runtime.DrainTimeoutSeconds = 30
	}
	if cfg.Runtime.NoiseBudgetPerHour <= 0 {
		cfg.Runtime.NoiseBudgetPerHour = 5
	}
	// Patrol cadence is clamped to [5min, 2h] at the runtime layer; only
	// backfill the default here.
	if cfg.Runtime.PatrolIntervalMinutes <= 0 {
		cfg.Runtime.PatrolIntervalMinutes = 30
	}
	if cfg.Workflow.ArchivalDelayHrs <= 0 {
		cfg.Workflow.ArchivalDelayHrs = 36
	}
	if cfg.Workflow.TemplatesPath == "" {
		cfg.Workflow.TemplatesPath = filepath.Join(cfg.HomeDir, "workflows")
	}
	if cfg.Workflow.CriticChainsPath == "" {
		cfg.Workflow.CriticChainsPath = filepath.Join(cfg.HomeDir, "critics.yaml")
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Maintenance.RetentionDays <= 0 {
		cfg.Maintenance.RetentionDays = 90
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.DisplayName == "" {
			a.DisplayName = a.AgentID
		}
		for kw, w := range a.Keywords {
			if w <= 0 {
				a.Keywords[kw] = 1.0
			}
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SELDON_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SELDON_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SELDON_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("SELDON_ROUTING_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Routing.ScoreThreshold = v
		}
	}
	if raw := os.Getenv("SELDON_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Runtime.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("SELDON_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Runtime.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// ArchivalDelay returns the workflow post-completion archival delay.
func (c Config) ArchivalDelay() time.Duration {
	return time.Duration(c.Workflow.ArchivalDelayHrs) * time.Hour
}

// ProfileFor returns the configured profile for an agent id, if any.
func (c Config) ProfileFor(agentID string) (AgentProfile, bool) {
	for _, p := range c.Agents {
		if p.AgentID == agentID {
			return p, true
		}
	}
	return AgentProfile{}, false
}
