// Package config loads and validates the agent's YAML configuration from
// <home>/config.yaml, with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aethernet/core/internal/policy"
)

// BrainConfig configures the LM brain client (C3).
type BrainConfig struct {
	Model           string  `yaml:"model"`
	APIURL          string  `yaml:"api_url"`
	APIKeyEnv       string  `yaml:"api_key_env"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	MaxRetries      int     `yaml:"max_retries"`
	RetryBackoffMs  int     `yaml:"retry_backoff_ms"`
	// Mode selects the transport: "direct" (default, POST to APIURL) or
	// "managed" (routed through the Genkit-backed provider switch). Only
	// "direct" is exercised by the core's own tests.
	Mode string `yaml:"mode"`
}

// AutonomyConfig configures the turn orchestrator and daemon scheduler.
type AutonomyConfig struct {
	DefaultIntervalMs          int  `yaml:"default_interval_ms"`
	MaxActionsPerTurn          int  `yaml:"max_actions_per_turn"`
	MaxConsecutiveErrors       int  `yaml:"max_consecutive_errors"`
	MaxSleepMs                 int  `yaml:"max_sleep_ms"`
	MaxBrainFailuresBeforeStop int  `yaml:"max_brain_failures_before_stop"`
	StrictActionAllowlist      bool `yaml:"strict_action_allowlist"`
	AllowSelfModifyAction      bool `yaml:"allow_self_modify_action"`
}

// AlertingConfig configures the survival/alerting subsystem (C7).
type AlertingConfig struct {
	Enabled                   bool   `yaml:"enabled"`
	Route                     string `yaml:"route"` // db | stdout | webhook
	WebhookURL                string `yaml:"webhook_url"`
	CriticalIncidentThreshold int    `yaml:"critical_incident_threshold"`
	BrainFailureThreshold     int    `yaml:"brain_failure_threshold"`
	QueueDepthThreshold       int    `yaml:"queue_depth_threshold"`
	EvaluationWindowMinutes   int    `yaml:"evaluation_window_minutes"`
}

// SurvivalConfig configures tier thresholds. Invariant:
// LowComputeUsd >= CriticalUsd >= DeadUsd.
type SurvivalConfig struct {
	LowComputeUsd         float64 `yaml:"low_compute_usd"`
	CriticalUsd           float64 `yaml:"critical_usd"`
	DeadUsd               float64 `yaml:"dead_usd"`
	LiquidityEstimateUsd  float64 `yaml:"liquidity_estimate_usd"`
}

// ToolingConfig gates the tool registry's non-internal sources.
type ToolingConfig struct {
	AllowExternalSources bool `yaml:"allow_external_sources"`
}

// ToolSourceConfig describes one registered tool source.
type ToolSourceConfig struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"` // internal | api | mcp | wasm
	Enabled  bool           `yaml:"enabled"`
	BaseURL  string         `yaml:"base_url"`
	AuthEnv  string         `yaml:"auth_env"`
	Metadata map[string]any `yaml:"metadata"`
}

// ConstitutionConfig mirrors policy.ConstitutionPolicy as loaded from the
// agent's own config file (in addition to, or instead of, policy.yaml).
type ConstitutionConfig struct {
	ConstitutionPath string   `yaml:"constitution_path"`
	LawsPath         string   `yaml:"laws_path"`
	ProtectedPaths   []string `yaml:"protected_paths"`
	HashAlgorithm    string   `yaml:"hash_algorithm"`
}

// Schedule is a supplementary scheduled-operator-prompt entry (not part of
// the core spec; see SPEC_FULL.md §4.9 expansion).
type Schedule struct {
	Name     string `yaml:"name"`
	CronExpr string `yaml:"cron_expr"`
	Prompt   string `yaml:"prompt"`
}

// Config is the agent's full configuration.
type Config struct {
	HomeDir    string `yaml:"-"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	ConfigPath string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// HTTPBindAddr is where the local API collaborator listens.
	HTTPBindAddr string `yaml:"http_bind_addr"`
	// AgentAddress identifies this agent to the brain and to messaging
	// transports. Set once at keystore creation time; empty until then.
	AgentAddress string `yaml:"agent_address"`

	ChainDefault  string                `yaml:"chain_default"`
	ChainProfiles []policy.ChainProfile `yaml:"chain_profiles"`

	Brain    BrainConfig    `yaml:"brain"`
	Autonomy AutonomyConfig `yaml:"autonomy"`
	Alerting AlertingConfig `yaml:"alerting"`
	Survival SurvivalConfig `yaml:"survival"`
	Tooling  ToolingConfig  `yaml:"tooling"`

	ToolSources []ToolSourceConfig `yaml:"tool_sources"`

	EnabledSkillIDs []string `yaml:"enabled_skill_ids"`

	ConstitutionPolicy ConstitutionConfig `yaml:"constitution_policy"`

	WalletSessionTtlSec int `yaml:"wallet_session_ttl_sec"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`

	Schedules []Schedule `yaml:"schedules"`
}

// ValidationIssue is one diagnostic produced by Validate.
type ValidationIssue struct {
	Field    string
	Code     string
	Severity string // info | warning | error
	Message  string
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		HTTPBindAddr: "127.0.0.1:8787",
		Brain: BrainConfig{
			Model:           "aethernet-brain-v1",
			APIKeyEnv:       "AE_KEY",
			Temperature:     0.2,
			MaxOutputTokens: 2048,
			TimeoutMs:       20000,
			MaxRetries:      3,
			RetryBackoffMs:  500,
			Mode:            "direct",
		},
		Autonomy: AutonomyConfig{
			DefaultIntervalMs:          60000,
			MaxActionsPerTurn:          8,
			MaxConsecutiveErrors:       5,
			MaxSleepMs:                 3600000,
			MaxBrainFailuresBeforeStop: 5,
			StrictActionAllowlist:      true,
			AllowSelfModifyAction:      false,
		},
		Alerting: AlertingConfig{
			Enabled:                   true,
			Route:                     "db",
			CriticalIncidentThreshold: 3,
			BrainFailureThreshold:     3,
			QueueDepthThreshold:       50,
			EvaluationWindowMinutes:   10,
		},
		Survival: SurvivalConfig{
			LowComputeUsd:        50,
			CriticalUsd:          10,
			DeadUsd:              0,
			LiquidityEstimateUsd: 100,
		},
		Tooling: ToolingConfig{
			AllowExternalSources: false,
		},
		ToolSources: []ToolSourceConfig{
			{ID: "internal.runtime", Name: "internal.runtime", Type: "internal", Enabled: true},
		},
		ConstitutionPolicy: ConstitutionConfig{
			ConstitutionPath: "constitution.md",
			LawsPath:         "laws.md",
			HashAlgorithm:    "sha256",
		},
		WalletSessionTtlSec: 600,
		HeartbeatIntervalMs: 60000,
	}
}

// HomeDir returns the agent's persistent home directory, honoring the
// AETHERNET_HOME override.
func HomeDir() string {
	if override := os.Getenv("AETHERNET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aethernet")
}

// ConfigFilePath returns the path to config.yaml within homeDir.
func ConfigFilePath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the agent's home directory, applies env
// overrides, normalizes defaults, and validates. A missing config file is
// not an error: defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}
	cfg.ConfigPath = ConfigFilePath(cfg.HomeDir)

	data, err := os.ReadFile(cfg.ConfigPath)
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

	issues := Validate(cfg)
	for _, issue := range issues {
		if issue.Severity == "error" {
			return cfg, fmt.Errorf("config invalid: %s: %s", issue.Field, issue.Message)
		}
	}
	return cfg, nil
}

// Save writes cfg back to its ConfigPath. Used once at keystore-creation
// time (the setup command) to persist the resolved AgentAddress.
func Save(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(cfg.ConfigPath, data, 0o600)
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "state.db")
	}
	if cfg.HTTPBindAddr == "" {
		cfg.HTTPBindAddr = "127.0.0.1:8787"
	}
	if cfg.Autonomy.MaxActionsPerTurn <= 0 {
		cfg.Autonomy.MaxActionsPerTurn = 8
	}
	if cfg.Autonomy.DefaultIntervalMs <= 0 {
		cfg.Autonomy.DefaultIntervalMs = 60000
	}
	if cfg.Autonomy.MaxSleepMs <= 0 {
		cfg.Autonomy.MaxSleepMs = int((time.Hour).Milliseconds())
	}
	if cfg.WalletSessionTtlSec < 60 {
		cfg.WalletSessionTtlSec = 60
	}
	if cfg.HeartbeatIntervalMs < 5000 {
		cfg.HeartbeatIntervalMs = 5000
	}
	hasInternal := false
	for _, ts := range cfg.ToolSources {
		if ts.ID == "internal.runtime" {
			hasInternal = true
			break
		}
	}
	if !hasInternal {
		cfg.ToolSources = append([]ToolSourceConfig{
			{ID: "internal.runtime", Name: "internal.runtime", Type: "internal", Enabled: true},
		}, cfg.ToolSources...)
	}
	if cfg.ConstitutionPolicy.HashAlgorithm == "" {
		cfg.ConstitutionPolicy.HashAlgorithm = "sha256"
	}
	if cfg.Brain.Mode == "" {
		cfg.Brain.Mode = "direct"
	}
}

// Validate returns structured diagnostics. Any severity=error issue
// prevents startup (CONFIG_INVALID is the only startup-
// blocking error category).
func Validate(cfg Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Survival.LowComputeUsd < cfg.Survival.CriticalUsd || cfg.Survival.CriticalUsd < cfg.Survival.DeadUsd {
		issues = append(issues, ValidationIssue{
			Field:    "survival",
			Code:     "CONFIG_INVALID",
			Severity: "error",
			Message:  "survival thresholds must satisfy lowComputeUsd >= criticalUsd >= deadUsd",
		})
	}
	if cfg.Autonomy.MaxActionsPerTurn < 1 {
		issues = append(issues, ValidationIssue{
			Field:    "autonomy.max_actions_per_turn",
			Code:     "CONFIG_INVALID",
			Severity: "error",
			Message:  "max_actions_per_turn must be >= 1",
		})
	}
	if cfg.WalletSessionTtlSec < 60 {
		issues = append(issues, ValidationIssue{
			Field:    "wallet_session_ttl_sec",
			Code:     "CONFIG_INVALID",
			Severity: "warning",
			Message:  "wallet_session_ttl_sec below minimum 60, clamped",
		})
	}
	if cfg.Brain.Mode != "" && cfg.Brain.Mode != "direct" && cfg.Brain.Mode != "managed" {
		issues = append(issues, ValidationIssue{
			Field:    "brain.mode",
			Code:     "CONFIG_INVALID",
			Severity: "error",
			Message:  "brain.mode must be \"direct\" or \"managed\"",
		})
	}
	return issues
}

// APIKey returns the brain API key from the configured env var, or "" if
// unset.
func (c Config) APIKey() string {
	if c.Brain.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Brain.APIKeyEnv)
}

// Fingerprint returns a stable hash of the active configuration, used to
// correlate incidents/turns with the config snapshot in effect.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "chain=%s|model=%s|strict=%v|selfmod=%v|interval=%d|maxactions=%d",
		c.ChainDefault, c.Brain.Model, c.Autonomy.StrictActionAllowlist,
		c.Autonomy.AllowSelfModifyAction, c.Autonomy.DefaultIntervalMs, c.Autonomy.MaxActionsPerTurn)
	return "cfg-" + strconv.FormatUint(h.Sum64(), 16)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AETHERNET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AETHERNET_CHAIN_DEFAULT"); raw != "" {
		cfg.ChainDefault = raw
	}
	if raw := os.Getenv("AETHERNET_BRAIN_API_URL"); raw != "" {
		cfg.Brain.APIURL = raw
	}
	if raw := os.Getenv("AETHERNET_HEARTBEAT_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalMs = v
		}
	}
	if raw := os.Getenv("AETHERNET_ALERT_WEBHOOK_URL"); raw != "" {
		cfg.Alerting.WebhookURL = raw
		if cfg.Alerting.Route == "" {
			cfg.Alerting.Route = "webhook"
		}
	}
	if raw := os.Getenv("AETHERNET_LIQUIDITY_ESTIMATE_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Survival.LiquidityEstimateUsd = v
		}
	}
	if raw := os.Getenv("AETHERNET_HTTP_BIND_ADDR"); raw != "" {
		cfg.HTTPBindAddr = raw
	}
}

// ToPolicy projects the chain/constitution portions of Config into a
// policy.Policy value, the shape consumed by the action executor and
// self-mod engine.
func (c Config) ToPolicy() policy.Policy {
	return policy.Policy{
		ChainDefault:          c.ChainDefault,
		ChainProfiles:         c.ChainProfiles,
		AllowSelfModifyAction: c.Autonomy.AllowSelfModifyAction,
		AllowExternalSources:  c.Tooling.AllowExternalSources,
		Constitution: policy.ConstitutionPolicy{
			ConstitutionPath: filepath.Join(c.HomeDir, strings.TrimPrefix(c.ConstitutionPolicy.ConstitutionPath, "/")),
			LawsPath:         filepath.Join(c.HomeDir, strings.TrimPrefix(c.ConstitutionPolicy.LawsPath, "/")),
			ProtectedPaths:   c.ConstitutionPolicy.ProtectedPaths,
			HashAlgorithm:    c.ConstitutionPolicy.HashAlgorithm,
		},
	}
}
