// Package config provides configuration types and defaults for the swarm core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/swarm/internal/log"
)

// Config holds all configuration options for the swarm core.
type Config struct {
	Workspace     string              `mapstructure:"workspace"`     // Workspace root (default: cwd)
	Sessions      SessionConfig       `mapstructure:"sessions"`      // Session limits and timeouts
	Agents        AgentConfig         `mapstructure:"agents"`        // Agent pool limits
	Tasks         TaskConfig          `mapstructure:"tasks"`         // Task board limits
	Orchestration OrchestrationConfig `mapstructure:"orchestration"` // Tick intervals and phase timeouts
	Tools         ToolConfig          `mapstructure:"tools"`         // Tool host limits
	Vault         VaultConfig         `mapstructure:"vault"`         // Key encryption settings
	Pricing       PricingConfig       `mapstructure:"pricing"`       // Model pricing table
	Worktrees     WorktreeConfig      `mapstructure:"worktrees"`     // Git worktree isolation
	Tracing       TracingConfig       `mapstructure:"tracing"`       // OpenTelemetry export
	Persistence   PersistenceConfig   `mapstructure:"persistence"`   // Session persistence
}

// SessionConfig holds session-level limits.
type SessionConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"` // Max live sessions (default: 10)
	TotalTimeout  time.Duration `mapstructure:"total_timeout"`  // Session wall-clock cap (default: 60m)
	TokenCeiling  int           `mapstructure:"token_ceiling"`  // Hard token budget, 0 = unlimited
}

// AgentConfig holds agent pool limits.
type AgentConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"` // Max agents per session (default: 5)
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`   // Working agent with no activity → Waiting (default: 2m)
}

// TaskConfig holds task board limits.
type TaskConfig struct {
	MaxPerSession    int           `mapstructure:"max_per_session"`   // Max tasks per board (default: 50)
	MaxAttempts      int           `mapstructure:"max_attempts"`      // Default retry budget (default: 3)
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"` // Stuck-task reap threshold (default: 5m)
}

// OrchestrationConfig holds the orchestrator's timing knobs.
type OrchestrationConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`     // Delay between phase steps (default: 1s)
	ModelTimeout    time.Duration `mapstructure:"model_timeout"`     // Per model request (default: 2m)
	MaxTickFailures int           `mapstructure:"max_tick_failures"` // Consecutive tick errors before Failed (default: 3)
	LeadModel       string        `mapstructure:"lead_model"`        // Model used for task decomposition
}

// ToolConfig holds tool host limits.
type ToolConfig struct {
	BashTimeout   time.Duration `mapstructure:"bash_timeout"`   // Subprocess cap (default: 30s)
	MaxIterations int           `mapstructure:"max_iterations"` // Agent loop iterations (default: 10)
}

// VaultConfig holds key vault settings.
type VaultConfig struct {
	// EncryptionSecret seeds the AEAD key for stored API keys.
	// Falls back to SWARM_VAULT_SECRET when empty.
	EncryptionSecret string `mapstructure:"encryption_secret"`
}

// PricingConfig holds the model pricing table location.
type PricingConfig struct {
	File      string `mapstructure:"file"`       // YAML pricing table (optional)
	HotReload bool   `mapstructure:"hot_reload"` // Watch the file for changes
}

// WorktreeConfig holds git worktree isolation settings.
type WorktreeConfig struct {
	Enabled           bool          `mapstructure:"enabled"`              // Isolate agents in worktrees
	BranchPrefix      string        `mapstructure:"branch_prefix"`        // Branch namespace (default: "swarm")
	BaseDir           string        `mapstructure:"base_dir"`             // Worktree dir under workspace (default: ".swarm-worktrees")
	AutoCommitOnMerge bool          `mapstructure:"auto_commit_on_merge"` // Commit dirty trees before merging
	MaxAge            time.Duration `mapstructure:"max_age"`              // Cleanup threshold (default: 24h)
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`  // "stdout" (default), "file", "otlp", or "none"
	FilePath string `mapstructure:"file_path"` // JSONL output for the "file" exporter
	Endpoint string `mapstructure:"endpoint"`  // OTLP gRPC endpoint
}

// PersistenceConfig holds session persistence settings.
type PersistenceConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxSessions int  `mapstructure:"max_sessions"` // Cleanup keeps the newest N (default: 50)
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Sessions: SessionConfig{
			MaxConcurrent: 10,
			TotalTimeout:  60 * time.Minute,
		},
		Agents: AgentConfig{
			MaxConcurrent: 5,
			IdleTimeout:   2 * time.Minute,
		},
		Tasks: TaskConfig{
			MaxPerSession:    50,
			MaxAttempts:      3,
			ExecutionTimeout: 5 * time.Minute,
		},
		Orchestration: OrchestrationConfig{
			TickInterval:    time.Second,
			ModelTimeout:    2 * time.Minute,
			MaxTickFailures: 3,
		},
		Tools: ToolConfig{
			BashTimeout:   30 * time.Second,
			MaxIterations: 10,
		},
		Worktrees: WorktreeConfig{
			BranchPrefix:      "swarm",
			BaseDir:           ".swarm-worktrees",
			AutoCommitOnMerge: true,
			MaxAge:            24 * time.Hour,
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
		Persistence: PersistenceConfig{
			MaxSessions: 50,
		},
	}
}

// Load reads configuration from the given file path (optional), the
// standard search locations, and SWARM_* environment variables, layered
// over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SWARM")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("swarm")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "swarm"))
		}
	}

	cfg := Default()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		// A missing config file in the search path is fine.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		log.Debug(log.CatConfig, "No config file found, using defaults")
	} else {
		log.Debug(log.CatConfig, "Loaded config file", "file", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("resolving workspace: %w", err)
		}
		cfg.Workspace = wd
	}
	if cfg.Vault.EncryptionSecret == "" {
		cfg.Vault.EncryptionSecret = os.Getenv("SWARM_VAULT_SECRET")
	}

	return cfg, nil
}
