// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Git         GitConfig         `mapstructure:"git"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Process     ProcessConfig     `mapstructure:"process"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	MergeDriver MergeDriverConfig `mapstructure:"merge_driver"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level  string            `mapstructure:"level"`
	Format string            `mapstructure:"format"`
	Output []LogOutputConfig `mapstructure:"output"`
	Levels map[string]string `mapstructure:"levels"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// GitConfig holds git-related configuration.
type GitConfig struct {
	RepositoryPath   string `mapstructure:"repository_path"`
	WorktreeBasePath string `mapstructure:"worktree_base_path"`
	DefaultBranch    string `mapstructure:"default_branch"`
}

// TrackerConfig locates the JSONL issue tracker file workflows are built
// from. A relative path is resolved against the repository root.
type TrackerConfig struct {
	IssuesPath string `mapstructure:"issues_path"`
}

// AgentConfig holds agent profile configuration.
// Profiles describe how to launch a coding agent CLI for a step.
type AgentConfig struct {
	ProfilesPath   string `mapstructure:"profiles_path"`   // YAML file with agent profiles
	DefaultProfile string `mapstructure:"default_profile"` // Profile used when a step does not specify one
}

// WorkflowConfig holds default configuration for workflow execution.
type WorkflowConfig struct {
	CheckpointInterval    int           `mapstructure:"checkpoint_interval"`      // Steps between checkpoints
	ContinueOnStepFailure bool          `mapstructure:"continue_on_step_failure"` // Keep scheduling after a step fails
	StepTimeout           time.Duration `mapstructure:"step_timeout"`             // Per-step execution watchdog
	BatchWindow           time.Duration `mapstructure:"batch_window"`             // Orchestrator wakeup debounce
	Retry                 RetryConfig   `mapstructure:"retry"`
}

// RetryConfig defines the default retry policy applied to step executions.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffType        string        `mapstructure:"backoff_type"` // "exponential", "linear", "fixed"
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Jitter             bool          `mapstructure:"jitter"`
	RetryableErrors    []string      `mapstructure:"retryable_errors"`
	RetryableExitCodes []int         `mapstructure:"retryable_exit_codes"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"` // Consecutive failures before the breaker opens
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

// ProcessConfig holds process manager configuration.
type ProcessConfig struct {
	TerminationGracePeriod time.Duration `mapstructure:"termination_grace_period"`
	MaxProcesses           int           `mapstructure:"max_processes"`
}

// CoordinatorConfig holds CRDT coordinator configuration.
type CoordinatorConfig struct {
	PersistInterval       time.Duration `mapstructure:"persist_interval"`        // Debounce between document persists
	GCInterval            time.Duration `mapstructure:"gc_interval"`             // How often stale state is collected
	ExecutionGCAge        time.Duration `mapstructure:"execution_gc_age"`        // Terminal executions older than this are dropped
	AgentHeartbeatTimeout time.Duration `mapstructure:"agent_heartbeat_timeout"` // Agents silent longer than this are dropped
}

// MergeDriverConfig holds configuration for the JSONL merge driver.
type MergeDriverConfig struct {
	LogPath    string `mapstructure:"log_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	// Create a new config struct with default values
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/loom/")
		v.AddConfigPath("$HOME/.loom")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This will overwrite the default values with any values found in the config file or env vars.
	// We use a decoder hook to correctly handle nested structs.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths that may contain ~ or environment variables
	cfg.expandPaths()

	// Validate the final configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "loom.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/loom.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: false,
				},
			},
			Levels: map[string]string{
				"engine":   "INFO",
				"executor": "INFO",
				"procmgr":  "INFO",
				"wakeup":   "INFO",
				"database": "INFO",
				"git":      "INFO",
				"api":      "INFO",
				"crdt":     "INFO",
				"merge":    "INFO",
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Git: GitConfig{
			RepositoryPath:   ".",
			WorktreeBasePath: "./worktrees",
			DefaultBranch:    "main",
		},
		Tracker: TrackerConfig{
			IssuesPath: ".loom/issues.jsonl",
		},
		Agent: AgentConfig{
			ProfilesPath:   "./agents.yaml",
			DefaultProfile: "claude",
		},
		Workflow: WorkflowConfig{
			CheckpointInterval:    1,
			ContinueOnStepFailure: false,
			StepTimeout:           30 * time.Minute,
			BatchWindow:           5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:        3,
				BackoffType:        "exponential",
				BaseDelay:          time.Second,
				MaxDelay:           time.Minute,
				Jitter:             true,
				RetryableErrors:    []string{"connection reset", "rate limit"},
				RetryableExitCodes: []int{},
				BreakerThreshold:   5,
				BreakerCooldown:    time.Minute,
			},
		},
		Process: ProcessConfig{
			TerminationGracePeriod: 2 * time.Second,
			MaxProcesses:           16,
		},
		Coordinator: CoordinatorConfig{
			PersistInterval:       500 * time.Millisecond,
			GCInterval:            5 * time.Minute,
			ExecutionGCAge:        time.Hour,
			AgentHeartbeatTimeout: 2 * time.Minute,
		},
		MergeDriver: MergeDriverConfig{
			LogPath:    "./logs/merge-driver.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Git.RepositoryPath != "" {
		c.Git.RepositoryPath = expandPath(c.Git.RepositoryPath)
	}
	if c.Git.WorktreeBasePath != "" {
		c.Git.WorktreeBasePath = expandPath(c.Git.WorktreeBasePath)
	}
	if c.Agent.ProfilesPath != "" {
		c.Agent.ProfilesPath = expandPath(c.Agent.ProfilesPath)
	}
	if c.Tracker.IssuesPath != "" {
		c.Tracker.IssuesPath = expandPath(c.Tracker.IssuesPath)
		if !filepath.IsAbs(c.Tracker.IssuesPath) {
			c.Tracker.IssuesPath = filepath.Join(c.Git.RepositoryPath, c.Tracker.IssuesPath)
		}
	}
	if c.MergeDriver.LogPath != "" {
		c.MergeDriver.LogPath = expandPath(c.MergeDriver.LogPath)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// Expand environment variables
	path = os.ExpandEnv(path)

	return path
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Workflow.Retry.BackoffType {
	case "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("workflow.retry.backoff_type must be 'exponential', 'linear' or 'fixed', got: %s", c.Workflow.Retry.BackoffType)
	}

	if c.Workflow.CheckpointInterval < 1 {
		return errors.New("workflow.checkpoint_interval must be >= 1")
	}

	if c.Process.TerminationGracePeriod <= 0 {
		return errors.New("process.termination_grace_period must be positive")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
