// Package config defines the harness configuration, loaded via viper from
// a YAML file with environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StateDirName is the per-project state directory created next to the code
// the harness works on.
const StateDirName = ".harness"

// Config represents the complete harness configuration
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Stall     StallConfig     `mapstructure:"stall"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Patterns  PatternConfig   `mapstructure:"patterns"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// SessionConfig controls the orchestration loop
type SessionConfig struct {
	// Mode selects the work source: "greenfield", "backlog", or "enhancement"
	Mode string `mapstructure:"mode"`
	// MaxSessions caps the number of coding sessions in one run. The
	// default is a safety budget so a misbehaving run cannot burn
	// sessions forever; 0 explicitly opts out of the cap.
	MaxSessions int `mapstructure:"max_sessions"`
	// TimeoutMinutes is the global wall-clock budget for a run (0 = unlimited)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// AutoRollbackThreshold is the number of consecutive failed sessions
	// before the working tree is rolled back to the last good checkpoint
	AutoRollbackThreshold int `mapstructure:"auto_rollback_threshold"`
	// WaitForWork keeps backlog runs alive when no ready item exists,
	// waking on external changes to the work-item store
	WaitForWork bool `mapstructure:"wait_for_work"`
}

// ExecutorConfig controls the external agent subprocess
type ExecutorConfig struct {
	// Command is the agent CLI binary to run (default: "claude")
	Command string `mapstructure:"command"`
	// Args are extra arguments passed to every invocation
	Args []string `mapstructure:"args"`
	// SessionTimeoutMinutes bounds a single session (default: 30)
	SessionTimeoutMinutes int `mapstructure:"session_timeout_minutes"`
	// GracePeriodSeconds is how long to wait after SIGTERM before SIGKILL
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// RetryConfig controls per-item retry accounting
type RetryConfig struct {
	// MaxRetries is the per-item retry cap (default: 3)
	MaxRetries int `mapstructure:"max_retries"`
}

// StallConfig controls the loop/stall detector
type StallConfig struct {
	// Enabled turns stall detection on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// ReadLoopThreshold is how many highly overlapping read batches
	// without intervening writes count as a loop (default: 12)
	ReadLoopThreshold int `mapstructure:"read_loop_threshold"`
	// ReadOverlapRatio is the file-set overlap above which consecutive
	// read batches are considered repeats (default: 0.8)
	ReadOverlapRatio float64 `mapstructure:"read_overlap_ratio"`
	// InitialSilenceMinutes is the tool-call silence allowed before the
	// first tool call of a session (default: 5)
	InitialSilenceMinutes int `mapstructure:"initial_silence_minutes"`
	// SilenceMinutes is the tool-call silence allowed after the first
	// tool call (default: 10)
	SilenceMinutes int `mapstructure:"silence_minutes"`
	// MaxSessionMinutes is the per-session wall-clock ceiling enforced by
	// the detector (default: 60)
	MaxSessionMinutes int `mapstructure:"max_session_minutes"`
}

// RecoveryConfig controls automatic failure recovery
type RecoveryConfig struct {
	// Enabled turns the recovery engine on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// BackoffBaseSeconds is the base delay for retry_with_backoff (default: 5)
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	// BackoffMaxSeconds caps the backoff delay (default: 60)
	BackoffMaxSeconds int `mapstructure:"backoff_max_seconds"`
}

// TelemetryConfig controls event recording and trigger evaluation
type TelemetryConfig struct {
	// Enabled turns telemetry recording on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// WindowSize is how many recent events trigger rules evaluate over (default: 50)
	WindowSize int `mapstructure:"window_size"`
	// TriggerCooldownMinutes is the per-condition dedup window (default: 60)
	TriggerCooldownMinutes int `mapstructure:"trigger_cooldown_minutes"`
}

// PatternConfig controls the cross-session error pattern store
type PatternConfig struct {
	// Enabled turns pattern learning on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// DecayFactor is the daily geometric decay applied to relevance (default: 0.9)
	DecayFactor float64 `mapstructure:"decay_factor"`
	// MaxInjected is the maximum patterns injected into a prompt (default: 5)
	MaxInjected int `mapstructure:"max_injected"`
	// MinRelevance is the relevance floor for prompt injection (default: 0.3)
	MinRelevance float64 `mapstructure:"min_relevance"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where the harness stores data
type PathsConfig struct {
	// ProjectDir is the directory the harness operates on.
	// If empty, the current working directory is used.
	// Supports ~ for home directory expansion.
	ProjectDir string `mapstructure:"project_dir"`
	// StateDir overrides the state directory location.
	// If empty, defaults to {project_dir}/.harness.
	StateDir string `mapstructure:"state_dir"`
}

// ResolveProjectDir returns the resolved project directory.
// If ProjectDir is empty it returns baseDir. A leading ~ expands to the
// user's home directory and relative paths resolve against baseDir.
func (p *PathsConfig) ResolveProjectDir(baseDir string) string {
	return resolvePath(p.ProjectDir, baseDir, baseDir)
}

// ResolveStateDir returns the resolved state directory for a project.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	projectDir := p.ResolveProjectDir(baseDir)
	return resolvePath(p.StateDir, projectDir, filepath.Join(projectDir, StateDirName))
}

func resolvePath(path, baseDir, fallback string) string {
	if path == "" {
		return fallback
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Mode:                  "greenfield",
			MaxSessions:           100, // Safety budget; 0 opts out
			TimeoutMinutes:        0, // Unlimited by default
			AutoRollbackThreshold: 3,
			WaitForWork:           false,
		},
		Executor: ExecutorConfig{
			Command:               "claude",
			Args:                  []string{},
			SessionTimeoutMinutes: 30,
			GracePeriodSeconds:    10,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
		},
		Stall: StallConfig{
			Enabled:               true,
			ReadLoopThreshold:     12,
			ReadOverlapRatio:      0.8,
			InitialSilenceMinutes: 5,
			SilenceMinutes:        10,
			MaxSessionMinutes:     60,
		},
		Recovery: RecoveryConfig{
			Enabled:            true,
			BackoffBaseSeconds: 5,
			BackoffMaxSeconds:  60,
		},
		Telemetry: TelemetryConfig{
			Enabled:                true,
			WindowSize:             50,
			TriggerCooldownMinutes: 60,
		},
		Patterns: PatternConfig{
			Enabled:      true,
			DecayFactor:  0.9,
			MaxInjected:  5,
			MinRelevance: 0.3,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			ProjectDir: "",
			StateDir:   "",
		},
	}
}

// SessionTimeout returns the per-session timeout as a time.Duration
func (c *ExecutorConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// GracePeriod returns the shutdown grace period as a time.Duration
func (c *ExecutorConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// Timeout returns the global run timeout as a time.Duration (0 means unlimited)
func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// InitialSilence returns the pre-first-tool-call silence window
func (c *StallConfig) InitialSilence() time.Duration {
	return time.Duration(c.InitialSilenceMinutes) * time.Minute
}

// Silence returns the post-first-tool-call silence window
func (c *StallConfig) Silence() time.Duration {
	return time.Duration(c.SilenceMinutes) * time.Minute
}

// MaxSessionDuration returns the per-session wall-clock ceiling
func (c *StallConfig) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionMinutes) * time.Minute
}

// TriggerCooldown returns the trigger dedup window as a time.Duration
func (c *TelemetryConfig) TriggerCooldown() time.Duration {
	return time.Duration(c.TriggerCooldownMinutes) * time.Minute
}

// BackoffBase returns the base backoff delay as a time.Duration
func (c *RecoveryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the backoff delay cap as a time.Duration
func (c *RecoveryConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Session defaults
	viper.SetDefault("session.mode", defaults.Session.Mode)
	viper.SetDefault("session.max_sessions", defaults.Session.MaxSessions)
	viper.SetDefault("session.timeout_minutes", defaults.Session.TimeoutMinutes)
	viper.SetDefault("session.auto_rollback_threshold", defaults.Session.AutoRollbackThreshold)
	viper.SetDefault("session.wait_for_work", defaults.Session.WaitForWork)

	// Executor defaults
	viper.SetDefault("executor.command", defaults.Executor.Command)
	viper.SetDefault("executor.args", defaults.Executor.Args)
	viper.SetDefault("executor.session_timeout_minutes", defaults.Executor.SessionTimeoutMinutes)
	viper.SetDefault("executor.grace_period_seconds", defaults.Executor.GracePeriodSeconds)

	// Retry defaults
	viper.SetDefault("retry.max_retries", defaults.Retry.MaxRetries)

	// Stall defaults
	viper.SetDefault("stall.enabled", defaults.Stall.Enabled)
	viper.SetDefault("stall.read_loop_threshold", defaults.Stall.ReadLoopThreshold)
	viper.SetDefault("stall.read_overlap_ratio", defaults.Stall.ReadOverlapRatio)
	viper.SetDefault("stall.initial_silence_minutes", defaults.Stall.InitialSilenceMinutes)
	viper.SetDefault("stall.silence_minutes", defaults.Stall.SilenceMinutes)
	viper.SetDefault("stall.max_session_minutes", defaults.Stall.MaxSessionMinutes)

	// Recovery defaults
	viper.SetDefault("recovery.enabled", defaults.Recovery.Enabled)
	viper.SetDefault("recovery.backoff_base_seconds", defaults.Recovery.BackoffBaseSeconds)
	viper.SetDefault("recovery.backoff_max_seconds", defaults.Recovery.BackoffMaxSeconds)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	viper.SetDefault("telemetry.window_size", defaults.Telemetry.WindowSize)
	viper.SetDefault("telemetry.trigger_cooldown_minutes", defaults.Telemetry.TriggerCooldownMinutes)

	// Pattern defaults
	viper.SetDefault("patterns.enabled", defaults.Patterns.Enabled)
	viper.SetDefault("patterns.decay_factor", defaults.Patterns.DecayFactor)
	viper.SetDefault("patterns.max_injected", defaults.Patterns.MaxInjected)
	viper.SetDefault("patterns.min_relevance", defaults.Patterns.MinRelevance)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.project_dir", defaults.Paths.ProjectDir)
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "harness")
	}
	// Fall back to ~/.config/harness
	home, err := os.UserHomeDir()
	if err != nil {
		return StateDirName
	}
	return filepath.Join(home, ".config", "harness")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidModes returns the list of valid work source modes
func ValidModes() []string {
	return []string{"greenfield", "backlog", "enhancement"}
}

// IsValidMode checks if the given mode is valid
func IsValidMode(mode string) bool {
	for _, valid := range ValidModes() {
		if mode == valid {
			return true
		}
	}
	return false
}
