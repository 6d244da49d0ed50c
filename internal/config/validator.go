package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "retry.max_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateExecutor()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateStall()...)
	errors = append(errors, c.validateRecovery()...)
	errors = append(errors, c.validateTelemetry()...)
	errors = append(errors, c.validatePatterns()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateSession validates the SessionConfig
func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if c.Session.Mode != "" && !IsValidMode(c.Session.Mode) {
		errors = append(errors, ValidationError{
			Field:   "session.mode",
			Value:   c.Session.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModes(), ", ")),
		})
	}

	if c.Session.MaxSessions < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.max_sessions",
			Value:   c.Session.MaxSessions,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	if c.Session.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.timeout_minutes",
			Value:   c.Session.TimeoutMinutes,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	if c.Session.AutoRollbackThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.auto_rollback_threshold",
			Value:   c.Session.AutoRollbackThreshold,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateExecutor validates the ExecutorConfig
func (c *Config) validateExecutor() []ValidationError {
	var errors []ValidationError

	if c.Executor.Command == "" {
		errors = append(errors, ValidationError{
			Field:   "executor.command",
			Value:   c.Executor.Command,
			Message: "must not be empty",
		})
	}

	if c.Executor.SessionTimeoutMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "executor.session_timeout_minutes",
			Value:   c.Executor.SessionTimeoutMinutes,
			Message: "must be at least 1",
		})
	}

	if c.Executor.GracePeriodSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "executor.grace_period_seconds",
			Value:   c.Executor.GracePeriodSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateRetry validates the RetryConfig
func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	if c.Retry.MaxRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_retries",
			Value:   c.Retry.MaxRetries,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateStall validates the StallConfig
func (c *Config) validateStall() []ValidationError {
	var errors []ValidationError

	if c.Stall.ReadLoopThreshold < 2 {
		errors = append(errors, ValidationError{
			Field:   "stall.read_loop_threshold",
			Value:   c.Stall.ReadLoopThreshold,
			Message: "must be at least 2",
		})
	}

	if c.Stall.ReadOverlapRatio <= 0 || c.Stall.ReadOverlapRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "stall.read_overlap_ratio",
			Value:   c.Stall.ReadOverlapRatio,
			Message: "must be in (0, 1]",
		})
	}

	if c.Stall.InitialSilenceMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "stall.initial_silence_minutes",
			Value:   c.Stall.InitialSilenceMinutes,
			Message: "must be at least 1",
		})
	}

	if c.Stall.SilenceMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "stall.silence_minutes",
			Value:   c.Stall.SilenceMinutes,
			Message: "must be at least 1",
		})
	}

	if c.Stall.MaxSessionMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "stall.max_session_minutes",
			Value:   c.Stall.MaxSessionMinutes,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateRecovery validates the RecoveryConfig
func (c *Config) validateRecovery() []ValidationError {
	var errors []ValidationError

	if c.Recovery.BackoffBaseSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "recovery.backoff_base_seconds",
			Value:   c.Recovery.BackoffBaseSeconds,
			Message: "must be at least 1",
		})
	}

	if c.Recovery.BackoffMaxSeconds < c.Recovery.BackoffBaseSeconds {
		errors = append(errors, ValidationError{
			Field:   "recovery.backoff_max_seconds",
			Value:   c.Recovery.BackoffMaxSeconds,
			Message: "must be at least backoff_base_seconds",
		})
	}

	return errors
}

// validateTelemetry validates the TelemetryConfig
func (c *Config) validateTelemetry() []ValidationError {
	var errors []ValidationError

	if c.Telemetry.WindowSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "telemetry.window_size",
			Value:   c.Telemetry.WindowSize,
			Message: "must be at least 1",
		})
	}

	if c.Telemetry.TriggerCooldownMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "telemetry.trigger_cooldown_minutes",
			Value:   c.Telemetry.TriggerCooldownMinutes,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePatterns validates the PatternConfig
func (c *Config) validatePatterns() []ValidationError {
	var errors []ValidationError

	if c.Patterns.DecayFactor <= 0 || c.Patterns.DecayFactor > 1 {
		errors = append(errors, ValidationError{
			Field:   "patterns.decay_factor",
			Value:   c.Patterns.DecayFactor,
			Message: "must be in (0, 1]",
		})
	}

	if c.Patterns.MaxInjected < 0 {
		errors = append(errors, ValidationError{
			Field:   "patterns.max_injected",
			Value:   c.Patterns.MaxInjected,
			Message: "must be non-negative",
		})
	}

	if c.Patterns.MinRelevance < 0 || c.Patterns.MinRelevance > 1 {
		errors = append(errors, ValidationError{
			Field:   "patterns.min_relevance",
			Value:   c.Patterns.MinRelevance,
			Message: "must be in [0, 1]",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative (0 disables rotation)",
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
