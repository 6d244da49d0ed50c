// Package errors provides centralized error definitions and error handling
// utilities for the harness codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and error
// classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - SessionError: errors from session orchestration
//   - GitError: errors from git operations (checkpoints, rollbacks)
//   - RecoveryError: errors from recovery strategy execution
//   - ExecutorError: errors from the external session executor
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewGitError("commit failed", baseErr).WithRepository(dir)
//	err := errors.NewNotFoundError("work item", "feature-3")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrCycleDetected) { ... }
//	var gitErr *errors.GitError
//	if errors.As(err, &gitErr) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Work tracking sentinel errors
var (
	// ErrStoreNotFound indicates that the work-item store does not exist yet.
	ErrStoreNotFound = New("work-item store not found")
	// ErrNoWorkAvailable indicates that no ready work item exists right now.
	ErrNoWorkAvailable = New("no work available")
	// ErrWorkItemNotFound indicates that a work item could not be found.
	ErrWorkItemNotFound = New("work item not found")
	// ErrRetriesExhausted indicates that a work item hit its retry cap.
	ErrRetriesExhausted = New("retries exhausted")
)

// Dependency graph sentinel errors
var (
	// ErrCycleDetected indicates a circular dependency among incomplete tasks.
	ErrCycleDetected = New("dependency cycle detected")
	// ErrTaskNotFound indicates that a task is not present in the graph.
	ErrTaskNotFound = New("task not found")
)

// Git/checkpoint sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrNoCheckpoint indicates that no checkpoint matching the request exists.
	ErrNoCheckpoint = New("no checkpoint available")
	// ErrNothingToCommit indicates that the working tree has no changes.
	ErrNothingToCommit = New("nothing to commit")
)

// Session/orchestration sentinel errors
var (
	// ErrSessionStalled indicates that a session was judged non-productive.
	ErrSessionStalled = New("session stalled")
	// ErrSessionLocked indicates another orchestrator holds the run lock.
	ErrSessionLocked = New("session directory is locked")
	// ErrInitializationFailed indicates that the one-time initializer session failed.
	ErrInitializationFailed = New("initializer session failed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// HarnessError is the base interface for all harness errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type HarnessError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents errors from session orchestration.
//
// Example:
//
//	err := errors.NewSessionError("session ended abnormally", cause).
//		WithSessionID("a1b2").WithIteration(4)
type SessionError struct {
	baseError
	SessionID string
	Iteration int
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
		Iteration: -1, // -1 indicates not set
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithIteration adds an iteration number to the error context.
func (e *SessionError) WithIteration(n int) *SessionError {
	e.Iteration = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SessionError) WithRetryable(r bool) *SessionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Iteration >= 0 {
		parts = append(parts, fmt.Sprintf("iteration=%d", e.Iteration))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors from git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to reset", cause).
//		WithRepository("/path/to/repo").WithGitOutput(out)
type GitError struct {
	baseError
	Repository string
	CommitRef  string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithCommit adds a commit ref to the error context.
func (e *GitError) WithCommit(ref string) *GitError {
	e.CommitRef = ref
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	if e.CommitRef != "" {
		parts = append(parts, fmt.Sprintf("commit=%s", e.CommitRef))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RecoveryError represents errors from recovery strategy execution.
type RecoveryError struct {
	baseError
	FailureType string
	Strategy    string
}

// NewRecoveryError creates a new RecoveryError.
func NewRecoveryError(message string, cause error) *RecoveryError {
	return &RecoveryError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithFailureType adds the failure classification to the error context.
func (e *RecoveryError) WithFailureType(t string) *RecoveryError {
	e.FailureType = t
	return e
}

// WithStrategy adds the attempted strategy to the error context.
func (e *RecoveryError) WithStrategy(s string) *RecoveryError {
	e.Strategy = s
	return e
}

// Error returns the formatted error message.
func (e *RecoveryError) Error() string {
	var parts []string
	if e.FailureType != "" {
		parts = append(parts, fmt.Sprintf("failure=%s", e.FailureType))
	}
	if e.Strategy != "" {
		parts = append(parts, fmt.Sprintf("strategy=%s", e.Strategy))
	}

	prefix := "recovery error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("recovery error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RecoveryError) Is(target error) bool {
	if _, ok := target.(*RecoveryError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ExecutorError represents errors from the external session executor.
// Executor failures are transient by default: re-invoking the executor
// may produce a different result.
type ExecutorError struct {
	baseError
	Command  string
	ExitCode int
}

// NewExecutorError creates a new ExecutorError.
func NewExecutorError(message string, cause error) *ExecutorError {
	return &ExecutorError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
		ExitCode: -1,
	}
}

// WithCommand adds the executor command to the error context.
func (e *ExecutorError) WithCommand(cmd string) *ExecutorError {
	e.Command = cmd
	return e
}

// WithExitCode adds the process exit code to the error context.
func (e *ExecutorError) WithExitCode(code int) *ExecutorError {
	e.ExitCode = code
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ExecutorError) WithRetryable(r bool) *ExecutorError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ExecutorError) Error() string {
	var parts []string
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("command=%s", e.Command))
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}

	prefix := "executor error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("executor error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ExecutorError) Is(target error) bool {
	if _, ok := target.(*ExecutorError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("work item", "feature-3")
//	fmt.Println(err) // "work item 'feature-3' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for executor", 30*time.Minute)
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true, // Timeouts are generally retryable
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing HarnessError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var harnessErr HarnessError
	if As(err, &harnessErr) {
		return harnessErr.IsRetryable()
	}

	if Is(err, ErrTimeout) {
		return true
	}

	return false
}

// IsExpected returns true if the error represents an expected, degradable
// condition that callers treat as a no-op with a logged reason rather than
// a failure: nothing to commit, no checkpoint to restore, no work available.
func IsExpected(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrNothingToCommit) ||
		Is(err, ErrNoCheckpoint) ||
		Is(err, ErrNoWorkAvailable)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement HarnessError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var harnessErr HarnessError
	if As(err, &harnessErr) {
		return harnessErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load retry state")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to checkpoint iteration %d", i)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
