// Package logging provides structured logging for harness runs.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation support for debugging and post-hoc analysis. Long
// autonomous runs produce a lot of output; structured, filterable logs in
// the state directory are how a run is reconstructed after the fact.
//
// # Basic Usage
//
// Create a logger for a state directory:
//
//	logger, err := logging.NewLogger(".harness", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("session complete", "duration_ms", 150)
//
// # Context Propagation
//
// Create child loggers with persistent context attributes:
//
//	sessionLogger := logger.WithSession("session-abc123").WithIteration(4)
//	sessionLogger.Info("checkpoint created", "commit", ref)
//
// All logs from the child include session_id and iteration.
//
// # Rotation
//
// Runs can last many hours, so the file writer rotates by size. Rotated
// files are named debug.log.1, debug.log.2, etc., where .1 is the most
// recent backup.
//
// # Testing
//
// Use [NopLogger] to discard all log output:
//
//	func TestSomething(t *testing.T) {
//	    logger := logging.NopLogger()
//	}
package logging
