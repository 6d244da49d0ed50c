// Package executor is the boundary to the external coding agent. The
// orchestrator treats it as opaque and non-idempotent: re-running the
// same prompt may produce different results.
package executor

import (
	"context"
	"time"
)

// Status classifies how a session ended.
type Status string

const (
	StatusComplete Status = "complete"
	StatusTimeout  Status = "timeout"
	StatusError    Status = "error"
)

// Request describes one session to run.
type Request struct {
	Prompt  string
	Timeout time.Duration
}

// Result is the outcome of one session.
type Result struct {
	Status           Status
	ArtifactsChanged bool
	Output           string
	Duration         time.Duration
}

// Executor runs one bounded, stateless session.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Observer receives streamed activity from a running session.
// *stall.Detector satisfies this.
type Observer interface {
	RecordRead(files ...string)
	RecordWrite(files ...string)
	RecordOutput(line string)
}
