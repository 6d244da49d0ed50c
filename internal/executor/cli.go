package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/logging"
)

// DefaultGracePeriod is how long a signaled process gets before SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// maxOutputBytes bounds the retained session transcript.
const maxOutputBytes = 64 * 1024

// maxLineBytes bounds a single streamed line.
const maxLineBytes = 1024 * 1024

// Config describes the agent command to run.
type Config struct {
	Command     string
	Args        []string
	WorkDir     string
	GracePeriod time.Duration
}

// CLIExecutor runs the configured agent CLI under a pty, streaming its
// output to registered observers. The pty matters: agent CLIs detect
// non-tty stdout and switch to interactive-unfriendly output modes.
type CLIExecutor struct {
	cfg       Config
	logger    *logging.Logger
	observers []Observer
	changed   func() (bool, error)
}

var _ Executor = (*CLIExecutor)(nil)

// NewCLIExecutor creates a CLIExecutor. Config.Command must be set.
func NewCLIExecutor(cfg Config, logger *logging.Logger) *CLIExecutor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &CLIExecutor{
		cfg:    cfg,
		logger: logger.WithComponent("executor"),
	}
}

// AddObserver registers an observer for streamed session activity.
func (e *CLIExecutor) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// SetChangeDetector installs the check used to populate
// Result.ArtifactsChanged after the session ends. Typically this asks
// the repository whether the working tree moved.
func (e *CLIExecutor) SetChangeDetector(fn func() (bool, error)) {
	e.changed = fn
}

// Execute runs one session to completion, timeout, or cancellation.
// A failing agent exit is reported through Result.Status, not the error.
func (e *CLIExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.cfg.Args...), req.Prompt)
	cmd := exec.Command(e.cfg.Command, args...)
	cmd.Dir = e.cfg.WorkDir

	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, errors.NewExecutorError("starting agent process", err).
			WithCommand(e.cfg.Command)
	}
	defer tty.Close()

	tail := newTailBuffer(maxOutputBytes)

	// The pty read loop ends with an error (EOF or EIO) once the child
	// exits and the slave side closes; only then is Wait safe.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(tty)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			tail.WriteLine(line)
			e.dispatch(line)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		<-readDone
		waitErr <- cmd.Wait()
	}()

	var runErr error
	interrupted := false
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		interrupted = true
		runErr = e.terminate(cmd, waitErr)
	}

	res := &Result{
		Output:   tail.String(),
		Duration: time.Since(start),
	}
	if e.changed != nil {
		changed, cerr := e.changed()
		if cerr != nil {
			e.logger.Warn("change detection failed", "error", cerr.Error())
		}
		res.ArtifactsChanged = changed
	}

	switch {
	case interrupted && ctx.Err() == context.DeadlineExceeded:
		res.Status = StatusTimeout
		e.logger.Warn("session timed out", "timeout", req.Timeout.String())
		return res, nil
	case interrupted:
		res.Status = StatusError
		return res, errors.Wrap(errors.ErrCanceled, "session interrupted")
	case runErr != nil:
		res.Status = StatusError
		e.logger.Warn("agent exited with error", "error", runErr.Error())
		return res, nil
	default:
		res.Status = StatusComplete
		return res, nil
	}
}

// terminate asks the process to exit, then forces it after the grace
// period. Returns the process's final wait error.
func (e *CLIExecutor) terminate(cmd *exec.Cmd, waitErr <-chan error) error {
	if cmd.Process == nil {
		return <-waitErr
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(e.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		return err
	case <-timer.C:
		e.logger.Warn("agent ignored SIGTERM, killing",
			"grace_period", e.cfg.GracePeriod.String())
		_ = cmd.Process.Kill()
		return <-waitErr
	}
}

// dispatch routes one output line to observers: decoded tool events feed
// read/write tracking, everything else is plain output.
func (e *CLIExecutor) dispatch(line string) {
	if tool, files, ok := decodeToolEvent(line); ok {
		switch {
		case isReadTool(tool):
			for _, o := range e.observers {
				o.RecordRead(files...)
			}
		case isWriteTool(tool):
			for _, o := range e.observers {
				o.RecordWrite(files...)
			}
		}
		return
	}
	for _, o := range e.observers {
		o.RecordOutput(line)
	}
}

// -----------------------------------------------------------------------------
// Tool-event decoding
// -----------------------------------------------------------------------------

// toolEvent is the subset of the agent's stream-JSON lines we care about.
type toolEvent struct {
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

var readTools = map[string]bool{
	"Read": true,
	"Glob": true,
	"Grep": true,
	"LS":   true,
}

var writeTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

func isReadTool(name string) bool  { return readTools[name] }
func isWriteTool(name string) bool { return writeTools[name] }

// decodeToolEvent parses a streamed line as a tool-use event. Returns
// ok=false for plain output and for events without file paths.
func decodeToolEvent(line string) (tool string, files []string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return "", nil, false
	}

	var ev toolEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return "", nil, false
	}
	if ev.Type != "tool_use" || ev.Name == "" {
		return "", nil, false
	}

	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, found := ev.Input[key].(string); found && v != "" {
			files = append(files, v)
		}
	}
	return ev.Name, files, true
}

// -----------------------------------------------------------------------------
// Output tail
// -----------------------------------------------------------------------------

// tailBuffer keeps the last max bytes of output, trimmed at line
// boundaries. It is safe for concurrent use: the read loop writes while
// Execute reads the final transcript.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) <= t.max {
		return
	}
	cut := len(t.buf) - t.max
	if nl := indexByteFrom(t.buf, cut, '\n'); nl >= 0 {
		cut = nl + 1
	}
	t.buf = t.buf[cut:]
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func indexByteFrom(b []byte, from int, c byte) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}
