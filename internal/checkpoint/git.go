// Package checkpoint provides git-backed snapshots of the working tree so
// failed sessions can be rolled back without losing verified progress.
//
// Git commands are issued through a CommandExecutor so tests can run
// against a mock instead of a real repository.
package checkpoint

import (
	"os/exec"
	"strings"

	"github.com/Iron-Ham/harness/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)

	// RunQuiet executes a command and returns only the error.
	RunQuiet(dir string, name string, args ...string) error
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RunQuiet executes a command and returns only the error.
func (e *CLICommandExecutor) RunQuiet(dir string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

// -----------------------------------------------------------------------------
// Git operations
// -----------------------------------------------------------------------------

// Default identity used when the repository has none configured. Commits
// must always succeed in freshly initialized projects.
const (
	defaultGitUser  = "harness"
	defaultGitEmail = "harness@localhost"
)

// Git wraps the git operations the checkpoint manager needs.
type Git struct {
	dir      string
	executor CommandExecutor
}

// NewGit creates a Git for the repository at dir.
func NewGit(dir string) *Git {
	return &Git{dir: dir, executor: NewCLICommandExecutor()}
}

// NewGitWithExecutor creates a Git with a custom executor.
// This is primarily useful for testing.
func NewGitWithExecutor(dir string, executor CommandExecutor) *Git {
	return &Git{dir: dir, executor: executor}
}

// Dir returns the repository directory.
func (g *Git) Dir() string {
	return g.dir
}

// IsRepository reports whether dir is inside a git work tree.
func (g *Git) IsRepository() bool {
	output, err := g.executor.Run(g.dir, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// Init initializes a repository at dir and configures a local identity
// if none is set.
func (g *Git) Init() error {
	if output, err := g.executor.Run(g.dir, "git", "init"); err != nil {
		return errors.NewGitError("failed to init repository", err).
			WithRepository(g.dir).
			WithGitOutput(string(output))
	}

	// Local identity so commits never fail on unconfigured machines.
	if err := g.executor.RunQuiet(g.dir, "git", "config", "user.name"); err != nil {
		if output, err := g.executor.Run(g.dir, "git", "config", "user.name", defaultGitUser); err != nil {
			return errors.NewGitError("failed to set user.name", err).
				WithRepository(g.dir).
				WithGitOutput(string(output))
		}
	}
	if err := g.executor.RunQuiet(g.dir, "git", "config", "user.email"); err != nil {
		if output, err := g.executor.Run(g.dir, "git", "config", "user.email", defaultGitEmail); err != nil {
			return errors.NewGitError("failed to set user.email", err).
				WithRepository(g.dir).
				WithGitOutput(string(output))
		}
	}

	return nil
}

// HasUncommittedChanges reports whether the working tree differs from
// HEAD, including untracked files.
func (g *Git) HasUncommittedChanges() (bool, error) {
	output, err := g.executor.Run(g.dir, "git", "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithRepository(g.dir).
			WithGitOutput(string(output))
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// ChangedFiles lists paths that differ from HEAD, including untracked
// files. Works before the first commit, when everything is untracked.
func (g *Git) ChangedFiles() ([]string, error) {
	output, err := g.executor.Run(g.dir, "git", "status", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("failed to list changed files", err).
			WithRepository(g.dir).
			WithGitOutput(string(output))
	}

	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		// Porcelain format: XY <path> (or "XY <old> -> <new>" for renames).
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files, nil
}

// CommitAll stages everything and commits with the given message,
// returning the new commit hash. Returns ErrNothingToCommit when the
// tree is clean.
func (g *Git) CommitAll(message string) (string, error) {
	if output, err := g.executor.Run(g.dir, "git", "add", "-A"); err != nil {
		return "", errors.NewGitError("failed to stage changes", err).
			WithRepository(g.dir).
			WithGitOutput(string(output))
	}

	output, err := g.executor.Run(g.dir, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return "", errors.ErrNothingToCommit
		}
		return "", errors.NewGitError("failed to commit changes", err).
			WithRepository(g.dir).
			WithGitOutput(string(output))
	}

	return g.Head()
}

// Head returns the current HEAD commit hash.
func (g *Git) Head() (string, error) {
	output, err := g.executor.Run(g.dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve HEAD", err).
			WithRepository(g.dir).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// ResetHard discards the working tree back to ref.
func (g *Git) ResetHard(ref string) error {
	output, err := g.executor.Run(g.dir, "git", "reset", "--hard", ref)
	if err != nil {
		return errors.NewGitError("failed to hard reset", err).
			WithRepository(g.dir).
			WithCommit(ref).
			WithGitOutput(string(output))
	}
	return nil
}

// ResetSoft moves HEAD back to ref, keeping the accumulated diff staged
// for inspection.
func (g *Git) ResetSoft(ref string) error {
	output, err := g.executor.Run(g.dir, "git", "reset", "--soft", ref)
	if err != nil {
		return errors.NewGitError("failed to soft reset", err).
			WithRepository(g.dir).
			WithCommit(ref).
			WithGitOutput(string(output))
	}
	return nil
}
