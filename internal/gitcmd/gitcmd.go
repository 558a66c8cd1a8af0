// Package gitcmd invokes git as a subprocess against managed repositories.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrRefNotFound is returned when a ref or object does not exist.
var ErrRefNotFound = errors.New("gitcmd: ref not found")

// GitError captures a failed git invocation.
type GitError struct {
	Args     []string
	Dir      string
	ExitCode int
	Stderr   string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("gitcmd: git %s (in %s) exited %d: %s",
		strings.Join(e.Args, " "), e.Dir, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Runner runs git commands in one repository directory.
type Runner struct {
	Dir string
	// Env entries are appended to the inherited environment. Author and
	// committer identity are always pinned so hook-driven commits are
	// deterministic.
	Env []string
}

// New returns a Runner for the given git directory.
func New(dir string) *Runner {
	return &Runner{Dir: dir}
}

// WithEnv returns a copy of the runner with extra environment entries.
func (r *Runner) WithEnv(env ...string) *Runner {
	clone := *r
	clone.Env = append(append([]string(nil), r.Env...), env...)
	return &clone
}

// Run executes git with the given arguments and returns its stdout.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Refinery",
		"GIT_AUTHOR_EMAIL=refinery@localhost",
		"GIT_COMMITTER_NAME=Refinery",
		"GIT_COMMITTER_EMAIL=refinery@localhost",
	)
	cmd.Env = append(cmd.Env, r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &GitError{
				Args:     args,
				Dir:      r.Dir,
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
		return "", fmt.Errorf("gitcmd: run git %s: %w", strings.Join(args, " "), err)
	}
	return stdout.String(), nil
}

// RunCombined executes git and returns interleaved stdout and stderr,
// also on failure. Push progress and "remote:" sideband lines arrive on
// stderr, so callers that relay hook output need both streams.
func (r *Runner) RunCombined(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return combined.String(), &GitError{
				Args:     args,
				Dir:      r.Dir,
				ExitCode: exitErr.ExitCode(),
				Stderr:   combined.String(),
			}
		}
		return "", fmt.Errorf("gitcmd: run git %s: %w", strings.Join(args, " "), err)
	}
	return combined.String(), nil
}

// Output runs git and returns stdout with trailing whitespace trimmed.
func (r *Runner) Output(ctx context.Context, args ...string) (string, error) {
	out, err := r.Run(ctx, args...)
	return strings.TrimRight(out, "\n"), err
}

// Lines runs git and splits stdout into non-empty lines.
func (r *Runner) Lines(ctx context.Context, args ...string) ([]string, error) {
	out, err := r.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
