package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ChildOpts configures one short-lived child process.
type ChildOpts struct {
	Argv  []string
	Stdin []byte
	Dir   string
	Env   []string
	// Deadline bounds the child's runtime; on expiry it is killed and the
	// result is marked TimedOut.
	Deadline time.Duration
}

// ChildResult is the outcome of a finished child process.
type ChildResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
}

// RunChild spawns a child process, feeds it stdin, and waits for it to
// exit. A non-zero exit is reported through the result, not the error; the
// error covers spawn failures only.
func RunChild(ctx context.Context, opts ChildOpts) (*ChildResult, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("service: child argv is required")
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On deadline expiry kill outright; a stuck worker gets no grace.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGKILL)
	}

	err := cmd.Run()
	result := &ChildResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if result.TimedOut {
			result.ExitCode = -1
			return result, nil
		}
		return nil, fmt.Errorf("service: run child %s: %w", strings.Join(opts.Argv, " "), err)
	}
	return result, nil
}
