package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/averdin/refinery/internal/log"
)

// runJSONJob is the child process side of a worker pool service: limit the
// address space, read one request document from stdin, run it, and write
// the result document to stdout. Logging goes to stderr, which the parent
// captures for its error report.
func runJSONJob(cmd *cobra.Command, serviceName string, rssLimitMB int, run func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)) error {
	if err := log.Init(log.Config{
		Level:   log.Level(logLevel),
		Service: serviceName,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if err := limitAddressSpace(rssLimitMB); err != nil {
		return err
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	result, err := run(cmd.Context(), json.RawMessage(data))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(result, '\n'))
	return err
}

// limitAddressSpace caps the process's address space so one runaway job
// cannot take the host down with it.
func limitAddressSpace(limitMB int) error {
	if limitMB <= 0 {
		return nil
	}
	limit := uint64(limitMB) << 20
	rlimit := syscall.Rlimit{Cur: limit, Max: limit}
	if err := syscall.Setrlimit(syscall.RLIMIT_AS, &rlimit); err != nil {
		return fmt.Errorf("set address space limit: %w", err)
	}
	return nil
}
