package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/manager"
	"github.com/averdin/refinery/internal/monitor"
	"github.com/averdin/refinery/internal/service"
)

func newManagerCmd() *cobra.Command {
	var slave bool

	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the service manager",
		Long: "Starts every configured service, restarts crashed ones, and answers\n" +
			"status and restart requests on the control socket. SMTP credentials\n" +
			"arriving on stdin are forwarded to the mail delivery service.\n\n" +
			"The outer invocation supervises a --slave copy of itself, so the\n" +
			"manager can be restarted in place without touching the services.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slave {
				return runManager(cmd)
			}
			return runManagerOuter(cmd)
		},
	}
	cmd.Flags().BoolVar(&slave, "slave", false, "run the supervising process itself (internal)")
	return cmd
}

// runManagerOuter respawns the slave manager when it dies unexpectedly.
// The indirection lets `refinery restart manager`-style upgrades replace
// the supervising process while its children keep running.
func runManagerOuter(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(log.Config{
		Level:   log.Level(logLevel),
		Dir:     cfg.LogDir,
		Service: "manager",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	blob, err := readStartupBlob(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read startup secrets: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	for {
		started := time.Now()
		slave := exec.CommandContext(ctx, exe, "manager", "--slave",
			"--config", configPath, "--log-level", logLevel)
		slave.Stdout = os.Stdout
		slave.Stderr = os.Stderr
		if len(blob) > 0 {
			stdin, err := slave.StdinPipe()
			if err != nil {
				return fmt.Errorf("slave stdin pipe: %w", err)
			}
			go func() {
				stdin.Write(blob)
				stdin.Close()
			}()
		}
		slave.Cancel = func() error {
			return slave.Process.Signal(syscall.SIGTERM)
		}

		err := slave.Run()
		if ctx.Err() != nil || err == nil {
			return nil
		}
		log.Logger.Error().Err(err).Msg("slave manager died, respawning")
		if time.Since(started) < time.Second {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func runManager(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(log.Config{
		Level:   log.Level(logLevel),
		Dir:     cfg.LogDir,
		Service: "manager",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	blob, err := readStartupBlob(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read startup secrets: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	m := manager.New(cfg, blob)

	listener, err := service.ListenUnix(cfg.SocketPath("manager"), 0o600)
	if err != nil {
		return err
	}
	svc := service.New("manager", "")
	go svc.Serve(ctx, listener, m.HandleControlConn)

	if cfg.Manager.MonitorAddr != "" {
		gdb, err := db.Connect(cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		mon := monitor.New(cfg, gdb, m.Status)
		go func() {
			if err := mon.Run(cfg.Manager.MonitorAddr); err != nil {
				log.Logger.Error().Err(err).Msg("monitor API failed")
			}
		}()
	}

	return m.Run(ctx)
}

// readStartupBlob drains stdin without blocking on an interactive terminal.
func readStartupBlob(stdin io.Reader) ([]byte, error) {
	if f, ok := stdin.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			return nil, nil
		}
	}
	blob, err := io.ReadAll(stdin)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, nil
	}
	return blob, nil
}
