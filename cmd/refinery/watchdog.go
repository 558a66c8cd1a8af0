package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/service"
	"github.com/averdin/refinery/internal/watchdog"
)

func newWatchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Run the load and memory watchdog",
		Long: "Watches system load averages and front-end worker memory use,\n" +
			"alerting the administrator and reining in runaway workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchdog()
		},
	}
}

// runWatchdog skips the shared service runner: the watchdog reads /proc,
// not the database.
func runWatchdog() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(log.Config{
		Level:   log.Level(logLevel),
		Dir:     cfg.LogDir,
		Service: "watchdog",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	svc := service.New("watchdog", cfg.PidfilePath("watchdog"))
	return svc.Run(context.Background(), watchdog.New(cfg).Poll)
}
