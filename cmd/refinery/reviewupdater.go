package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/reviewupdater"
	"github.com/averdin/refinery/internal/service"
)

func newReviewupdaterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reviewupdater",
		Short: "Run the review updater",
		Long: "Consumes branch updates of reviewed branches: one reviewjob child\n" +
			"per update folds the new commits into the review and bumps its\n" +
			"serial, then the originating pending ref update is settled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService("reviewupdater", runReviewupdater)
		},
	}
}

func runReviewupdater(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error {
	updater := reviewupdater.New(cfg, gdb)
	return svc.Run(ctx, updater.Poll)
}

// newReviewjobCmd is the child process side of the review updater: one job
// document on stdin, one review update in the database.
func newReviewjobCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "reviewjob",
		Short:  "Run one review update job (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReviewjob(cmd)
		},
	}
}

func runReviewjob(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(log.Config{
		Level:   log.Level(logLevel),
		Dir:     cfg.LogDir,
		Service: "reviewupdater",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	job, err := reviewupdater.ReadJob(data)
	if err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	return reviewupdater.RunJob(gdb, job)
}
