package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/highlight"
	"github.com/averdin/refinery/internal/service"
	"github.com/averdin/refinery/internal/workerpool"
)

func newHighlightCmd() *cobra.Command {
	var jsonJob bool

	cmd := &cobra.Command{
		Use:   "highlight",
		Short: "Run the syntax highlight service",
		Long: "Renders highlighted versions of blobs into the on-disk cache on\n" +
			"request, coalescing identical requests. With --json-job it runs\n" +
			"one job from stdin instead, which is how the pool executes its work.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonJob {
				return runHighlightJob(cmd)
			}
			return runService("highlight", runHighlight)
		},
	}
	cmd.Flags().BoolVar(&jsonJob, "json-job", false, "run one job from stdin (internal)")
	return cmd
}

func runHighlight(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hl := highlight.New(cfg, gdb)
	pool := hl.Pool(workerpool.SpawnChild("highlight"))
	pool.RegisterCommand("compact", hl.Compact)
	if err := svc.AddMaintenance("compact-cache", cfg.Highlight.CompactAt, hl.Compact); err != nil {
		return err
	}

	listener, err := service.ListenUnix(cfg.SocketPath("highlight"), 0o666)
	if err != nil {
		return err
	}
	go svc.Serve(ctx, listener, pool.HandleConn)

	return svc.Run(ctx, func(ctx context.Context) (time.Duration, error) {
		return time.Minute, nil
	})
}

func runHighlightJob(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	return runJSONJob(cmd, "highlight", cfg.Highlight.RSSLimitMB, highlight.New(cfg, gdb).RunJob)
}
