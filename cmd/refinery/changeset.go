package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/changeset"
	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/service"
	"github.com/averdin/refinery/internal/workerpool"
)

func newChangesetCmd() *cobra.Command {
	var jsonJob bool

	cmd := &cobra.Command{
		Use:   "changeset",
		Short: "Run the changeset service",
		Long: "Computes and caches diffs between commits on request, coalescing\n" +
			"identical requests. With --json-job it runs one job from stdin\n" +
			"instead, which is how the pool executes its work.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonJob {
				return runChangesetJob(cmd)
			}
			return runService("changeset", runChangeset)
		},
	}
	cmd.Flags().BoolVar(&jsonJob, "json-job", false, "run one job from stdin (internal)")
	return cmd
}

func runChangeset(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cs := changeset.New(cfg, gdb)
	pool := cs.Pool(workerpool.SpawnChild("changeset"))
	pool.RegisterCommand("purge", cs.PurgeCustom)
	if err := svc.AddMaintenance("purge-custom", cfg.Changeset.PurgeAt, cs.PurgeCustom); err != nil {
		return err
	}

	listener, err := service.ListenUnix(cfg.SocketPath("changeset"), 0o666)
	if err != nil {
		return err
	}
	go svc.Serve(ctx, listener, pool.HandleConn)

	return svc.Run(ctx, func(ctx context.Context) (time.Duration, error) {
		return time.Minute, nil
	})
}

func runChangesetJob(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	return runJSONJob(cmd, "changeset", cfg.Changeset.RSSLimitMB, changeset.New(cfg, gdb).RunJob)
}
