package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/service"
	"github.com/averdin/refinery/internal/tracker"
	"github.com/averdin/refinery/internal/trackerhook"
)

func newTrackerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tracker",
		Short: "Run the branch tracker",
		Long: "Mirrors branches and tags from upstream repositories into the\n" +
			"managed ones, pushing fetched tips through the hook pipeline so\n" +
			"tracked updates get the same bookkeeping as human pushes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService("tracker", runTracker)
		},
	}
}

func runTracker(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error {
	return svc.Run(ctx, tracker.New(cfg, gdb).Poll)
}

func newTrackerhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trackerhook",
		Short: "Run the tracker hook server",
		Long: "Serves on-demand refresh requests for tracked branches on a unix\n" +
			"socket, optionally streaming the refresh outcome back to the caller.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService("trackerhook", runTrackerhook)
		},
	}
}

func runTrackerhook(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := trackerhook.New(cfg, gdb)
	listener, err := service.ListenUnix(cfg.SocketPath("trackerhook"), 0o666)
	if err != nil {
		return err
	}
	go svc.Serve(ctx, listener, srv.HandleConn)

	return svc.Run(ctx, func(ctx context.Context) (time.Duration, error) {
		return time.Minute, nil
	})
}
