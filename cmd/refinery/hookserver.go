package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/hookserver"
	"github.com/averdin/refinery/internal/service"
)

func newHookserverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hookserver",
		Short: "Run the git hook server",
		Long: "Serves pre-receive and post-receive requests from the repository\n" +
			"hook scripts on a unix socket: validates pushes, records pending\n" +
			"ref updates and streams processing output back to the pusher.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService("hookserver", runHookserver)
		},
	}
}

func runHookserver(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := hookserver.NewServer(cfg, gdb)

	// The hook scripts run as the repository owner's group; mode 0770
	// keeps everyone else out.
	listener, err := service.ListenUnix(cfg.SocketPath("hookserver"), 0o770)
	if err != nil {
		return err
	}
	go svc.Serve(ctx, listener, srv.HandleConn)

	return svc.Run(ctx, func(ctx context.Context) (time.Duration, error) {
		return time.Minute, nil
	})
}
