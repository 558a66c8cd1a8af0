package main

import (
	"context"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/branchupdater"
	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/service"
)

func newBranchupdaterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branchupdater",
		Short: "Run the branch updater",
		Long: "Processes pending ref updates recorded by the hook server: creates,\n" +
			"moves and archives branches, syncs tags, and pins rewritten or\n" +
			"deleted tips under refs/keepalive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService("branchupdater", runBranchupdater)
		},
	}
}

func runBranchupdater(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error {
	updater := branchupdater.New(cfg, gdb)
	if err := svc.AddMaintenance("compact-keepalive", "04:05", updater.CompactKeepalive); err != nil {
		return err
	}
	return svc.Run(ctx, updater.Poll)
}
