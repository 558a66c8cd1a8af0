package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/maildelivery"
	"github.com/averdin/refinery/internal/service"
)

func newMaildeliveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maildelivery",
		Short: "Run the mail delivery service",
		Long: "Drains the outbox spool through a persistent SMTP connection.\n" +
			"Credentials arrive on stdin from the service manager; they are\n" +
			"never stored in the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaildelivery(cmd)
		},
	}
}

func runMaildelivery(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The escalation hook stays off in this process; a failing SMTP server
	// must not generate mail about itself.
	if err := log.Init(log.Config{
		Level:        log.Level(logLevel),
		Dir:          cfg.LogDir,
		Service:      "maildelivery",
		NoEscalation: true,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	creds, err := readCredentials(cmd)
	if err != nil {
		return err
	}

	delivery := maildelivery.New(cfg, creds, nil)
	defer delivery.Shutdown()

	svc := service.New("maildelivery", cfg.PidfilePath("maildelivery"))
	if err := svc.AddMaintenance("purge-sent", "03:45", delivery.PurgeSent); err != nil {
		return err
	}
	return svc.Run(context.Background(), delivery.Cycle)
}

// readCredentials decodes the startup blob the manager forwards on stdin.
// No blob means unauthenticated SMTP.
func readCredentials(cmd *cobra.Command) (*maildelivery.Credentials, error) {
	blob, err := readStartupBlob(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(blob) == 0 {
		return nil, nil
	}
	var creds maildelivery.Credentials
	if err := json.Unmarshal(blob, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &creds, nil
}
