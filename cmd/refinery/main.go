// Command refinery is the single binary behind every Refinery service:
// the manager runs `refinery <service>` per configured child, worker pools
// spawn `refinery <service> --json-job` per job, and administrators use
// the status, restart, migrate and smtp-setup subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/notify"
	"github.com/averdin/refinery/internal/service"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refinery",
		Short: "Refinery — background services for code review",
		Long: "Refinery runs the background service fabric of a Git-integrated\n" +
			"code review server: push validation, branch and review bookkeeping,\n" +
			"remote mirroring, diff and highlight computation, and mail delivery.",
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/refinery/refinery.yaml", "path to the Refinery config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newManagerCmd())
	cmd.AddCommand(newHookserverCmd())
	cmd.AddCommand(newBranchupdaterCmd())
	cmd.AddCommand(newReviewupdaterCmd())
	cmd.AddCommand(newReviewjobCmd())
	cmd.AddCommand(newTrackerCmd())
	cmd.AddCommand(newTrackerhookCmd())
	cmd.AddCommand(newChangesetCmd())
	cmd.AddCommand(newHighlightCmd())
	cmd.AddCommand(newMaildeliveryCmd())
	cmd.AddCommand(newWatchdogCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRestartCmd())
	cmd.AddCommand(newSMTPSetupCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "refinery %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadConfig reads and validates the config file named on the command line.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runService wires up config, logging, the escalation hook and the database
// for one long-lived service process, then hands control to run. Mail
// delivery wires its own logging because its escalation handling differs.
func runService(name string, run func(ctx context.Context, cfg *config.Config, gdb *gorm.DB, svc *service.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(log.Config{
		Level:   log.Level(logLevel),
		Dir:     cfg.LogDir,
		Service: name,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	// Warn-or-above records escalate to one rate-limited administrator
	// mail per hour per service.
	notifier := notify.New(cfg)
	log.SetEscalation(func(level zerolog.Level, message string) {
		notifier.AdminMailRateLimited("log-escalation", time.Hour,
			"refinery: check the logs",
			fmt.Sprintf("The %s service logged a problem:\n\n%s\n\nCheck the service logs for details.\n", name, message))
	})

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	svc := service.New(name, cfg.PidfilePath(name))
	return run(context.Background(), cfg, gdb, svc)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
