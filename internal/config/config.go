// Package config provides YAML-based configuration loading for Refinery.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Refinery configuration, loaded from refinery.yaml.
type Config struct {
	// DataDir is the root for relay clones, temporary work trees, the mail
	// spool and the highlight cache.
	DataDir       string `yaml:"data_dir"`
	RepositoryDir string `yaml:"repository_dir"`
	SocketDir     string `yaml:"socket_dir"`
	PidfileDir    string `yaml:"pidfile_dir"`
	LogDir        string `yaml:"log_dir"`

	SystemUser  string `yaml:"system_user"`
	SystemEmail string `yaml:"system_email"`
	AdminEmail  string `yaml:"admin_email"`

	// ReviewBranchPrefix marks branches whose lifecycle is coupled to a
	// review, e.g. "r/".
	ReviewBranchPrefix string `yaml:"review_branch_prefix"`

	Database DatabaseConfig `yaml:"database"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Slack    SlackConfig    `yaml:"slack"`

	Manager       ManagerConfig       `yaml:"manager"`
	HookServer    HookServerConfig    `yaml:"hook_server"`
	BranchUpdater BranchUpdaterConfig `yaml:"branch_updater"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Changeset     WorkerPoolConfig    `yaml:"changeset"`
	Highlight     HighlightConfig     `yaml:"highlight"`
	Mail          MailConfig          `yaml:"mail"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
}

// SMTPConfig holds outbound mail settings. Credentials are not part of the
// config file; the service manager forwards them on stdin at startup.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	StartTLS bool   `yaml:"starttls"`
}

// SlackConfig optionally mirrors administrator alerts to a Slack channel.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// ManagerConfig configures the service manager.
type ManagerConfig struct {
	// Services lists the child services to run, in start order.
	Services []string `yaml:"services"`
	// MonitorAddr is the listen address of the read-only HTTP status API;
	// empty disables it.
	MonitorAddr string `yaml:"monitor_addr"`
}

// HookServerConfig configures the git-hook server.
type HookServerConfig struct {
	// PostReceiveTimeout bounds how long a pushing client waits for output.
	PostReceiveTimeout time.Duration `yaml:"post_receive_timeout"`
	// PolicyHook is an optional executable run during pre-receive with the
	// push request on stdin; a non-zero exit rejects the push.
	PolicyHook string `yaml:"policy_hook"`
}

// BranchUpdaterConfig configures the branch updater.
type BranchUpdaterConfig struct {
	// PreliminaryTimeout bounds the lifetime of a preliminary pending ref
	// update whose git ref never reached the announced value.
	PreliminaryTimeout time.Duration `yaml:"preliminary_timeout"`
}

// TrackerConfig configures the branch tracker.
type TrackerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WorkerPoolConfig configures a request-coalescing worker pool service.
type WorkerPoolConfig struct {
	MaxWorkers int    `yaml:"max_workers"`
	RSSLimitMB int    `yaml:"rss_limit_mb"`
	PurgeAt    string `yaml:"purge_at"` // "HH:MM"
}

// HighlightConfig extends the worker pool settings with cache compaction.
type HighlightConfig struct {
	MaxWorkers int    `yaml:"max_workers"`
	RSSLimitMB int    `yaml:"rss_limit_mb"`
	CacheDir   string `yaml:"cache_dir"`
	CompactAt  string `yaml:"compact_at"` // "HH:MM"
}

// MailConfig configures outbound mail delivery.
type MailConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// WatchdogConfig configures the load and RSS watchdog.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Load thresholds per averaging window, scaled by CPU count.
	Load1  float64 `yaml:"load1"`
	Load5  float64 `yaml:"load5"`
	Load15 float64 `yaml:"load15"`
	// RSS limits for front-end worker processes.
	SoftLimitMB int    `yaml:"soft_limit_mb"`
	HardLimitMB int    `yaml:"hard_limit_mb"`
	WebPidDir   string `yaml:"web_pid_dir"`
}

// DefaultServices is the start order used when manager.services is omitted.
var DefaultServices = []string{
	"hookserver",
	"branchupdater",
	"reviewupdater",
	"tracker",
	"trackerhook",
	"changeset",
	"highlight",
	"maildelivery",
	"watchdog",
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.SocketDir == "" && c.DataDir != "" {
		c.SocketDir = filepath.Join(c.DataDir, "sockets")
	}
	if c.PidfileDir == "" && c.DataDir != "" {
		c.PidfileDir = filepath.Join(c.DataDir, "run")
	}
	if c.LogDir == "" && c.DataDir != "" {
		c.LogDir = filepath.Join(c.DataDir, "log")
	}
	if c.ReviewBranchPrefix == "" {
		c.ReviewBranchPrefix = "r/"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "refinery"
	}
	if c.Database.Database == "" {
		c.Database.Database = "refinery"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if len(c.Manager.Services) == 0 {
		c.Manager.Services = append([]string(nil), DefaultServices...)
	}
	if c.HookServer.PostReceiveTimeout == 0 {
		c.HookServer.PostReceiveTimeout = 30 * time.Second
	}
	if c.BranchUpdater.PreliminaryTimeout == 0 {
		c.BranchUpdater.PreliminaryTimeout = 30 * time.Second
	}
	if c.Tracker.PollInterval == 0 {
		c.Tracker.PollInterval = 15 * time.Second
	}
	if c.Changeset.MaxWorkers == 0 {
		c.Changeset.MaxWorkers = 4
	}
	if c.Changeset.RSSLimitMB == 0 {
		c.Changeset.RSSLimitMB = 512
	}
	if c.Changeset.PurgeAt == "" {
		c.Changeset.PurgeAt = "04:15"
	}
	if c.Highlight.MaxWorkers == 0 {
		c.Highlight.MaxWorkers = 4
	}
	if c.Highlight.RSSLimitMB == 0 {
		c.Highlight.RSSLimitMB = 512
	}
	if c.Highlight.CacheDir == "" && c.DataDir != "" {
		c.Highlight.CacheDir = filepath.Join(c.DataDir, "highlight")
	}
	if c.Highlight.CompactAt == "" {
		c.Highlight.CompactAt = "03:15"
	}
	if c.Mail.PollInterval == 0 {
		c.Mail.PollInterval = 30 * time.Second
	}
	if c.Mail.IdleTimeout == 0 {
		c.Mail.IdleTimeout = 25 * time.Second
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = 10 * time.Second
	}
	if c.Watchdog.Load1 == 0 {
		c.Watchdog.Load1 = 3.0
	}
	if c.Watchdog.Load5 == 0 {
		c.Watchdog.Load5 = 2.0
	}
	if c.Watchdog.Load15 == 0 {
		c.Watchdog.Load15 = 1.5
	}
	if c.Watchdog.SoftLimitMB == 0 {
		c.Watchdog.SoftLimitMB = 512
	}
	if c.Watchdog.HardLimitMB == 0 {
		c.Watchdog.HardLimitMB = 1024
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.RepositoryDir == "" {
		errs = append(errs, "repository_dir is required")
	}
	if c.SystemEmail == "" {
		errs = append(errs, "system_email is required")
	}
	known := make(map[string]bool, len(DefaultServices))
	for _, name := range DefaultServices {
		known[name] = true
	}
	for i, name := range c.Manager.Services {
		if !known[name] {
			errs = append(errs, fmt.Sprintf("manager.services[%d]: unknown service %q", i, name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SocketPath returns the unix socket path for a named service.
func (c *Config) SocketPath(service string) string {
	return filepath.Join(c.SocketDir, service+".unix")
}

// PidfilePath returns the pidfile path for a named service.
func (c *Config) PidfilePath(service string) string {
	return filepath.Join(c.PidfileDir, service+".pid")
}

// OutboxDir returns the mail spool directory.
func (c *Config) OutboxDir() string {
	return filepath.Join(c.DataDir, "outbox")
}

// RelayDir returns the scratch directory for tracker relay clones.
func (c *Config) RelayDir() string {
	return filepath.Join(c.DataDir, "relay")
}

// RepositoryPath returns the filesystem path of a managed repository.
func (c *Config) RepositoryPath(name string) string {
	return filepath.Join(c.RepositoryDir, name+".git")
}
