package maildelivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/log"
)

const (
	// maxBackoff caps the reconnect delay after SMTP failures.
	maxBackoff = 60 * time.Second
	// staleWarnAge is how old a spool file may get before we warn about it.
	staleWarnAge = 60 * time.Second
	// sentRetention is how long delivered mails are kept in sent/.
	sentRetention = 7 * 24 * time.Hour
)

// Delivery drains the outbox spool through a persistent SMTP connection.
type Delivery struct {
	cfg   *config.Config
	creds *Credentials
	dial  func() (Sender, error)
	log   zerolog.Logger

	sender    Sender
	reconnect *backoff.ExponentialBackOff
	idleSince time.Time
}

// New creates a delivery loop. A nil dial uses the real SMTP transport.
func New(cfg *config.Config, creds *Credentials, dial func() (Sender, error)) *Delivery {
	if dial == nil {
		dial = func() (Sender, error) { return DialSMTP(cfg.SMTP, creds) }
	}
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = time.Second
	reconnect.RandomizationFactor = 0
	reconnect.Multiplier = 2
	reconnect.MaxInterval = maxBackoff
	reconnect.MaxElapsedTime = 0
	return &Delivery{
		cfg:       cfg,
		creds:     creds,
		dial:      dial,
		log:       log.WithComponent("maildelivery"),
		reconnect: reconnect,
		idleSince: time.Now(),
	}
}

// Cycle is one pass over the spool: deliver everything visible, or manage
// the idle connection. It returns how long the caller may sleep.
func (d *Delivery) Cycle(ctx context.Context) (time.Duration, error) {
	outbox := d.cfg.OutboxDir()
	files, err := listSpool(outbox)
	if err != nil {
		return d.cfg.Mail.PollInterval, err
	}

	if len(files) == 0 {
		if d.sender != nil && time.Since(d.idleSince) >= d.cfg.Mail.IdleTimeout {
			d.disconnect()
		}
		return d.cfg.Mail.PollInterval, nil
	}

	if d.sender == nil {
		sender, err := d.dial()
		if err != nil {
			delay := d.nextBackoff()
			d.log.Warn().Err(err).Dur("retry_in", delay).Msg("smtp connect failed")
			return delay, nil
		}
		d.sender = sender
	}

	delivered := 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > staleWarnAge {
			d.log.Warn().Str("file", filepath.Base(path)).Msg("spool file is overdue")
		}

		msg, err := readSpool(path)
		if err != nil {
			// Unparseable files are set aside, never retried.
			d.log.Error().Err(err).Str("file", filepath.Base(path)).Msg("invalid spool file")
			os.Rename(path, strings.TrimSuffix(path, ".txt")+".invalid")
			continue
		}

		rendered := msg.Render(d.cfg.SystemEmail)
		if err := d.sender.Send(d.cfg.SystemEmail, msg.Recipients, []byte(rendered)); err != nil {
			d.disconnect()
			delay := d.nextBackoff()
			d.log.Warn().Err(err).Dur("retry_in", delay).Msg("smtp send failed")
			return delay, nil
		}
		delivered++

		sentDir := filepath.Join(outbox, "sent")
		if err := os.MkdirAll(sentDir, 0o755); err == nil {
			os.Rename(path, filepath.Join(sentDir, filepath.Base(path)+".sent"))
		} else {
			os.Remove(path)
		}
	}

	if delivered > 0 {
		d.reconnect.Reset()
		d.idleSince = time.Now()
		d.queueEscalationSummary()
	}
	return d.cfg.Mail.PollInterval, nil
}

// queueEscalationSummary turns accumulated Warn-or-above records into one
// "check the logs" administrator mail. Delivery runs with the escalation
// hook disabled, so counting is explicit here and a failing SMTP server can
// never generate mail about itself recursively.
func (d *Delivery) queueEscalationSummary() {
	count := log.DrainEscalations()
	if count == 0 || d.cfg.AdminEmail == "" {
		return
	}
	_, err := WriteSpool(d.cfg.OutboxDir(), &Message{
		FromUser:   d.cfg.SystemEmail,
		ToUser:     d.cfg.AdminEmail,
		Recipients: []string{d.cfg.AdminEmail},
		Subject:    "refinery: check the logs",
		Body: fmt.Sprintf("The mail delivery service logged %d problem(s) since the last "+
			"successful delivery cycle. Check the service logs for details.\n", count),
	})
	if err != nil {
		// Do not log at Warn here; that would re-arm the counter.
		d.log.Info().Err(err).Msg("could not queue escalation summary")
	}
}

func (d *Delivery) disconnect() {
	if d.sender != nil {
		d.sender.Close()
		d.sender = nil
	}
}

// nextBackoff doubles the reconnect delay up to the cap. The policy is
// reset after a successful delivery cycle.
func (d *Delivery) nextBackoff() time.Duration {
	return d.reconnect.NextBackOff()
}

// PurgeSent deletes delivered mails older than the retention window. Runs
// nightly at 03:45.
func (d *Delivery) PurgeSent(ctx context.Context) error {
	sentDir := filepath.Join(d.cfg.OutboxDir(), "sent")
	entries, err := os.ReadDir(sentDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("maildelivery: list sent dir: %w", err)
	}
	cutoff := time.Now().Add(-sentRetention)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(sentDir, entry.Name()))
		}
	}
	return nil
}

// Shutdown closes the SMTP connection if open.
func (d *Delivery) Shutdown() {
	d.disconnect()
}
