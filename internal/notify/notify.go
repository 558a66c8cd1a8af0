// Package notify delivers administrator alerts: a mail queued into the
// outbox spool, optionally mirrored to a Slack channel.
package notify

import (
	"fmt"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/maildelivery"
	"github.com/averdin/refinery/internal/service"
)

// slackClient abstracts the single Slack API method we use, enabling test
// mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier queues administrator alerts.
type Notifier struct {
	cfg   *config.Config
	slack slackClient

	mu   sync.Mutex
	last map[string]time.Time
}

// New creates a Notifier. Slack mirroring activates only when a token and
// channel are configured.
func New(cfg *config.Config) *Notifier {
	n := &Notifier{cfg: cfg, last: make(map[string]time.Time)}
	if cfg.Slack.Token != "" && cfg.Slack.Channel != "" {
		n.slack = slackapi.New(cfg.Slack.Token)
	}
	return n
}

// AdminMail queues an administrator mail and wakes the delivery service.
// Best-effort: failures are logged at Info (never Warn, which would feed
// the escalation counter this path drains).
func (n *Notifier) AdminMail(subject, body string) {
	if n.cfg.AdminEmail == "" {
		return
	}
	_, err := maildelivery.WriteSpool(n.cfg.OutboxDir(), &maildelivery.Message{
		FromUser:   n.cfg.SystemEmail,
		ToUser:     n.cfg.AdminEmail,
		Recipients: []string{n.cfg.AdminEmail},
		Subject:    subject,
		Body:       body,
	})
	if err != nil {
		log.Logger.Info().Err(err).Msg("notify: queue admin mail failed")
		return
	}
	service.WakeByPidfile(n.cfg.PidfilePath("maildelivery"))

	if n.slack != nil {
		text := fmt.Sprintf("*%s*\n%s", subject, body)
		if _, _, err := n.slack.PostMessage(n.cfg.Slack.Channel, slackapi.MsgOptionText(text, false)); err != nil {
			log.Logger.Info().Err(err).Msg("notify: slack mirror failed")
		}
	}
}

// UserMail queues a mail to one user and wakes the delivery service.
func (n *Notifier) UserMail(to, subject, body string) {
	_, err := maildelivery.WriteSpool(n.cfg.OutboxDir(), &maildelivery.Message{
		FromUser:   n.cfg.SystemEmail,
		ToUser:     to,
		Recipients: []string{to},
		Subject:    subject,
		Body:       body,
	})
	if err != nil {
		log.Logger.Info().Err(err).Msg("notify: queue user mail failed")
		return
	}
	service.WakeByPidfile(n.cfg.PidfilePath("maildelivery"))
}

// AdminMailRateLimited sends at most one alert per key within the window.
func (n *Notifier) AdminMailRateLimited(key string, window time.Duration, subject, body string) bool {
	n.mu.Lock()
	if last, ok := n.last[key]; ok && time.Since(last) < window {
		n.mu.Unlock()
		return false
	}
	n.last[key] = time.Now()
	n.mu.Unlock()

	n.AdminMail(subject, body)
	return true
}

// Reset clears the rate-limit record for a key, forcing the next alert
// through. The watchdog uses this when a condition worsens materially.
func (n *Notifier) Reset(key string) {
	n.mu.Lock()
	delete(n.last, key)
	n.mu.Unlock()
}
