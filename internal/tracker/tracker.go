// Package tracker periodically mirrors remote branches and tags into
// managed repositories via per-repository relay clones, pushing through
// the normal hook pipeline so tracked updates get the same bookkeeping as
// manual pushes.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/models"
	"github.com/averdin/refinery/internal/notify"
)

// defaultDelay is used for tracked branches without a configured refresh
// interval.
const defaultDelay = 15 * time.Minute

// Tracker is the branch tracker service core.
type Tracker struct {
	cfg      *config.Config
	db       *gorm.DB
	log      zerolog.Logger
	notifier *notify.Notifier

	runnerFor func(path string) *gitcmd.Runner
	now       func() time.Time
}

// New creates a tracker bound to one database session.
func New(cfg *config.Config, db *gorm.DB) *Tracker {
	return &Tracker{
		cfg:       cfg,
		db:        db,
		log:       log.WithComponent("tracker"),
		notifier:  notify.New(cfg),
		runnerFor: gitcmd.New,
		now:       time.Now,
	}
}

// Poll claims and refreshes every tracked branch that is due, then reports
// how long until the next one.
func (t *Tracker) Poll(ctx context.Context) (time.Duration, error) {
	for {
		tracked, err := t.claimNext()
		if err != nil {
			return time.Minute, err
		}
		if tracked == nil {
			break
		}
		t.refresh(ctx, tracked)
		if err := t.release(tracked); err != nil {
			t.log.Error().Err(err).Uint("tracked", tracked.ID).Msg("release claim")
		}
	}
	return t.untilNextDue()
}

// claimNext atomically claims one due tracked branch: due means enabled,
// not already updating, and scheduled at or before now. The row is taken
// under FOR UPDATE NOWAIT so concurrent claimers (the tracker-hook wakes
// the service while a poll may already be running) never double-refresh;
// a lost lock race is retried briefly and then left for the next poll.
// Claiming advances the schedule so a crash cannot wedge the branch in a
// tight retry loop.
func (t *Tracker) claimNext() (*models.TrackedBranch, error) {
	var claimed *models.TrackedBranch
	now := t.now()
	claim := func() error {
		claimed = nil
		return t.db.Transaction(func(tx *gorm.DB) error {
			var tracked models.TrackedBranch
			err := db.LockNowait(tx.Order("next ASC"), &tracked,
				"disabled = ? AND updating = ? AND (next IS NULL OR next <= ?)",
				false, false, now)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			delay := tracked.Delay
			if delay <= 0 {
				delay = defaultDelay
			}
			next := now.Add(delay)
			err = tx.Model(&tracked).Updates(map[string]interface{}{
				"updating": true,
				"previous": now,
				"next":     next,
			}).Error
			if err != nil {
				return fmt.Errorf("tracker: claim branch %d: %w", tracked.ID, err)
			}
			claimed = &tracked
			return nil
		})
	}
	if err := db.RetryLocked(claim, 5*time.Second); err != nil {
		if errors.Is(err, db.ErrFailedToLock) {
			t.log.Debug().Msg("due branch locked elsewhere, deferring to next poll")
			return nil, nil
		}
		return nil, fmt.Errorf("tracker: claim due branch: %w", err)
	}
	return claimed, nil
}

func (t *Tracker) release(tracked *models.TrackedBranch) error {
	return t.db.Model(&models.TrackedBranch{}).
		Where("id = ?", tracked.ID).Update("updating", false).Error
}

func (t *Tracker) untilNextDue() (time.Duration, error) {
	var tracked models.TrackedBranch
	err := t.db.Where("disabled = ? AND updating = ?", false, false).
		Order("next ASC").First(&tracked).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return t.cfg.Tracker.PollInterval, nil
	}
	if err != nil {
		return t.cfg.Tracker.PollInterval, fmt.Errorf("tracker: find next due: %w", err)
	}
	if tracked.Next == nil {
		return 0, nil
	}
	wait := time.Until(*tracked.Next)
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// refresh fetches the remote state into the relay clone and pushes any
// movement into the managed repository. A failed run disables the branch
// and notifies its subscribers; tracking a broken remote forever helps
// nobody.
func (t *Tracker) refresh(ctx context.Context, tracked *models.TrackedBranch) {
	var repo models.Repository
	if err := t.db.First(&repo, tracked.RepositoryID).Error; err != nil {
		t.log.Error().Err(err).Uint("tracked", tracked.ID).Msg("load repository")
		return
	}

	output, moved, err := t.update(ctx, &repo, tracked)
	if err != nil {
		t.log.Error().Err(err).Str("repository", repo.Name).
			Str("branch", tracked.LocalName).Msg("tracked update failed")
		t.recordLog(tracked, "", "", output+"\n"+err.Error(), false)
		t.disable(tracked, &repo, err)
		return
	}
	if moved != nil {
		t.recordLog(tracked, moved.from, moved.to, output, true)
	}
}

type movement struct {
	from, to string
}

// update performs one fetch-and-push cycle. It returns the relayed hook
// output and the observed movement, nil when the remote was unchanged.
func (t *Tracker) update(ctx context.Context, repo *models.Repository, tracked *models.TrackedBranch) (string, *movement, error) {
	relay, err := t.ensureRelay(ctx, repo)
	if err != nil {
		return "", nil, err
	}

	if _, err := relay.Run(ctx, "remote", "set-url", "source", tracked.Remote); err != nil {
		if _, err := relay.Run(ctx, "remote", "add", "source", tracked.Remote); err != nil {
			return "", nil, fmt.Errorf("tracker: configure remote: %w", err)
		}
	}

	if tracked.LocalName == "*" {
		return t.updateTags(ctx, repo, tracked, relay)
	}
	return t.updateHead(ctx, repo, tracked, relay)
}

// updateHead mirrors a single remote head into refs/heads/<local name>.
func (t *Tracker) updateHead(ctx context.Context, repo *models.Repository, tracked *models.TrackedBranch, relay *gitcmd.Runner) (string, *movement, error) {
	if _, err := relay.Run(ctx, "fetch", "--no-tags", "source", tracked.RemoteName); err != nil {
		return "", nil, fmt.Errorf("tracker: fetch %s: %w", tracked.RemoteName, err)
	}
	fetched, err := relay.RevParse(ctx, "FETCH_HEAD")
	if err != nil {
		return "", nil, fmt.Errorf("tracker: resolve FETCH_HEAD: %w", err)
	}

	local := t.runnerFor(repo.Path)
	current, err := local.RevParse(ctx, "refs/heads/"+tracked.LocalName)
	if err != nil && !errors.Is(err, gitcmd.ErrRefNotFound) {
		return "", nil, err
	}
	if current == fetched {
		return "", nil, nil
	}

	args := []string{"push"}
	if tracked.Forced {
		args = append(args, "--force")
	}
	args = append(args, repo.Path, fetched+":refs/heads/"+tracked.LocalName)
	output, err := t.pushRunner(relay, tracked).RunCombined(ctx, args...)
	output = RelayedOutput(output)
	if err != nil {
		return output, nil, fmt.Errorf("tracker: push %s: %w", tracked.LocalName, err)
	}
	return output, &movement{from: current, to: fetched}, nil
}

// updateTags mirrors all remote tags. Tag updates are always forced.
func (t *Tracker) updateTags(ctx context.Context, repo *models.Repository, tracked *models.TrackedBranch, relay *gitcmd.Runner) (string, *movement, error) {
	if _, err := relay.Run(ctx, "fetch", "--force", "source",
		"+refs/tags/*:refs/tags/*"); err != nil {
		return "", nil, fmt.Errorf("tracker: fetch tags: %w", err)
	}
	output, err := t.pushRunner(relay, tracked).RunCombined(ctx, "push", "--force",
		repo.Path, "refs/tags/*:refs/tags/*")
	output = RelayedOutput(output)
	if err != nil {
		return output, nil, fmt.Errorf("tracker: push tags: %w", err)
	}
	if strings.Contains(output, "Everything up-to-date") {
		return "", nil, nil
	}
	return output, &movement{}, nil
}

// pushRunner equips the relay runner with the side-channel flags that let
// the push through the hook server's tracking-branch protection.
func (t *Tracker) pushRunner(relay *gitcmd.Runner, tracked *models.TrackedBranch) *gitcmd.Runner {
	flags, _ := json.Marshal(map[string]uint{"trackedbranch_id": tracked.ID})
	return relay.WithEnv(
		"CRITIC_FLAGS="+string(flags),
		"REMOTE_USER="+t.cfg.SystemUser,
		"TERM=dumb",
	)
}

// ensureRelay creates the per-repository relay clone on first use. A
// shared clone keeps object storage with the managed repository; when
// that fails (e.g. across filesystems) a plain file:// clone is used.
func (t *Tracker) ensureRelay(ctx context.Context, repo *models.Repository) (*gitcmd.Runner, error) {
	path := filepath.Join(t.cfg.RelayDir(), repo.Name+".git")
	if _, err := os.Stat(path); err == nil {
		return t.runnerFor(path), nil
	}
	if err := os.MkdirAll(t.cfg.RelayDir(), 0o755); err != nil {
		return nil, fmt.Errorf("tracker: create relay dir: %w", err)
	}
	scratch := t.runnerFor(t.cfg.RelayDir())
	if _, err := scratch.Run(ctx, "clone", "--bare", "--shared", repo.Path, path); err != nil {
		t.log.Warn().Err(err).Str("repository", repo.Name).
			Msg("shared relay clone failed, retrying without object sharing")
		if _, err := scratch.Run(ctx, "clone", "--bare", "file://"+repo.Path, path); err != nil {
			return nil, fmt.Errorf("tracker: create relay clone: %w", err)
		}
	}
	return t.runnerFor(path), nil
}

func (t *Tracker) recordLog(tracked *models.TrackedBranch, from, to, output string, ok bool) {
	entry := models.TrackedBranchLog{
		TrackedBranchID: tracked.ID,
		FromSHA1:        from,
		ToSHA1:          to,
		HookOutput:      output,
		Successful:      ok,
	}
	if err := t.db.Create(&entry).Error; err != nil {
		t.log.Error().Err(err).Uint("tracked", tracked.ID).Msg("record log")
	}
}

// disable turns the branch off and mails its subscribers and the
// administrators. Re-enabling is a front-end action.
func (t *Tracker) disable(tracked *models.TrackedBranch, repo *models.Repository, cause error) {
	err := t.db.Model(&models.TrackedBranch{}).
		Where("id = ?", tracked.ID).Update("disabled", true).Error
	if err != nil {
		t.log.Error().Err(err).Uint("tracked", tracked.ID).Msg("disable branch")
	}

	subject := fmt.Sprintf("refinery: tracking of %s:%s disabled", repo.Name, tracked.LocalName)
	body := fmt.Sprintf("Updating the tracked branch %s in %s from %s failed:\n\n%v\n\n"+
		"Tracking has been disabled; re-enable it once the remote is fixed.\n",
		tracked.LocalName, repo.Name, tracked.Remote, cause)
	t.notifier.AdminMail(subject, body)

	var users []models.User
	if err := t.db.Model(tracked).Association("Users").Find(&users); err != nil {
		t.log.Error().Err(err).Uint("tracked", tracked.ID).Msg("load subscribers")
		return
	}
	for _, user := range users {
		if user.Email == "" {
			continue
		}
		t.notifier.UserMail(user.Email, subject, body)
	}
}
