// Package branchupdater consumes preliminary pending ref updates once
// their git refs have actually moved, records the resulting branch, tag
// and review bookkeeping, and hands review-relevant updates on to the
// review updater.
package branchupdater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/ingest"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/models"
	"github.com/averdin/refinery/internal/service"
)

// Updater is the branch updater service core.
type Updater struct {
	cfg *config.Config
	db  *gorm.DB
	log zerolog.Logger

	runnerFor         func(path string) *gitcmd.Runner
	wakeReviewUpdater func()
	now               func() time.Time
}

// New creates an updater bound to one database session.
func New(cfg *config.Config, db *gorm.DB) *Updater {
	return &Updater{
		cfg:       cfg,
		db:        db,
		log:       log.WithComponent("branchupdater"),
		runnerFor: gitcmd.New,
		wakeReviewUpdater: func() {
			service.WakeByPidfile(cfg.PidfilePath("reviewupdater"))
		},
		now: time.Now,
	}
}

// Poll is the service loop body: it sweeps preliminary rows and processes
// every one whose announced ref value has landed in the repository. It
// returns how soon the next sweep is needed.
func (u *Updater) Poll(ctx context.Context) (time.Duration, error) {
	var rows []models.PendingRefUpdate
	err := u.db.Where("state = ?", models.PendingStatePreliminary).
		Order("id ASC").Find(&rows).Error
	if err != nil {
		return time.Minute, fmt.Errorf("branchupdater: list preliminary rows: %w", err)
	}

	delay := time.Minute
	woke := false
	for _, row := range rows {
		landed, err := u.refLanded(ctx, &row)
		if err != nil {
			u.log.Error().Err(err).Uint("pending", row.ID).Msg("check ref state")
			delay = min(delay, 5*time.Second)
			continue
		}
		if !landed {
			// The shim announced the update but git has not written it yet,
			// or never will (the pusher died between hooks).
			if u.now().Sub(row.StartedAt) > u.cfg.BranchUpdater.PreliminaryTimeout {
				u.log.Warn().Uint("pending", row.ID).Str("ref", row.RefName).
					Msg("dropping pending update that never landed")
				u.db.Delete(&models.PendingRefUpdate{}, row.ID)
			} else {
				delay = min(delay, time.Second)
			}
			continue
		}
		if reviewBound := u.process(ctx, &row); reviewBound {
			woke = true
		}
	}
	if woke {
		u.wakeReviewUpdater()
	}
	return delay, nil
}

// refLanded reports whether the git ref now holds the announced new value.
func (u *Updater) refLanded(ctx context.Context, row *models.PendingRefUpdate) (bool, error) {
	repo, err := u.repository(row.RepositoryID)
	if err != nil {
		return false, err
	}
	runner := u.runnerFor(repo.Path)
	actual, err := runner.RevParse(ctx, row.RefName)
	if errors.Is(err, gitcmd.ErrRefNotFound) {
		return row.NewSHA1 == gitcmd.ZeroSHA1, nil
	}
	if err != nil {
		return false, err
	}
	return actual == row.NewSHA1, nil
}

// process performs the database side of one landed ref update and moves
// the row out of preliminary. Non-review updates go straight to finished;
// review-bound updates park in processed, which only the review updater
// moves to finished. It reports whether the update feeds the review
// updater.
func (u *Updater) process(ctx context.Context, row *models.PendingRefUpdate) bool {
	reviewBound, err := u.apply(ctx, row)
	if err != nil {
		u.log.Error().Err(err).Uint("pending", row.ID).Str("ref", row.RefName).
			Msg("processing failed")
		u.appendOutput(row, fmt.Sprintf("error processing %s: %v\n", row.RefName, err))
		u.setState(row, models.PendingStateFailed)
		return false
	}
	if reviewBound {
		if err := u.setState(row, models.PendingStateProcessed); err != nil {
			u.log.Error().Err(err).Uint("pending", row.ID).Msg("mark processed")
		}
		return true
	}
	if err := u.setState(row, models.PendingStateFinished); err != nil {
		u.log.Error().Err(err).Uint("pending", row.ID).Msg("mark finished")
	}
	return false
}

// apply dispatches one landed update by ref namespace.
func (u *Updater) apply(ctx context.Context, row *models.PendingRefUpdate) (bool, error) {
	repo, err := u.repository(row.RepositoryID)
	if err != nil {
		return false, err
	}
	runner := u.runnerFor(repo.Path)

	if branchName, ok := strings.CutPrefix(row.RefName, "refs/heads/"); ok {
		return u.applyBranch(ctx, repo, runner, row, branchName)
	}
	if tagName, ok := strings.CutPrefix(row.RefName, "refs/tags/"); ok {
		return false, u.applyTag(ctx, repo, runner, row, tagName)
	}
	// refs/temporary, refs/keepalive and refs/roots only pin objects; the
	// commits still get recorded.
	if row.NewSHA1 != gitcmd.ZeroSHA1 {
		_, err := ingest.NewSession(u.db).EnsureCommits(ctx, runner, row.NewSHA1)
		return false, err
	}
	return false, nil
}

func (u *Updater) applyBranch(ctx context.Context, repo *models.Repository, runner *gitcmd.Runner, row *models.PendingRefUpdate, branchName string) (bool, error) {
	switch {
	case row.OldSHA1 == gitcmd.ZeroSHA1:
		return u.createBranch(ctx, repo, runner, row, branchName)
	case row.NewSHA1 == gitcmd.ZeroSHA1:
		return false, u.archiveBranch(ctx, repo, runner, row, branchName)
	default:
		return u.moveBranch(ctx, repo, runner, row, branchName)
	}
}

// createBranch records a fresh branch creation. Resurrections of archived
// branches never reach this point; the hook server un-archives those
// inline and records no pending row.
func (u *Updater) createBranch(ctx context.Context, repo *models.Repository, runner *gitcmd.Runner, row *models.PendingRefUpdate, branchName string) (bool, error) {
	headID, err := ingest.NewSession(u.db).EnsureCommits(ctx, runner, row.NewSHA1)
	if err != nil {
		return false, err
	}

	branchType := models.BranchTypeNormal
	if strings.HasPrefix(branchName, u.cfg.ReviewBranchPrefix) {
		branchType = models.BranchTypeReview
	}
	branch := models.Branch{
		RepositoryID: repo.ID,
		Name:         branchName,
		HeadID:       headID,
		Type:         branchType,
	}
	err = u.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&branch).Error; err != nil {
			return fmt.Errorf("branchupdater: create branch %s: %w", branchName, err)
		}
		update := models.BranchUpdate{
			BranchID:           branch.ID,
			UpdaterID:          row.UpdaterID,
			ToHeadID:           headID,
			PendingRefUpdateID: &row.ID,
		}
		if err := tx.Create(&update).Error; err != nil {
			return fmt.Errorf("branchupdater: record branch update: %w", err)
		}
		if branchType == models.BranchTypeReview {
			review := models.Review{BranchID: branch.ID, State: models.ReviewStateOpen}
			if err := tx.Create(&review).Error; err != nil {
				return fmt.Errorf("branchupdater: open review for %s: %w", branchName, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	u.appendOutput(row, fmt.Sprintf("created branch %s\n", branchName))
	return branchType == models.BranchTypeReview, nil
}

// archiveBranch records a branch deletion. The row is kept, archived, so
// the branch can be resurrected at its recorded head; the deleted tip is
// pinned under refs/keepalive/ to keep its objects alive.
func (u *Updater) archiveBranch(ctx context.Context, repo *models.Repository, runner *gitcmd.Runner, row *models.PendingRefUpdate, branchName string) error {
	var branch models.Branch
	err := u.db.Where("repository_id = ? AND name = ?", repo.ID, branchName).
		First(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Unknown branch deleted: nothing to archive.
		return nil
	}
	if err != nil {
		return fmt.Errorf("branchupdater: load branch %s: %w", branchName, err)
	}
	if err := runner.UpdateRef(ctx, "refs/keepalive/"+row.OldSHA1, row.OldSHA1, ""); err != nil {
		u.log.Warn().Err(err).Str("branch", branchName).Msg("pin deleted tip")
	}
	if err := u.db.Model(&branch).Update("archived", true).Error; err != nil {
		return fmt.Errorf("branchupdater: archive branch %s: %w", branchName, err)
	}
	u.appendOutput(row, fmt.Sprintf("archived branch %s\n", branchName))
	return nil
}

// moveBranch records a head movement, detecting rebases by ancestry.
func (u *Updater) moveBranch(ctx context.Context, repo *models.Repository, runner *gitcmd.Runner, row *models.PendingRefUpdate, branchName string) (bool, error) {
	var branch models.Branch
	err := u.db.Where("repository_id = ? AND name = ?", repo.ID, branchName).
		First(&branch).Error
	if err != nil {
		return false, fmt.Errorf("branchupdater: load branch %s: %w", branchName, err)
	}

	headID, err := ingest.NewSession(u.db).EnsureCommits(ctx, runner, row.NewSHA1)
	if err != nil {
		return false, err
	}
	fastForward, err := runner.IsAncestor(ctx, row.OldSHA1, row.NewSHA1)
	if err != nil {
		return false, fmt.Errorf("branchupdater: ancestry of %s: %w", branchName, err)
	}
	if !fastForward {
		// The old tip becomes unreachable from the branch; keep it.
		if err := runner.UpdateRef(ctx, "refs/keepalive/"+row.OldSHA1, row.OldSHA1, ""); err != nil {
			u.log.Warn().Err(err).Str("branch", branchName).Msg("pin rewritten tip")
		}
	}

	fromHeadID := branch.HeadID
	update := models.BranchUpdate{
		BranchID:           branch.ID,
		UpdaterID:          row.UpdaterID,
		FromHeadID:         &fromHeadID,
		ToHeadID:           headID,
		Rebase:             !fastForward,
		PendingRefUpdateID: &row.ID,
	}
	err = u.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&update).Error; err != nil {
			return fmt.Errorf("branchupdater: record branch update: %w", err)
		}
		if err := tx.Model(&branch).Update("head_id", headID).Error; err != nil {
			return fmt.Errorf("branchupdater: move branch %s: %w", branchName, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !fastForward {
		u.appendOutput(row, fmt.Sprintf("branch %s was rewritten\n", branchName))
	}
	u.appendOutput(row, fmt.Sprintf("updated branch %s\n", branchName))
	return u.branchIsReviewed(&branch), nil
}

// applyTag keeps the tags table in sync with refs/tags/.
func (u *Updater) applyTag(ctx context.Context, repo *models.Repository, runner *gitcmd.Runner, row *models.PendingRefUpdate, tagName string) error {
	if row.NewSHA1 == gitcmd.ZeroSHA1 {
		err := u.db.Where("repository_id = ? AND name = ?", repo.ID, tagName).
			Delete(&models.Tag{}).Error
		if err != nil {
			return fmt.Errorf("branchupdater: delete tag %s: %w", tagName, err)
		}
		u.appendOutput(row, fmt.Sprintf("deleted tag %s\n", tagName))
		return nil
	}

	if _, err := ingest.NewSession(u.db).EnsureCommits(ctx, runner, row.NewSHA1); err != nil {
		return err
	}
	var tag models.Tag
	err := u.db.Where("repository_id = ? AND name = ?", repo.ID, tagName).First(&tag).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		tag = models.Tag{RepositoryID: repo.ID, Name: tagName, SHA1: row.NewSHA1}
		if err := u.db.Create(&tag).Error; err != nil {
			return fmt.Errorf("branchupdater: create tag %s: %w", tagName, err)
		}
		u.appendOutput(row, fmt.Sprintf("created tag %s\n", tagName))
	case err != nil:
		return fmt.Errorf("branchupdater: load tag %s: %w", tagName, err)
	default:
		if err := u.db.Model(&tag).Update("sha1", row.NewSHA1).Error; err != nil {
			return fmt.Errorf("branchupdater: move tag %s: %w", tagName, err)
		}
		u.appendOutput(row, fmt.Sprintf("updated tag %s\n", tagName))
	}
	return nil
}

// branchIsReviewed reports whether the branch feeds a review, either by
// type or by an existing review row.
func (u *Updater) branchIsReviewed(branch *models.Branch) bool {
	if branch.Type == models.BranchTypeReview {
		return true
	}
	var count int64
	u.db.Model(&models.Review{}).Where("branch_id = ?", branch.ID).Count(&count)
	return count > 0
}

func (u *Updater) repository(id uint) (*models.Repository, error) {
	var repo models.Repository
	if err := u.db.First(&repo, id).Error; err != nil {
		return nil, fmt.Errorf("branchupdater: load repository %d: %w", id, err)
	}
	return &repo, nil
}

func (u *Updater) setState(row *models.PendingRefUpdate, state string) error {
	err := u.db.Model(&models.PendingRefUpdate{}).
		Where("id = ?", row.ID).Update("state", state).Error
	if err != nil {
		return fmt.Errorf("branchupdater: set state %s on %d: %w", state, row.ID, err)
	}
	row.State = state
	return nil
}

// appendOutput queues one line for the post-receive wait to stream back.
func (u *Updater) appendOutput(row *models.PendingRefUpdate, text string) {
	out := models.PendingRefUpdateOutput{PendingRefUpdateID: row.ID, Output: text}
	if err := u.db.Create(&out).Error; err != nil {
		u.log.Error().Err(err).Uint("pending", row.ID).Msg("append output")
	}
}
