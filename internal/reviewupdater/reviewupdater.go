// Package reviewupdater brings reviews up to date with the branch updates
// the branch updater records. The recomputation itself runs in a child
// process, so a crash or runaway job never takes the service down.
package reviewupdater

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/models"
	"github.com/averdin/refinery/internal/notify"
	"github.com/averdin/refinery/internal/service"
)

// Job is the work order handed to a review job child on stdin.
type Job struct {
	ReviewID           uint  `json:"review_id"`
	BranchUpdateID     uint  `json:"branchupdate_id"`
	PendingRefUpdateID *uint `json:"pendingrefupdate_id,omitempty"`
}

// Updater is the review updater service core.
type Updater struct {
	cfg      *config.Config
	db       *gorm.DB
	log      zerolog.Logger
	notifier *notify.Notifier

	// runJob executes one job; the default spawns a child process, tests
	// run the job in-process.
	runJob func(ctx context.Context, job Job) error
	// inflight guards against queueing the same branch update twice when a
	// job outlives one poll cycle.
	inflight map[uint]bool
}

// New creates an updater bound to one database session.
func New(cfg *config.Config, db *gorm.DB) *Updater {
	u := &Updater{
		cfg:      cfg,
		db:       db,
		log:      log.WithComponent("reviewupdater"),
		notifier: notify.New(cfg),
		inflight: make(map[uint]bool),
	}
	u.runJob = u.spawnJob
	return u
}

// Poll finds branch updates of reviewed branches that no review update has
// consumed yet and runs one job per update.
func (u *Updater) Poll(ctx context.Context) (time.Duration, error) {
	var updates []models.BranchUpdate
	err := u.db.
		Joins("JOIN reviews ON reviews.branch_id = branch_updates.branch_id").
		Joins("LEFT JOIN review_updates ON review_updates.branch_update_id = branch_updates.id").
		Where("review_updates.branch_update_id IS NULL").
		Order("branch_updates.id ASC").
		Find(&updates).Error
	if err != nil {
		return time.Minute, fmt.Errorf("reviewupdater: list unconsumed branch updates: %w", err)
	}

	for _, update := range updates {
		if u.inflight[update.ID] {
			continue
		}
		var review models.Review
		err := u.db.Where("branch_id = ?", update.BranchID).First(&review).Error
		if err != nil {
			u.log.Error().Err(err).Uint("branchupdate", update.ID).Msg("load review")
			continue
		}
		job := Job{
			ReviewID:           review.ID,
			BranchUpdateID:     update.ID,
			PendingRefUpdateID: update.PendingRefUpdateID,
		}
		u.inflight[update.ID] = true
		u.dispatch(ctx, job, &update)
		delete(u.inflight, update.ID)
	}
	return time.Minute, nil
}

// dispatch runs one job and settles its pending row.
func (u *Updater) dispatch(ctx context.Context, job Job, update *models.BranchUpdate) {
	err := u.runJob(ctx, job)
	if err == nil {
		u.settlePending(job, models.PendingStateFinished, "")
		return
	}

	u.log.Error().Err(err).Uint("review", job.ReviewID).
		Uint("branchupdate", job.BranchUpdateID).Msg("review job failed")
	u.settlePending(job, models.PendingStateFailed,
		fmt.Sprintf("updating the review failed: %v\n", err))

	// Failures caused by regular users escalate to the administrators;
	// developers debug their own pushes.
	if !u.updaterIsDeveloper(update) {
		u.notifier.AdminMail(
			fmt.Sprintf("refinery: review %d update failed", job.ReviewID),
			fmt.Sprintf("Branch update %d failed to apply to review %d:\n\n%v\n",
				job.BranchUpdateID, job.ReviewID, err))
	}
}

func (u *Updater) updaterIsDeveloper(update *models.BranchUpdate) bool {
	if update.UpdaterID == nil {
		return false
	}
	var user models.User
	if err := u.db.First(&user, *update.UpdaterID).Error; err != nil {
		return false
	}
	return user.Developer
}

// settlePending moves the job's pending ref update row to a terminal
// state, with optional output for the waiting pusher.
func (u *Updater) settlePending(job Job, state, output string) {
	if job.PendingRefUpdateID == nil {
		return
	}
	id := *job.PendingRefUpdateID
	if output != "" {
		out := models.PendingRefUpdateOutput{PendingRefUpdateID: id, Output: output}
		if err := u.db.Create(&out).Error; err != nil {
			u.log.Error().Err(err).Uint("pending", id).Msg("append output")
		}
	}
	err := u.db.Model(&models.PendingRefUpdate{}).
		Where("id = ? AND state = ?", id, models.PendingStateProcessed).
		Update("state", state).Error
	if err != nil {
		u.log.Error().Err(err).Uint("pending", id).Msg("settle pending row")
	}
}

// spawnJob runs `refinery reviewjob` with the job on stdin.
func (u *Updater) spawnJob(ctx context.Context, job Job) error {
	stdin, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("reviewupdater: encode job: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("reviewupdater: locate executable: %w", err)
	}
	result, err := service.RunChild(ctx, service.ChildOpts{
		Argv:     []string{exe, "reviewjob"},
		Stdin:    append(stdin, '\n'),
		Deadline: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("reviewupdater: run job child: %w", err)
	}
	if result.TimedOut {
		return fmt.Errorf("reviewupdater: job timed out")
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("reviewupdater: job exited %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// RunJob is the child-process side: it applies one branch update to its
// review. It runs with its own database connection.
func RunJob(db *gorm.DB, job Job) error {
	var review models.Review
	if err := db.First(&review, job.ReviewID).Error; err != nil {
		return fmt.Errorf("reviewupdater: load review %d: %w", job.ReviewID, err)
	}
	var update models.BranchUpdate
	if err := db.First(&update, job.BranchUpdateID).Error; err != nil {
		return fmt.Errorf("reviewupdater: load branch update %d: %w", job.BranchUpdateID, err)
	}
	if update.BranchID != review.BranchID {
		return fmt.Errorf("reviewupdater: branch update %d does not belong to review %d",
			job.BranchUpdateID, job.ReviewID)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Review{}).Where("id = ?", review.ID).
			Update("serial", gorm.Expr("serial + 1")).Error
		if err != nil {
			return fmt.Errorf("reviewupdater: bump serial of review %d: %w", review.ID, err)
		}
		consumed := models.ReviewUpdate{
			BranchUpdateID: update.ID,
			ReviewID:       review.ID,
		}
		if err := tx.Create(&consumed).Error; err != nil {
			return fmt.Errorf("reviewupdater: record review update: %w", err)
		}
		return nil
	})
}

// ReadJob decodes a job from a child's stdin stream.
func ReadJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("reviewupdater: decode job: %w", err)
	}
	return job, nil
}
