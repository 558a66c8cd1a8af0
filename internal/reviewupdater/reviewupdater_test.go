package reviewupdater

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

type seeded struct {
	review  *models.Review
	update  *models.BranchUpdate
	pending *models.PendingRefUpdate
}

func seed(t *testing.T, gdb *gorm.DB) seeded {
	t.Helper()
	repo := models.Repository{Name: "test", Path: "/nonexistent"}
	if err := gdb.Create(&repo).Error; err != nil {
		t.Fatal(err)
	}
	commit := models.Commit{SHA1: "0123456789012345678901234567890123456789",
		AuthorTime: time.Now(), CommitTime: time.Now()}
	if err := gdb.Create(&commit).Error; err != nil {
		t.Fatal(err)
	}
	branch := models.Branch{RepositoryID: repo.ID, Name: "r/alice/fix",
		HeadID: commit.ID, Type: models.BranchTypeReview}
	if err := gdb.Create(&branch).Error; err != nil {
		t.Fatal(err)
	}
	review := models.Review{BranchID: branch.ID, State: models.ReviewStateOpen}
	if err := gdb.Create(&review).Error; err != nil {
		t.Fatal(err)
	}
	pending := models.PendingRefUpdate{
		RepositoryID: repo.ID,
		RefName:      "refs/heads/r/alice/fix",
		OldSHA1:      "0000000000000000000000000000000000000000",
		NewSHA1:      commit.SHA1,
		State:        models.PendingStateProcessed,
		StartedAt:    time.Now(),
	}
	if err := gdb.Create(&pending).Error; err != nil {
		t.Fatal(err)
	}
	update := models.BranchUpdate{
		BranchID:           branch.ID,
		ToHeadID:           commit.ID,
		PendingRefUpdateID: &pending.ID,
	}
	if err := gdb.Create(&update).Error; err != nil {
		t.Fatal(err)
	}
	return seeded{review: &review, update: &update, pending: &pending}
}

func testUpdater(t *testing.T, gdb *gorm.DB) *Updater {
	t.Helper()
	cfg := &config.Config{ReviewBranchPrefix: "r/"}
	u := New(cfg, gdb)
	u.runJob = func(ctx context.Context, job Job) error {
		return RunJob(gdb, job)
	}
	return u
}

func TestPollConsumesBranchUpdate(t *testing.T) {
	gdb := testDB(t)
	s := seed(t, gdb)
	u := testUpdater(t, gdb)

	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	var consumed models.ReviewUpdate
	err := gdb.Where("branch_update_id = ?", s.update.ID).First(&consumed).Error
	if err != nil {
		t.Fatalf("review update not recorded: %v", err)
	}
	if consumed.ReviewID != s.review.ID {
		t.Errorf("review id = %d, want %d", consumed.ReviewID, s.review.ID)
	}

	var review models.Review
	if err := gdb.First(&review, s.review.ID).Error; err != nil {
		t.Fatal(err)
	}
	if review.Serial != s.review.Serial+1 {
		t.Errorf("serial = %d, want %d", review.Serial, s.review.Serial+1)
	}

	var pending models.PendingRefUpdate
	if err := gdb.First(&pending, s.pending.ID).Error; err != nil {
		t.Fatal(err)
	}
	if pending.State != models.PendingStateFinished {
		t.Errorf("pending state = %q, want finished", pending.State)
	}
}

func TestPollIgnoresConsumedUpdates(t *testing.T) {
	gdb := testDB(t)
	s := seed(t, gdb)
	u := testUpdater(t, gdb)

	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A second sweep must not bump the serial again.
	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	var review models.Review
	if err := gdb.First(&review, s.review.ID).Error; err != nil {
		t.Fatal(err)
	}
	if review.Serial != 1 {
		t.Errorf("serial = %d after re-poll, want 1", review.Serial)
	}
}

func TestPollFailedJobMarksPendingFailed(t *testing.T) {
	gdb := testDB(t)
	s := seed(t, gdb)
	u := testUpdater(t, gdb)
	u.runJob = func(ctx context.Context, job Job) error {
		return errors.New("boom")
	}

	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	var pending models.PendingRefUpdate
	if err := gdb.First(&pending, s.pending.ID).Error; err != nil {
		t.Fatal(err)
	}
	if pending.State != models.PendingStateFailed {
		t.Errorf("pending state = %q, want failed", pending.State)
	}
	var outputs []models.PendingRefUpdateOutput
	if err := gdb.Where("pending_ref_update_id = ?", s.pending.ID).Find(&outputs).Error; err != nil {
		t.Fatal(err)
	}
	if len(outputs) == 0 {
		t.Error("no failure output queued for the pusher")
	}
}

func TestRunJobRejectsMismatchedBranch(t *testing.T) {
	gdb := testDB(t)
	s := seed(t, gdb)

	other := models.Branch{RepositoryID: 1, Name: "other", HeadID: 1}
	if err := gdb.Create(&other).Error; err != nil {
		t.Fatal(err)
	}
	update := models.BranchUpdate{BranchID: other.ID, ToHeadID: 1}
	if err := gdb.Create(&update).Error; err != nil {
		t.Fatal(err)
	}

	err := RunJob(gdb, Job{ReviewID: s.review.ID, BranchUpdateID: update.ID})
	if err == nil {
		t.Fatal("mismatched branch accepted")
	}
}
