package db

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/models"
)

// testDB creates an in-memory SQLite database with all Refinery tables.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestDSN(t *testing.T) {
	got := DSN(config.DatabaseConfig{Host: "db.local", Port: 3307, User: "refinery", Database: "critic"})
	want := "refinery@tcp(db.local:3307)/critic?parseTime=true"
	if got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}

func TestAutoMigrate_RoundTrip(t *testing.T) {
	db := testDB(t)

	repo := models.Repository{Name: "critic", Path: "/srv/git/critic.git"}
	if err := db.Create(&repo).Error; err != nil {
		t.Fatalf("create repository: %v", err)
	}

	pending := models.PendingRefUpdate{
		RepositoryID: repo.ID,
		RefName:      "refs/heads/master",
		OldSHA1:      zeros(),
		NewSHA1:      "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		State:        models.PendingStatePreliminary,
		StartedAt:    time.Now(),
	}
	if err := db.Create(&pending).Error; err != nil {
		t.Fatalf("create pending ref update: %v", err)
	}

	var loaded models.PendingRefUpdate
	if err := db.First(&loaded, pending.ID).Error; err != nil {
		t.Fatalf("load pending ref update: %v", err)
	}
	if loaded.State != models.PendingStatePreliminary {
		t.Errorf("State = %q", loaded.State)
	}
	if loaded.Terminal() {
		t.Error("preliminary row reported terminal")
	}
	loaded.State = models.PendingStateFinished
	if !loaded.Terminal() {
		t.Error("finished row not reported terminal")
	}
}

func TestRetryLocked_PermanentError(t *testing.T) {
	boom := fmt.Errorf("db: boom")
	calls := 0
	err := RetryLocked(func() error {
		calls++
		return boom
	}, time.Second)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors must not retry)", calls)
	}
}

func TestRetryLocked_RetriesLockFailure(t *testing.T) {
	calls := 0
	err := RetryLocked(func() error {
		calls++
		if calls < 3 {
			return ErrFailedToLock
		}
		return nil
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("RetryLocked: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func zeros() string {
	return "0000000000000000000000000000000000000000"
}
