package tracker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/gitcmd"
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

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Alice", "GIT_AUTHOR_EMAIL=alice@example.com",
		"GIT_COMMITTER_NAME=Alice", "GIT_COMMITTER_EMAIL=alice@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// upstreamRepo creates a work-tree repository with one commit on master.
func upstreamRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "--initial-branch=master", ".")
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", "a")
	git(t, dir, "commit", "-m", "one")
	return dir, git(t, dir, "rev-parse", "HEAD")
}

func testTracker(t *testing.T, gdb *gorm.DB) *Tracker {
	t.Helper()
	cfg := &config.Config{
		DataDir:    t.TempDir(),
		SystemUser: "refinery",
	}
	cfg.Tracker.PollInterval = time.Minute
	return New(cfg, gdb)
}

func seedTracked(t *testing.T, gdb *gorm.DB, managed, upstream, local, remote string) *models.TrackedBranch {
	t.Helper()
	repo := models.Repository{Name: "test", Path: managed}
	if err := gdb.Create(&repo).Error; err != nil {
		t.Fatal(err)
	}
	tracked := models.TrackedBranch{
		RepositoryID: repo.ID,
		LocalName:    local,
		Remote:       upstream,
		RemoteName:   remote,
		Delay:        time.Hour,
	}
	if err := gdb.Create(&tracked).Error; err != nil {
		t.Fatal(err)
	}
	return &tracked
}

func TestPollMirrorsRemoteHead(t *testing.T) {
	gdb := testDB(t)
	upstream, head := upstreamRepo(t)
	managed := t.TempDir()
	git(t, managed, "init", "--bare", "--initial-branch=master", ".")
	tr := testTracker(t, gdb)
	tracked := seedTracked(t, gdb, managed, upstream, "master", "master")

	if _, err := tr.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	got, err := gitcmd.New(managed).RevParse(context.Background(), "refs/heads/master")
	if err != nil {
		t.Fatalf("mirrored ref missing: %v", err)
	}
	if got != head {
		t.Errorf("mirrored head = %s, want %s", got, head)
	}

	var reloaded models.TrackedBranch
	if err := gdb.First(&reloaded, tracked.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.Updating {
		t.Error("claim not released")
	}
	if reloaded.Next == nil || !reloaded.Next.After(time.Now()) {
		t.Errorf("next = %v, want future", reloaded.Next)
	}
	var entry models.TrackedBranchLog
	if err := gdb.Where("tracked_branch_id = ?", tracked.ID).First(&entry).Error; err != nil {
		t.Fatalf("log row missing: %v", err)
	}
	if !entry.Successful || entry.ToSHA1 != head {
		t.Errorf("log = %+v", entry)
	}
}

func TestPollUnchangedRemoteWritesNoLog(t *testing.T) {
	gdb := testDB(t)
	upstream, _ := upstreamRepo(t)
	managed := t.TempDir()
	git(t, managed, "init", "--bare", "--initial-branch=master", ".")
	tr := testTracker(t, gdb)
	tracked := seedTracked(t, gdb, managed, upstream, "master", "master")

	if _, err := tr.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Force the branch due again without remote movement.
	if err := gdb.Model(&models.TrackedBranch{}).Where("id = ?", tracked.ID).
		Update("next", nil).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	var count int64
	gdb.Model(&models.TrackedBranchLog{}).Where("tracked_branch_id = ?", tracked.ID).Count(&count)
	if count != 1 {
		t.Errorf("log rows = %d, want 1 (no row for unchanged remote)", count)
	}
}

func TestPollDisablesBrokenRemote(t *testing.T) {
	gdb := testDB(t)
	managed := t.TempDir()
	git(t, managed, "init", "--bare", "--initial-branch=master", ".")
	tr := testTracker(t, gdb)
	tracked := seedTracked(t, gdb, managed, "/nonexistent/upstream.git", "master", "master")

	if _, err := tr.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	var reloaded models.TrackedBranch
	if err := gdb.First(&reloaded, tracked.ID).Error; err != nil {
		t.Fatal(err)
	}
	if !reloaded.Disabled {
		t.Error("broken branch not disabled")
	}
	var entry models.TrackedBranchLog
	if err := gdb.Where("tracked_branch_id = ?", tracked.ID).First(&entry).Error; err != nil {
		t.Fatalf("failure log row missing: %v", err)
	}
	if entry.Successful {
		t.Error("failure logged as success")
	}
}

func TestPollSkipsDisabledAndClaimed(t *testing.T) {
	gdb := testDB(t)
	managed := t.TempDir()
	git(t, managed, "init", "--bare", "--initial-branch=master", ".")
	tr := testTracker(t, gdb)

	tracked := seedTracked(t, gdb, managed, "/nonexistent/upstream.git", "master", "master")
	if err := gdb.Model(&models.TrackedBranch{}).Where("id = ?", tracked.ID).
		Update("disabled", true).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	var count int64
	gdb.Model(&models.TrackedBranchLog{}).Count(&count)
	if count != 0 {
		t.Error("disabled branch was refreshed")
	}
}

func TestClaimNext(t *testing.T) {
	gdb := testDB(t)
	managed := t.TempDir()
	tr := testTracker(t, gdb)
	tracked := seedTracked(t, gdb, managed, "/upstream.git", "master", "master")

	claimed, err := tr.claimNext()
	if err != nil {
		t.Fatalf("claimNext: %v", err)
	}
	if claimed == nil || claimed.ID != tracked.ID {
		t.Fatalf("claimed = %+v, want branch %d", claimed, tracked.ID)
	}

	var reloaded models.TrackedBranch
	if err := gdb.First(&reloaded, tracked.ID).Error; err != nil {
		t.Fatal(err)
	}
	if !reloaded.Updating {
		t.Error("claim did not mark the branch updating")
	}
	if reloaded.Next == nil || !reloaded.Next.After(time.Now()) {
		t.Errorf("next = %v, want advanced past now", reloaded.Next)
	}

	// The claimed branch must not be handed out twice.
	again, err := tr.claimNext()
	if err != nil {
		t.Fatalf("claimNext: %v", err)
	}
	if again != nil {
		t.Errorf("claimed twice: %+v", again)
	}
}

func TestRelayedOutput(t *testing.T) {
	raw := "Enumerating objects: 3, done.\n" +
		"remote: created branch feature        \r\n" +
		"remote: \n" +
		"To /srv/git/test.git\n" +
		"remote: review opened        \n"
	got := RelayedOutput(raw)
	want := "created branch feature\nreview opened\n"
	if got != want {
		t.Errorf("RelayedOutput = %q, want %q", got, want)
	}
}
