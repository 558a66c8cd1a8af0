package ingest

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

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

// scratchRepo builds a repo with two commits on an unborn ref namespace so
// rev-list --not --all sees them as new.
func scratchRepo(t *testing.T) (*gitcmd.Runner, []string) {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) string {
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
	run("init", "--initial-branch=master", ".")
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a")
	run("commit", "-m", "one")
	first := run("rev-parse", "HEAD")
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a")
	run("commit", "-m", "two")
	second := run("rev-parse", "HEAD")
	// Drop the branch so both commits count as new to the repository.
	run("update-ref", "-d", "refs/heads/master")
	return gitcmd.New(dir), []string{first, second}
}

func TestEnsureCommits(t *testing.T) {
	gdb := testDB(t)
	runner, shas := scratchRepo(t)
	session := NewSession(gdb)

	headID, err := session.EnsureCommits(context.Background(), runner, shas[1])
	if err != nil {
		t.Fatalf("EnsureCommits: %v", err)
	}
	if headID == 0 {
		t.Fatal("headID = 0")
	}

	var commits []models.Commit
	if err := gdb.Find(&commits).Error; err != nil {
		t.Fatal(err)
	}
	if len(commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(commits))
	}

	var edges []models.CommitEdge
	if err := gdb.Find(&edges).Error; err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}

	var users []models.GitUser
	if err := gdb.Find(&users).Error; err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 {
		t.Fatalf("git users = %d, want 1 (identity reused)", len(users))
	}
	if users[0].Fullname != "Alice" || users[0].Email != "alice@example.com" {
		t.Errorf("git user = %+v", users[0])
	}
}

func TestEnsureCommits_Idempotent(t *testing.T) {
	gdb := testDB(t)
	runner, shas := scratchRepo(t)

	if _, err := NewSession(gdb).EnsureCommits(context.Background(), runner, shas[1]); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	// A fresh session re-ingesting the same push must not duplicate rows.
	headID, err := NewSession(gdb).EnsureCommits(context.Background(), runner, shas[1])
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	var count int64
	gdb.Model(&models.Commit{}).Count(&count)
	if count != 2 {
		t.Errorf("commits = %d after re-ingest, want 2", count)
	}
	var head models.Commit
	if err := gdb.First(&head, headID).Error; err != nil {
		t.Fatalf("load head: %v", err)
	}
	if head.SHA1 != shas[1] {
		t.Errorf("head = %q, want %q", head.SHA1, shas[1])
	}
}
