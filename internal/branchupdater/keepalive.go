package branchupdater

import (
	"context"
	"fmt"
	"strings"

	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/models"
)

// CompactKeepalive removes refs/keepalive/ entries whose commits are
// reachable from a branch or tag again, across every repository. It is a
// maintenance task: failures in one repository are logged and the rest
// still run.
func (u *Updater) CompactKeepalive(ctx context.Context) error {
	var repos []models.Repository
	if err := u.db.Find(&repos).Error; err != nil {
		return fmt.Errorf("branchupdater: list repositories: %w", err)
	}
	for i := range repos {
		if err := u.compactRepository(ctx, &repos[i]); err != nil {
			u.log.Warn().Err(err).Str("repository", repos[i].Name).
				Msg("keepalive compaction failed")
		}
	}
	return nil
}

func (u *Updater) compactRepository(ctx context.Context, repo *models.Repository) error {
	runner := u.runnerFor(repo.Path)
	refs, err := runner.ForEachRef(ctx, "refs/keepalive/")
	if err != nil {
		return err
	}
	removed := 0
	for name, sha1 := range refs {
		reachable, err := u.reachableElsewhere(ctx, repo, name, sha1)
		if err != nil {
			return err
		}
		if !reachable {
			continue
		}
		if err := runner.UpdateRef(ctx, name, gitcmd.ZeroSHA1, sha1); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		u.log.Info().Str("repository", repo.Name).Int("removed", removed).
			Msg("compacted keepalive refs")
	}
	return nil
}

// reachableElsewhere reports whether sha1 is reachable from any ref other
// than the keepalive ref itself.
func (u *Updater) reachableElsewhere(ctx context.Context, repo *models.Repository, refName, sha1 string) (bool, error) {
	runner := u.runnerFor(repo.Path)
	lines, err := runner.Lines(ctx, "rev-list", "-1", sha1,
		"--not", "--branches", "--tags")
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return false, nil
		}
	}
	return true, nil
}
