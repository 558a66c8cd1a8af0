package hookserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/models"
)

// postReceive attaches the pushing client to the pending rows its push
// created and streams processing output until every row is terminal, the
// client's timeout expires, or the client goes away. The push itself
// succeeded before this hook runs; rejections here only affect what the
// pusher sees.
func (s *Server) postReceive(ctx context.Context, conn net.Conn, req *Request) {
	repo, err := s.resolveRepository(req.RepositoryName)
	if err != nil || repo == nil {
		s.reply(conn, Reply{Accept: true})
		return
	}
	user, err := s.resolveUser(req)
	if err != nil {
		s.reply(conn, Reply{Accept: true})
		return
	}

	rows, err := s.matchPending(repo, user, req.Refs)
	if err != nil {
		s.log.Error().Err(err).Msg("match pending rows")
		s.reply(conn, Reply{Accept: true})
		return
	}
	if len(rows) == 0 {
		s.reply(conn, Reply{Accept: true})
		return
	}

	timeout := s.cfg.HookServer.PostReceiveTimeout
	if user != nil && user.PostReceiveTimeout > 0 {
		timeout = time.Duration(user.PostReceiveTimeout) * time.Second
	}

	finished := s.waitForPending(ctx, conn, rows, timeout)
	if !finished {
		s.markAbandoned(rows)
		s.reply(conn, Reply{
			Output: "timeout while waiting for the update to be processed; it will continue in the background\n",
			Accept: true,
		})
		return
	}
	s.finishPending(ctx, conn, repo, rows)
}

// matchPending finds the rows recorded by this push's pre-receive.
func (s *Server) matchPending(repo *models.Repository, user *models.User, refs []RefUpdate) ([]models.PendingRefUpdate, error) {
	var rows []models.PendingRefUpdate
	for _, ref := range refs {
		q := s.db.Where("repository_id = ? AND ref_name = ? AND old_sha1 = ? AND new_sha1 = ?",
			repo.ID, ref.RefName, ref.OldSHA1, ref.NewSHA1)
		if user != nil {
			q = q.Where("updater_id = ?", user.ID)
		} else {
			q = q.Where("updater_id IS NULL")
		}
		var row models.PendingRefUpdate
		err := q.Order("id DESC").First(&row).Error
		if err == nil {
			rows = append(rows, row)
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("hookserver: match pending row for %s: %w", ref.RefName, err)
		}
	}
	return rows, nil
}

// waitForPending streams output rows as they appear and returns true once
// every row is terminal or deleted, false on timeout or disconnect.
func (s *Server) waitForPending(ctx context.Context, conn net.Conn, rows []models.PendingRefUpdate, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	lastOutput := make(map[uint]uint, len(rows)) // pending id -> last output id
	lastActivity := time.Now()
	waitingNotified := false

	for {
		progressed := false
		for _, row := range rows {
			var outputs []models.PendingRefUpdateOutput
			err := s.db.Where("pending_ref_update_id = ? AND id > ?", row.ID, lastOutput[row.ID]).
				Order("id ASC").Find(&outputs).Error
			if err != nil {
				s.log.Error().Err(err).Uint("pending", row.ID).Msg("read output tail")
				continue
			}
			for _, out := range outputs {
				s.reply(conn, Reply{Output: out.Output})
				lastOutput[row.ID] = out.ID
				progressed = true
			}
		}
		if progressed {
			lastActivity = time.Now()
			waitingNotified = false
		}

		done, err := s.allTerminal(rows)
		if err != nil {
			s.log.Error().Err(err).Msg("poll pending states")
		} else if done {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}
		if !waitingNotified && time.Since(lastActivity) >= time.Second {
			s.reply(conn, Reply{Output: "refinery is waiting for the update to be processed...\n"})
			waitingNotified = true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.outputPollInterval):
		}
	}
}

// allTerminal reports whether every matched row is finished, failed or
// gone. Deleted rows count as done: the branch updater removes rows it
// discards before processing.
func (s *Server) allTerminal(rows []models.PendingRefUpdate) (bool, error) {
	for _, row := range rows {
		var current models.PendingRefUpdate
		err := s.db.First(&current, row.ID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return false, fmt.Errorf("hookserver: reload pending row %d: %w", row.ID, err)
		}
		if !current.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// markAbandoned flags timed-out rows so later processing knows nobody is
// watching. Abandoned rows are kept after processing for inspection.
func (s *Server) markAbandoned(rows []models.PendingRefUpdate) {
	for _, row := range rows {
		err := s.db.Model(&models.PendingRefUpdate{}).
			Where("id = ?", row.ID).Update("abandoned", true).Error
		if err != nil {
			s.log.Error().Err(err).Uint("pending", row.ID).Msg("mark abandoned")
		}
	}
}

// finishPending reverts failed ref updates and deletes rows that were
// fully reported to the pusher.
func (s *Server) finishPending(ctx context.Context, conn net.Conn, repo *models.Repository, rows []models.PendingRefUpdate) {
	runner := s.runnerFor(repo.Path)
	accepted := true
	for _, row := range rows {
		var current models.PendingRefUpdate
		if err := s.db.First(&current, row.ID).Error; err != nil {
			continue
		}
		if current.State == models.PendingStateFailed {
			accepted = false
			s.revertRef(ctx, runner, &current)
			s.reply(conn, Reply{Output: fmt.Sprintf("the update of %s failed and was reverted\n", current.RefName)})
		}
		if !current.Abandoned {
			if err := s.db.Delete(&models.PendingRefUpdate{}, current.ID).Error; err != nil {
				s.log.Error().Err(err).Uint("pending", current.ID).Msg("delete pending row")
			}
		}
	}
	s.reply(conn, Reply{Accept: accepted, Reject: !accepted})
}

// revertRef restores the ref to its pre-push value. The pushed tip is
// pinned under refs/keepalive/ first so the objects stay reachable and
// the pusher can recover their work.
func (s *Server) revertRef(ctx context.Context, runner *gitcmd.Runner, row *models.PendingRefUpdate) {
	if row.NewSHA1 != gitcmd.ZeroSHA1 {
		if err := runner.UpdateRef(ctx, "refs/keepalive/"+row.NewSHA1, row.NewSHA1, ""); err != nil {
			s.log.Error().Err(err).Str("ref", row.RefName).Msg("pin keepalive ref")
		}
	}
	if err := runner.UpdateRef(ctx, row.RefName, row.OldSHA1, row.NewSHA1); err != nil {
		s.log.Error().Err(err).Str("ref", row.RefName).Msg("revert ref")
	}
}
