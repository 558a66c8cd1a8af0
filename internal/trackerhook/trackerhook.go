// Package trackerhook accepts "update these tracked branches now" requests
// from the front-end, reschedules the matching branches for immediate
// refresh, wakes the tracker, and optionally streams the outcome back to
// the caller.
package trackerhook

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/models"
	"github.com/averdin/refinery/internal/service"
)

// Request asks for an immediate refresh, addressed either by tracked
// branch id or by repository plus branch and tag names. Tag mirroring is
// one tracked row with local name "*", so any requested tag selects it.
// A timeout requests streaming the outcome, which needs exactly one
// matching branch.
type Request struct {
	TrackedBranchID uint     `json:"trackedbranch_id,omitempty"`
	Repository      string   `json:"repository,omitempty"`
	Branches        []string `json:"branches,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	TimeoutSeconds  int      `json:"timeout,omitempty"`
}

// Reply is one line streamed back. Exactly one terminal line carries Done.
type Reply struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Done   bool   `json:"done,omitempty"`
	OK     bool   `json:"ok,omitempty"`
}

// Server handles tracker hook connections.
type Server struct {
	cfg *config.Config
	db  *gorm.DB
	log zerolog.Logger

	wakeTracker  func()
	pollInterval time.Duration
}

// New creates a server bound to one database session.
func New(cfg *config.Config, db *gorm.DB) *Server {
	return &Server{
		cfg: cfg,
		db:  db,
		log: log.WithComponent("trackerhook"),
		wakeTracker: func() {
			service.WakeByPidfile(cfg.PidfilePath("tracker"))
		},
		pollInterval: 200 * time.Millisecond,
	}
}

// HandleConn serves one request.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	var req Request
	if err := service.ReadJSONLine(bufio.NewReader(conn), &req); err != nil {
		s.log.Warn().Err(err).Msg("malformed request")
		return
	}

	rows, err := s.resolve(&req)
	if err != nil {
		service.WriteJSONLine(conn, Reply{Error: err.Error(), Done: true})
		return
	}

	// The log tail offset must be taken before the reschedule; entries
	// appended after it are this refresh's outcome.
	var lastLogID uint
	if req.TimeoutSeconds > 0 && len(rows) == 1 {
		lastLogID, err = s.latestLogID(rows[0].ID)
		if err != nil {
			service.WriteJSONLine(conn, Reply{Error: err.Error(), Done: true})
			return
		}
	}

	ids := make([]uint, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	err = s.db.Model(&models.TrackedBranch{}).
		Where("id IN ?", ids).Update("next", nil).Error
	if err != nil {
		service.WriteJSONLine(conn, Reply{Error: "rescheduling failed", Done: true})
		s.log.Error().Err(err).Msg("reschedule")
		return
	}
	s.wakeTracker()

	if req.TimeoutSeconds > 0 && len(rows) == 1 {
		s.streamOutcome(ctx, conn, &rows[0], lastLogID, req.TimeoutSeconds)
		return
	}
	service.WriteJSONLine(conn, Reply{Done: true, OK: true})
}

// resolve finds the enabled tracked branches the request addresses.
func (s *Server) resolve(req *Request) ([]models.TrackedBranch, error) {
	if req.TrackedBranchID != 0 {
		var tracked models.TrackedBranch
		err := s.db.First(&tracked, req.TrackedBranchID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("no such tracked branch")
		}
		if err != nil {
			return nil, fmt.Errorf("trackerhook: resolve tracked branch: %w", err)
		}
		if tracked.Disabled {
			return nil, errors.New("tracking of this branch is disabled")
		}
		return []models.TrackedBranch{tracked}, nil
	}

	if req.Repository == "" {
		return nil, errors.New("trackedbranch_id or repository required")
	}
	query := s.db.
		Joins("JOIN repositories ON repositories.id = tracked_branches.repository_id").
		Where("repositories.name = ? AND tracked_branches.disabled = ?", req.Repository, false)
	switch {
	case len(req.Branches) > 0 && len(req.Tags) > 0:
		query = query.Where("tracked_branches.local_name IN ? OR tracked_branches.local_name = ?",
			req.Branches, "*")
	case len(req.Branches) > 0:
		query = query.Where("tracked_branches.local_name IN ?", req.Branches)
	case len(req.Tags) > 0:
		query = query.Where("tracked_branches.local_name = ?", "*")
	}

	var rows []models.TrackedBranch
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("trackerhook: resolve tracked branches: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("no matching tracked branches")
	}
	return rows, nil
}

func (s *Server) latestLogID(trackedID uint) (uint, error) {
	var entry models.TrackedBranchLog
	err := s.db.Where("tracked_branch_id = ?", trackedID).
		Order("id DESC").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("trackerhook: read log tail: %w", err)
	}
	return entry.ID, nil
}

// streamOutcome waits for the tracker to produce a new log entry for the
// branch and relays it. An unchanged remote writes no entry, so the wait
// also ends quietly once the branch has been refreshed and rescheduled.
func (s *Server) streamOutcome(ctx context.Context, conn net.Conn, tracked *models.TrackedBranch, afterLogID uint, timeoutSeconds int) {
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	for {
		var entry models.TrackedBranchLog
		err := s.db.Where("tracked_branch_id = ? AND id > ?", tracked.ID, afterLogID).
			Order("id ASC").First(&entry).Error
		if err == nil {
			if entry.HookOutput != "" {
				service.WriteJSONLine(conn, Reply{Output: entry.HookOutput})
			}
			service.WriteJSONLine(conn, Reply{Done: true, OK: entry.Successful})
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error().Err(err).Uint("tracked", tracked.ID).Msg("poll log")
			service.WriteJSONLine(conn, Reply{Error: "reading the update log failed", Done: true})
			return
		}

		refreshed, err := s.refreshedQuietly(tracked)
		if err == nil && refreshed {
			service.WriteJSONLine(conn, Reply{Done: true, OK: true})
			return
		}

		if time.Now().After(deadline) {
			service.WriteJSONLine(conn, Reply{
				Output: "the update is still running; check back later\n",
				Done:   true, OK: true,
			})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
	}
}

// refreshedQuietly reports whether the tracker has run since the request
// without recording a log entry, which means the remote was unchanged.
func (s *Server) refreshedQuietly(tracked *models.TrackedBranch) (bool, error) {
	var current models.TrackedBranch
	if err := s.db.First(&current, tracked.ID).Error; err != nil {
		return false, err
	}
	if current.Disabled {
		return false, nil
	}
	return !current.Updating && current.Next != nil, nil
}
