// Package changeset computes and caches file-change sets between commit
// pairs on behalf of the front-end, through the shared worker pool.
package changeset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/models"
	"github.com/averdin/refinery/internal/workerpool"
)

// customRetention is how long ad hoc changesets are kept before the purge
// maintenance removes them.
const customRetention = 90 * 24 * time.Hour

// Request asks for the changeset between two commits. An empty parent
// diffs the child against the empty tree.
type Request struct {
	Repository string `json:"repository"`
	ParentSHA1 string `json:"parent_sha1,omitempty"`
	ChildSHA1  string `json:"child_sha1"`
	Type       string `json:"type,omitempty"`
}

// Result reports the computed or cached changeset.
type Result struct {
	ChangesetID uint `json:"changeset_id"`
	Files       int  `json:"files"`
}

// Service is the changeset service core.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log zerolog.Logger

	runnerFor func(path string) *gitcmd.Runner
}

// New creates the service bound to one database session.
func New(cfg *config.Config, db *gorm.DB) *Service {
	return &Service{
		cfg:       cfg,
		db:        db,
		log:       log.WithComponent("changeset"),
		runnerFor: gitcmd.New,
	}
}

// Pool builds the worker pool for this service. run is typically
// workerpool.SpawnChild("changeset"); tests pass s.RunJob directly.
func (s *Service) Pool(run workerpool.RunFunc) *workerpool.Pool {
	return workerpool.New("changeset", s.cfg.Changeset, s.log, s.Probe, run)
}

// Probe satisfies requests whose changeset is already in the database.
func (s *Service) Probe(ctx context.Context, raw json.RawMessage) (json.RawMessage, bool, error) {
	req, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	repo, err := s.repository(req.Repository)
	if err != nil {
		return nil, false, err
	}

	var cs models.Changeset
	err = s.db.Where("repository_id = ? AND parent_sha1 = ? AND child_sha1 = ?",
		repo.ID, req.ParentSHA1, req.ChildSHA1).First(&cs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("changeset: probe: %w", err)
	}
	var files int64
	s.db.Model(&models.ChangesetFile{}).Where("changeset_id = ?", cs.ID).Count(&files)
	result, err := json.Marshal(Result{ChangesetID: cs.ID, Files: int(files)})
	return result, err == nil, err
}

// RunJob computes one changeset. It is the child-process entry point.
func (s *Service) RunJob(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	req, err := decode(raw)
	if err != nil {
		return nil, err
	}
	repo, err := s.repository(req.Repository)
	if err != nil {
		return nil, err
	}

	runner := s.runnerFor(repo.Path)
	changes, err := runner.DiffTree(ctx, req.ParentSHA1, req.ChildSHA1)
	if err != nil {
		return nil, fmt.Errorf("changeset: diff %s..%s: %w", req.ParentSHA1, req.ChildSHA1, err)
	}

	csType := req.Type
	if csType == "" {
		csType = models.ChangesetTypeDirect
	}
	cs := models.Changeset{
		RepositoryID: repo.ID,
		ParentSHA1:   req.ParentSHA1,
		ChildSHA1:    req.ChildSHA1,
		Type:         csType,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&cs).Error; err != nil {
			return fmt.Errorf("changeset: insert changeset: %w", err)
		}
		for _, change := range changes {
			file := models.ChangesetFile{
				ChangesetID: cs.ID,
				Path:        change.Path,
				OldSHA1:     change.OldSHA1,
				NewSHA1:     change.NewSHA1,
				OldMode:     change.OldMode,
				NewMode:     change.NewMode,
				Status:      change.Status,
			}
			if err := tx.Create(&file).Error; err != nil {
				return fmt.Errorf("changeset: insert file %s: %w", change.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		// A concurrent job may have inserted the same key; serve its row.
		if cached, ok, probeErr := s.Probe(ctx, raw); probeErr == nil && ok {
			return cached, nil
		}
		return nil, err
	}
	return json.Marshal(Result{ChangesetID: cs.ID, Files: len(changes)})
}

// PurgeCustom is the scheduled maintenance task: ad hoc changesets expire
// after three months, direct ones are kept forever.
func (s *Service) PurgeCustom(ctx context.Context) error {
	cutoff := time.Now().Add(-customRetention)
	var stale []models.Changeset
	err := s.db.Where("type = ? AND created_at < ?", models.ChangesetTypeCustom, cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("changeset: list stale changesets: %w", err)
	}
	for _, cs := range stale {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("changeset_id = ?", cs.ID).Delete(&models.ChangesetFile{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Changeset{}, cs.ID).Error
		})
		if err != nil {
			return fmt.Errorf("changeset: purge changeset %d: %w", cs.ID, err)
		}
	}
	if len(stale) > 0 {
		s.log.Info().Int("purged", len(stale)).Msg("purged custom changesets")
	}
	return nil
}

func (s *Service) repository(name string) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.Where("name = ?", name).First(&repo).Error
	if err != nil {
		return nil, fmt.Errorf("changeset: look up repository %s: %w", name, err)
	}
	return &repo, nil
}

func decode(raw json.RawMessage) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("changeset: decode request: %w", err)
	}
	if req.Repository == "" || req.ChildSHA1 == "" {
		return nil, errors.New("changeset: repository and child_sha1 are required")
	}
	return &req, nil
}
