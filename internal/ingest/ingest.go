// Package ingest records pushed commits, their DAG edges and their git
// identities in the database. The hook server calls it before
// acknowledging a push; the branch updater calls it again when processing,
// which must be a no-op for already-known commits.
package ingest

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/models"
)

// Session caches commit and git-user ids for one database session, keyed
// by numeric id with derived string keys, so repeated ingestion of the
// same push touches each row once.
type Session struct {
	db       *gorm.DB
	commits  map[string]uint // "s:<sha1>" -> commit id
	gitusers map[string]uint // "e:<email>\x00n:<name>" -> gituser id
}

// NewSession creates an ingest session bound to one database connection.
func NewSession(db *gorm.DB) *Session {
	return &Session{
		db:       db,
		commits:  make(map[string]uint),
		gitusers: make(map[string]uint),
	}
}

// EnsureCommits ingests every commit reachable from newSHA1 that is not
// reachable from an existing ref, plus newSHA1 itself, and returns the
// commit id of newSHA1.
func (s *Session) EnsureCommits(ctx context.Context, r *gitcmd.Runner, newSHA1 string) (uint, error) {
	infos, err := r.LogCommits(ctx, newSHA1)
	if err != nil {
		return 0, fmt.Errorf("ingest: list new commits from %s: %w", newSHA1, err)
	}
	for i := range infos {
		if _, err := s.ensureCommit(&infos[i]); err != nil {
			return 0, err
		}
	}
	// The head itself may predate the push (branch created at an existing
	// commit); make sure it has a row regardless.
	return s.EnsureHead(ctx, r, newSHA1)
}

// EnsureHead guarantees a commits row for one SHA-1 and returns its id.
func (s *Session) EnsureHead(ctx context.Context, r *gitcmd.Runner, sha1 string) (uint, error) {
	if id, ok := s.commits["s:"+sha1]; ok {
		return id, nil
	}
	var existing models.Commit
	err := s.db.Where("sha1 = ?", sha1).First(&existing).Error
	if err == nil {
		s.commits["s:"+sha1] = existing.ID
		return existing.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return 0, fmt.Errorf("ingest: look up commit %s: %w", sha1, err)
	}
	info, err := r.CommitInfoFor(ctx, sha1)
	if err != nil {
		return 0, fmt.Errorf("ingest: read commit %s: %w", sha1, err)
	}
	return s.ensureCommit(info)
}

// ensureCommit inserts one commit row, its identities and its parent
// edges. Parents must already be ingested or present in the database.
func (s *Session) ensureCommit(info *gitcmd.CommitInfo) (uint, error) {
	if id, ok := s.commits["s:"+info.SHA1]; ok {
		return id, nil
	}

	authorID, err := s.ensureGitUser(info.AuthorName, info.AuthorEmail)
	if err != nil {
		return 0, err
	}
	committerID, err := s.ensureGitUser(info.CommitterName, info.CommitterEmail)
	if err != nil {
		return 0, err
	}

	commit := models.Commit{
		SHA1:            info.SHA1,
		AuthorGitUserID: authorID,
		CommitGitUserID: committerID,
		AuthorTime:      info.AuthorTime,
		CommitTime:      info.CommitTime,
	}
	err = s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&commit).Error
	if err != nil {
		return 0, fmt.Errorf("ingest: insert commit %s: %w", info.SHA1, err)
	}
	if commit.ID == 0 {
		// Conflict path: the row already existed.
		if err := s.db.Where("sha1 = ?", info.SHA1).First(&commit).Error; err != nil {
			return 0, fmt.Errorf("ingest: reload commit %s: %w", info.SHA1, err)
		}
	}
	s.commits["s:"+info.SHA1] = commit.ID

	for _, parent := range info.Parents {
		parentID, ok := s.commits["s:"+parent]
		if !ok {
			var parentCommit models.Commit
			if err := s.db.Where("sha1 = ?", parent).First(&parentCommit).Error; err != nil {
				return 0, fmt.Errorf("ingest: parent %s of %s not ingested: %w", parent, info.SHA1, err)
			}
			parentID = parentCommit.ID
			s.commits["s:"+parent] = parentID
		}
		edge := models.CommitEdge{ParentID: parentID, ChildID: commit.ID}
		if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error; err != nil {
			return 0, fmt.Errorf("ingest: insert edge %s -> %s: %w", parent, info.SHA1, err)
		}
	}
	return commit.ID, nil
}

// ensureGitUser finds or creates the (name, email) identity.
func (s *Session) ensureGitUser(name, email string) (uint, error) {
	key := "e:" + email + "\x00n:" + name
	if id, ok := s.gitusers[key]; ok {
		return id, nil
	}
	var user models.GitUser
	err := s.db.Where("fullname = ? AND email = ?", name, email).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		user = models.GitUser{Fullname: name, Email: email}
		err = s.db.Create(&user).Error
	}
	if err != nil {
		return 0, fmt.Errorf("ingest: git user %s <%s>: %w", name, email, err)
	}
	s.gitusers[key] = user.ID
	return user.ID, nil
}
