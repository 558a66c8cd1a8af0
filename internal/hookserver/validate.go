package hookserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/models"
)

// rejection is a validation failure streamed back to the pusher. It causes
// no database side effects.
type rejection struct {
	message string
}

func (r *rejection) Error() string { return r.message }

func rejectf(format string, args ...interface{}) error {
	return &rejection{message: fmt.Sprintf(format, args...)}
}

// refPlan is the outcome of validating one ref update.
type refPlan struct {
	update RefUpdate
	// resurrect marks an archived-branch resurrection push. The branch
	// head is unchanged, so the pre-receive path un-archives the branch
	// inline and records no pending row for it.
	resurrect bool
}

// validatePush runs the whole pre-receive pipeline and returns one plan
// per ref. Any returned error of type *rejection is user-facing.
func (s *Server) validatePush(ctx context.Context, repo *models.Repository, user *models.User, req *Request, runner *gitcmd.Runner) ([]refPlan, error) {
	flags := parseFlags(req.Environ)

	plans := make([]refPlan, 0, len(req.Refs))
	for _, ref := range req.Refs {
		if err := validateRefName(ref); err != nil {
			return nil, err
		}
		if err := s.checkOverlap(repo, ref); err != nil {
			return nil, err
		}
		if ref.OldSHA1 == gitcmd.ZeroSHA1 {
			if err := s.checkConflicts(ctx, repo, ref, runner); err != nil {
				return nil, err
			}
		}
		if ref.NewSHA1 != gitcmd.ZeroSHA1 {
			if err := s.checkRootCommits(ctx, req, ref, runner); err != nil {
				return nil, err
			}
		}
		plan, err := s.checkBranchSemantics(repo, user, ref, flags)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// validateRefName enforces length, namespace, and SHA-1-suffix rules.
func validateRefName(ref RefUpdate) error {
	name := ref.RefName
	if len(name) > maxRefNameLength {
		return rejectf("invalid ref name: %q is longer than %d characters", name, maxRefNameLength)
	}
	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return rejectf("invalid ref name: %q is not under an allowed namespace", name)
	}
	for _, prefix := range shaSuffixPrefixes {
		if strings.HasPrefix(name, prefix) {
			if name != prefix+ref.NewSHA1 {
				return rejectf("invalid ref name: %q must name the pushed commit %s", name, ref.NewSHA1)
			}
		}
	}
	if strings.HasPrefix(name, "refs/roots/") && name != "refs/roots/"+ref.NewSHA1 {
		return rejectf("invalid ref name: %q must name the pushed commit %s", name, ref.NewSHA1)
	}
	return nil
}

// checkOverlap rejects a push while another update of the same ref is
// still in flight. This is the invariant that serialises ref updates.
func (s *Server) checkOverlap(repo *models.Repository, ref RefUpdate) error {
	var count int64
	err := s.db.Model(&models.PendingRefUpdate{}).
		Where("repository_id = ? AND ref_name = ? AND state IN ?",
			repo.ID, ref.RefName,
			[]string{models.PendingStatePreliminary, models.PendingStateProcessed}).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("hookserver: overlap check: %w", err)
	}
	if count > 0 {
		return rejectf("the ref %q is currently being updated; please try again shortly", ref.RefName)
	}
	return nil
}

// checkConflicts rejects a creation whose name is a directory prefix of an
// existing ref or vice versa. Both git refs and database branches are
// consulted, which covers archived branches that have no git ref.
func (s *Server) checkConflicts(ctx context.Context, repo *models.Repository, ref RefUpdate, runner *gitcmd.Runner) error {
	existing, err := runner.ForEachRef(ctx)
	if err != nil {
		return fmt.Errorf("hookserver: list refs: %w", err)
	}
	for name := range existing {
		if conflicting(ref.RefName, name) {
			return rejectf("conflicts with existing ref: %s", name)
		}
	}
	if branchName := headsName(ref.RefName); branchName != "" {
		var branches []models.Branch
		err := s.db.Where("repository_id = ?", repo.ID).Find(&branches).Error
		if err != nil {
			return fmt.Errorf("hookserver: list branches: %w", err)
		}
		for _, branch := range branches {
			if branch.Name != branchName && conflicting(branchName, branch.Name) {
				return rejectf("conflicts with existing ref: refs/heads/%s", branch.Name)
			}
		}
	}
	return nil
}

// conflicting reports whether one name is a path prefix of the other.
func conflicting(a, b string) bool {
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// checkRootCommits enforces the root-commit policy: a push adding a new
// root commit is accepted only if the repository is empty or the push is a
// single ref refs/roots/<that root's SHA-1>.
func (s *Server) checkRootCommits(ctx context.Context, req *Request, ref RefUpdate, runner *gitcmd.Runner) error {
	roots, err := runner.RootCommits(ctx, ref.NewSHA1)
	if err != nil {
		return fmt.Errorf("hookserver: list root commits: %w", err)
	}
	if len(roots) == 0 {
		return nil
	}
	empty, err := runner.IsEmpty(ctx)
	if err != nil {
		return fmt.Errorf("hookserver: check empty repository: %w", err)
	}
	if empty {
		return nil
	}
	if len(req.Refs) == 1 && len(roots) == 1 && ref.RefName == "refs/roots/"+roots[0] {
		return nil
	}
	return rejectf("push adds new root commit %s; only pushes of refs/roots/<sha1> may do that", roots[0])
}

// checkBranchSemantics dispatches heads refs to creation, deletion and
// update rules.
func (s *Server) checkBranchSemantics(repo *models.Repository, user *models.User, ref RefUpdate, flags Flags) (refPlan, error) {
	plan := refPlan{update: ref}
	branchName := headsName(ref.RefName)
	if branchName == "" {
		return plan, nil
	}

	var branch *models.Branch
	var found models.Branch
	err := s.db.Where("repository_id = ? AND name = ?", repo.ID, branchName).First(&found).Error
	switch {
	case err == nil:
		branch = &found
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return plan, fmt.Errorf("hookserver: look up branch %s: %w", branchName, err)
	}

	tracked, err := s.trackedBranch(repo, branchName)
	if err != nil {
		return plan, err
	}
	trackedBypass := tracked != nil && flags.TrackedBranchID == tracked.ID

	switch {
	case ref.OldSHA1 == gitcmd.ZeroSHA1: // creation
		if branch != nil && branch.Archived {
			var head models.Commit
			if err := s.db.First(&head, branch.HeadID).Error; err == nil && head.SHA1 == ref.NewSHA1 {
				plan.resurrect = true
				return plan, nil
			}
			return plan, rejectf("the branch %q is archived; it can only be resurrected at its recorded head", branchName)
		}
		if s.isReviewBranchName(branchName) && (user == nil || !user.ReviewBranchOptIn) {
			return plan, rejectf("creating the review branch %q requires opting in to review branches", branchName)
		}

	case ref.NewSHA1 == gitcmd.ZeroSHA1: // deletion
		if tracked != nil && !trackedBypass {
			return plan, rejectf("rejecting deletion of tracking branch %q", branchName)
		}
		if branch != nil && branch.Type == models.BranchTypeReview {
			return plan, rejectf("rejecting deletion of review branch %q", branchName)
		}

	default: // update
		if tracked != nil && !trackedBypass {
			return plan, rejectf("rejecting manual update of tracking branch %q", branchName)
		}
	}
	return plan, nil
}

// trackedBranch loads the enabled mirror rule for a branch, if any.
func (s *Server) trackedBranch(repo *models.Repository, branchName string) (*models.TrackedBranch, error) {
	var tracked models.TrackedBranch
	err := s.db.Where("repository_id = ? AND local_name = ? AND disabled = ?",
		repo.ID, branchName, false).First(&tracked).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hookserver: look up tracked branch %s: %w", branchName, err)
	}
	return &tracked, nil
}

func (s *Server) isReviewBranchName(branchName string) bool {
	return strings.HasPrefix(branchName, s.cfg.ReviewBranchPrefix)
}

// recordPending inserts one preliminary pending row per plan inside a
// single transaction. flags is the pusher's raw CRITIC_FLAGS value.
func (s *Server) recordPending(repo *models.Repository, user *models.User, flags string, plans []refPlan) ([]uint, error) {
	var ids []uint
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, plan := range plans {
			row := models.PendingRefUpdate{
				RepositoryID: repo.ID,
				RefName:      plan.update.RefName,
				OldSHA1:      plan.update.OldSHA1,
				NewSHA1:      plan.update.NewSHA1,
				Flags:        flags,
				State:        models.PendingStatePreliminary,
				StartedAt:    time.Now(),
			}
			if user != nil {
				row.UpdaterID = &user.ID
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("hookserver: record pending update of %s: %w", plan.update.RefName, err)
			}
			ids = append(ids, row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
