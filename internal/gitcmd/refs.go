package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ZeroSHA1 is the null object name git uses for ref creation and deletion.
const ZeroSHA1 = "0000000000000000000000000000000000000000"

// RevParse resolves a ref to its SHA-1, returning ErrRefNotFound if the ref
// does not exist.
func (r *Runner) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.Output(ctx, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return "", ErrRefNotFound
		}
		return "", err
	}
	return out, nil
}

// ForEachRef returns ref name to SHA-1 for refs matching the patterns.
func (r *Runner) ForEachRef(ctx context.Context, patterns ...string) (map[string]string, error) {
	args := append([]string{"for-each-ref", "--format=%(objectname) %(refname)"}, patterns...)
	lines, err := r.Lines(ctx, args...)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string, len(lines))
	for _, line := range lines {
		sha1, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		refs[name] = sha1
	}
	return refs, nil
}

// UpdateRef sets ref to newSHA1, verifying it currently holds oldSHA1.
// ZeroSHA1 as old creates the ref; ZeroSHA1 as new deletes it.
func (r *Runner) UpdateRef(ctx context.Context, ref, newSHA1, oldSHA1 string) error {
	var err error
	if newSHA1 == ZeroSHA1 {
		_, err = r.Run(ctx, "update-ref", "-d", ref, oldSHA1)
	} else {
		_, err = r.Run(ctx, "update-ref", ref, newSHA1, oldSHA1)
	}
	if err != nil {
		return fmt.Errorf("gitcmd: update ref %s: %w", ref, err)
	}
	return nil
}

// IsEmpty reports whether the repository has no refs at all.
func (r *Runner) IsEmpty(ctx context.Context) (bool, error) {
	refs, err := r.ForEachRef(ctx)
	if err != nil {
		return false, err
	}
	return len(refs) == 0, nil
}

// RootCommits lists commits without parents reachable from newSHA1 but not
// from any existing ref.
func (r *Runner) RootCommits(ctx context.Context, newSHA1 string) ([]string, error) {
	return r.Lines(ctx, "rev-list", "--max-parents=0", newSHA1, "--not", "--all")
}

// NewCommits lists commits reachable from newSHA1 but not from any existing
// ref, oldest first.
func (r *Runner) NewCommits(ctx context.Context, newSHA1 string) ([]string, error) {
	return r.Lines(ctx, "rev-list", "--reverse", newSHA1, "--not", "--all")
}

// IsAncestor reports whether ancestor is an ancestor of descendant.
func (r *Runner) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := r.Run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var gitErr *GitError
	if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// MergeBase returns the best common ancestor of two commits.
func (r *Runner) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.Output(ctx, "merge-base", a, b)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return "", ErrRefNotFound
		}
		return "", err
	}
	return out, nil
}

// CatBlob returns the contents of a blob object.
func (r *Runner) CatBlob(ctx context.Context, sha1 string) ([]byte, error) {
	out, err := r.Run(ctx, "cat-file", "blob", sha1)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return nil, ErrRefNotFound
		}
		return nil, err
	}
	return []byte(out), nil
}
