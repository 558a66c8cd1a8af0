package gitcmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommitInfo is the metadata the commit-ingest path needs for one commit.
type CommitInfo struct {
	SHA1           string
	Parents        []string
	AuthorName     string
	AuthorEmail    string
	AuthorTime     time.Time
	CommitterName  string
	CommitterEmail string
	CommitTime     time.Time
}

// logFormat uses NUL-separated fields so names and emails cannot collide
// with the separator.
const logFormat = "%H%x00%P%x00%an%x00%ae%x00%at%x00%cn%x00%ce%x00%ct"

// LogCommits returns metadata for all commits reachable from newSHA1 but
// not from any existing ref, oldest first. The hook server and branch
// updater use this to ingest pushed commits.
func (r *Runner) LogCommits(ctx context.Context, newSHA1 string) ([]CommitInfo, error) {
	out, err := r.Run(ctx, "log", "--reverse", "--format="+logFormat, newSHA1, "--not", "--all")
	if err != nil {
		return nil, err
	}
	return parseCommitLog(out)
}

func parseCommitLog(out string) ([]CommitInfo, error) {
	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\x00")
		if len(fields) != 8 {
			return nil, fmt.Errorf("gitcmd: malformed log line: %q", line)
		}
		authorTime, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gitcmd: malformed author time %q: %w", fields[4], err)
		}
		commitTime, err := strconv.ParseInt(fields[7], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gitcmd: malformed commit time %q: %w", fields[7], err)
		}
		var parents []string
		if fields[1] != "" {
			parents = strings.Fields(fields[1])
		}
		commits = append(commits, CommitInfo{
			SHA1:           fields[0],
			Parents:        parents,
			AuthorName:     fields[2],
			AuthorEmail:    fields[3],
			AuthorTime:     time.Unix(authorTime, 0),
			CommitterName:  fields[5],
			CommitterEmail: fields[6],
			CommitTime:     time.Unix(commitTime, 0),
		})
	}
	return commits, nil
}

// CommitInfoFor returns metadata for a single commit.
func (r *Runner) CommitInfoFor(ctx context.Context, sha1 string) (*CommitInfo, error) {
	out, err := r.Run(ctx, "log", "-1", "--format="+logFormat, sha1)
	if err != nil {
		return nil, err
	}
	commits, err := parseCommitLog(out)
	if err != nil {
		return nil, err
	}
	if len(commits) != 1 {
		return nil, fmt.Errorf("gitcmd: commit %s not found", sha1)
	}
	return &commits[0], nil
}

// FileChange is one entry of a raw diff between two trees.
type FileChange struct {
	Path    string
	OldSHA1 string
	NewSHA1 string
	OldMode string
	NewMode string
	Status  string
}

// DiffTree lists the file changes between parent and child commits. An
// empty parent diffs against the empty tree.
func (r *Runner) DiffTree(ctx context.Context, parentSHA1, childSHA1 string) ([]FileChange, error) {
	args := []string{"diff-tree", "-r", "--no-renames", "-z"}
	if parentSHA1 == "" || parentSHA1 == ZeroSHA1 {
		args = append(args, "--root", childSHA1)
	} else {
		args = append(args, parentSHA1, childSHA1)
	}
	out, err := r.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseDiffTree(out)
}

// parseDiffTree parses -z output: ":oldmode newmode oldsha newsha status\0path\0"
// preceded by the commit id line when diffing a single commit with --root.
func parseDiffTree(out string) ([]FileChange, error) {
	var changes []FileChange
	records := strings.Split(out, "\x00")
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if rec == "" || !strings.HasPrefix(rec, ":") {
			continue
		}
		fields := strings.Fields(rec[1:])
		if len(fields) != 5 {
			return nil, fmt.Errorf("gitcmd: malformed diff-tree record: %q", rec)
		}
		if i+1 >= len(records) {
			return nil, fmt.Errorf("gitcmd: diff-tree record missing path: %q", rec)
		}
		i++
		changes = append(changes, FileChange{
			OldMode: fields[0],
			NewMode: fields[1],
			OldSHA1: fields[2],
			NewSHA1: fields[3],
			Status:  fields[4],
			Path:    records[i],
		})
	}
	return changes, nil
}
