package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/types"
)

// AppendCommit appends a translated commit to the (repo, branch) log. It does
// not require the owning pull request to exist.
func (l *Ledger) AppendCommit(ctx context.Context, repo, branch string, commit types.BranchCommit) error {
	if strings.TrimSpace(repo) == "" || strings.TrimSpace(branch) == "" {
		return &storage.ValidationError{Message: "repo and branch are required"}
	}
	if commit.SHA == "" {
		return &storage.ValidationError{Message: "commit sha is required"}
	}
	if commit.Timestamp.IsZero() {
		return &storage.ValidationError{Message: "commit timestamp is required"}
	}

	commit.Timestamp = commit.Timestamp.UTC()
	payload, err := json.Marshal(commit)
	if err != nil {
		return err
	}

	if err := l.kv.RPush(ctx, branchCommitsKey(repo, branch), string(payload)); err != nil {
		return fmt.Errorf("append commit %s: %w", commit.SHA, err)
	}
	if err := l.kv.HSet(ctx, branchesKey(repo), map[string]string{branch: l.clock().UTC().Format(time.RFC3339Nano)}); err != nil {
		return fmt.Errorf("touch branch %s: %w", branch, err)
	}
	return l.kv.SAdd(ctx, reposKey, repo)
}

// BranchLog returns the full commit log of a branch in append order. Repeated
// deliveries of the same SHA collapse onto their first occurrence.
func (l *Ledger) BranchLog(ctx context.Context, repo, branch string) ([]types.BranchCommit, error) {
	key := branchCommitsKey(repo, branch)
	raw, err := l.kv.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(raw))
	commits := make([]types.BranchCommit, 0, len(raw))
	for i, item := range raw {
		var commit types.BranchCommit
		if err := json.Unmarshal([]byte(item), &commit); err != nil {
			return nil, &storage.CorruptedRecordError{Resource: "branch commit", Key: fmt.Sprintf("%s[%d]", key, i), Reason: err.Error()}
		}
		if commit.SHA == "" || commit.Timestamp.IsZero() {
			return nil, &storage.CorruptedRecordError{Resource: "branch commit", Key: fmt.Sprintf("%s[%d]", key, i), Reason: "missing sha or timestamp"}
		}
		if _, dup := seen[commit.SHA]; dup {
			continue
		}
		seen[commit.SHA] = struct{}{}
		commits = append(commits, commit)
	}
	return commits, nil
}

// Repos lists every repository that has received a commit.
func (l *Ledger) Repos(ctx context.Context) ([]string, error) {
	return l.kv.SMembers(ctx, reposKey)
}

// Branches returns each known branch of repo with its last append time.
func (l *Ledger) Branches(ctx context.Context, repo string) (map[string]time.Time, error) {
	raw, err := l.kv.HGetAll(ctx, branchesKey(repo))
	if err != nil {
		return nil, err
	}
	branches := make(map[string]time.Time, len(raw))
	for name, ts := range raw {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, &storage.CorruptedRecordError{Resource: "branch index", Key: branchesKey(repo) + "/" + name, Reason: err.Error()}
		}
		branches[name] = t
	}
	return branches, nil
}
