package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/types"
)

// SweepResolvedBlockers removes blockers resolved longer than the retention
// window before now and returns how many were removed. Entries that fail to
// decode are left in place.
func (l *Ledger) SweepResolvedBlockers(ctx context.Context, now time.Time) (int, error) {
	keys, err := l.kv.Scan(ctx, "pr:*:blockers")
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-l.retention.ResolvedBlocker)

	removed := 0
	for _, hashKey := range keys {
		raw, err := l.kv.HGetAll(ctx, hashKey)
		if err != nil {
			return removed, err
		}
		var expired []string
		for field, payload := range raw {
			entry, err := decodeBlocker(hashKey, field, payload)
			if err != nil {
				continue
			}
			if entry.ResolvedAt != nil && !entry.ResolvedAt.After(cutoff) {
				expired = append(expired, field)
			}
		}
		if len(expired) == 0 {
			continue
		}
		if err := l.kv.HDel(ctx, hashKey, expired...); err != nil {
			return removed, fmt.Errorf("sweep %s: %w", hashKey, err)
		}
		removed += len(expired)
	}
	return removed, nil
}

// SweepStaleBranches deletes branch logs idle for longer than the retention
// window. Branches still referenced by an open or merged pull request in the
// registry are kept.
func (l *Ledger) SweepStaleBranches(ctx context.Context, now time.Time) (int, error) {
	referenced, err := l.referencedBranches(ctx)
	if err != nil {
		return 0, err
	}
	repos, err := l.Repos(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-l.retention.StaleBranch)

	removed := 0
	for _, repo := range repos {
		branches, err := l.Branches(ctx, repo)
		if err != nil {
			return removed, err
		}
		remaining := len(branches)
		for branch, lastActivity := range branches {
			if lastActivity.After(cutoff) {
				continue
			}
			if _, ok := referenced[repo+"\x00"+branch]; ok {
				continue
			}
			// An append since the scan moves the stamp and keeps the branch.
			stale, err := l.stillStale(ctx, repo, branch, cutoff)
			if err != nil {
				return removed, err
			}
			if !stale {
				continue
			}
			err = l.kv.Atomic(ctx, func(w storage.Writer) error {
				if err := w.Del(ctx, branchCommitsKey(repo, branch)); err != nil {
					return err
				}
				return w.HDel(ctx, branchesKey(repo), branch)
			})
			if err != nil {
				return removed, fmt.Errorf("sweep branch %s/%s: %w", repo, branch, err)
			}
			remaining--
			removed++
		}
		if remaining == 0 {
			if err := l.kv.SRem(ctx, reposKey, repo); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// stillStale re-reads the last activity of a branch. A branch that vanished
// meanwhile is not stale.
func (l *Ledger) stillStale(ctx context.Context, repo, branch string, cutoff time.Time) (bool, error) {
	raw, err := l.kv.HGet(ctx, branchesKey(repo), branch)
	if err != nil {
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false, &storage.CorruptedRecordError{Resource: "branch index", Key: branchesKey(repo) + "/" + branch, Reason: err.Error()}
	}
	return !last.After(cutoff), nil
}

func (l *Ledger) referencedBranches(ctx context.Context) (map[string]struct{}, error) {
	keys, err := l.kv.Scan(ctx, "pr:*:meta")
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		number, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(key, "pr:"), ":meta"))
		if err != nil {
			continue
		}
		meta, err := l.GetPR(ctx, number)
		if err != nil {
			var corrupted *storage.CorruptedRecordError
			var notFound *storage.NotFoundError
			if errors.As(err, &corrupted) || errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		if meta.Status == types.PRStatusClosed {
			continue
		}
		out[meta.Repo+"\x00"+meta.Branch] = struct{}{}
	}
	return out, nil
}
