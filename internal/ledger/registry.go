package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/types"
)

const (
	fieldRepo     = "repo"
	fieldBranch   = "branch"
	fieldTitle    = "title"
	fieldStatus   = "status"
	fieldOpenedAt = "opened_at"
	fieldMergedAt = "merged_at"
	fieldClosedAt = "closed_at"

	// fieldTransition holds the terminal status claimed by the first
	// SetStatus that left open.
	fieldTransition = "transition"
)

// UpsertPR merges patch into the stored metadata of a pull request. Authors
// accumulate, repo and branch are immutable once set, and a record that would
// end up without repo or branch is rejected.
func (l *Ledger) UpsertPR(ctx context.Context, number int, patch types.PRPatch) (types.PRMetadata, error) {
	if number <= 0 {
		return types.PRMetadata{}, &storage.ValidationError{Message: "pull request number must be positive"}
	}

	key := prMetaKey(number)
	existing, err := l.kv.HGetAll(ctx, key)
	if err != nil {
		return types.PRMetadata{}, err
	}

	fields := map[string]string{}
	repo, err := mergeImmutable(number, fieldRepo, existing[fieldRepo], strings.TrimSpace(patch.Repo))
	if err != nil {
		return types.PRMetadata{}, err
	}
	branch, err := mergeImmutable(number, fieldBranch, existing[fieldBranch], strings.TrimSpace(patch.Branch))
	if err != nil {
		return types.PRMetadata{}, err
	}
	if repo == "" || branch == "" {
		return types.PRMetadata{}, &storage.ValidationError{Message: fmt.Sprintf("pull request %d: repo and branch are required", number)}
	}
	if existing[fieldRepo] == "" {
		fields[fieldRepo] = repo
	}
	if existing[fieldBranch] == "" {
		fields[fieldBranch] = branch
	}
	if title := strings.TrimSpace(patch.Title); title != "" && title != existing[fieldTitle] {
		fields[fieldTitle] = title
	}

	at := patch.At
	if at.IsZero() {
		at = l.clock()
	}

	if err := l.kv.HSet(ctx, key, fields); err != nil {
		return types.PRMetadata{}, err
	}
	// Concurrent status transitions must win over first-sight defaults.
	created, err := l.kv.HSetNX(ctx, key, fieldStatus, string(types.PRStatusOpen))
	if err != nil {
		return types.PRMetadata{}, err
	}
	if _, err := l.kv.HSetNX(ctx, key, fieldOpenedAt, formatTime(at)); err != nil {
		return types.PRMetadata{}, err
	}

	authors := compactAuthors(patch.Authors)
	if err := l.kv.SAdd(ctx, prAuthorsKey(number), authors...); err != nil {
		return types.PRMetadata{}, err
	}
	if created {
		// Open records never expire, even over leftovers of a reused number.
		for _, k := range []string{key, prAuthorsKey(number), prBlockersKey(number)} {
			if err := l.kv.Persist(ctx, k); err != nil {
				return types.PRMetadata{}, err
			}
		}
	}

	meta, err := l.GetPR(ctx, number)
	if err != nil {
		return types.PRMetadata{}, err
	}

	if meta.Status == types.PRStatusOpen {
		if err := l.kv.SAdd(ctx, openIndexKey, strconv.Itoa(number)); err != nil {
			return types.PRMetadata{}, err
		}
	} else if len(authors) > 0 {
		if err := l.alignExpiry(ctx, number, prAuthorsKey(number)); err != nil {
			return types.PRMetadata{}, err
		}
	}

	if err := l.RecordActivity(ctx, number, at); err != nil {
		return types.PRMetadata{}, err
	}
	return meta, nil
}

// GetPR reconstructs the typed metadata of a pull request. Stored records
// missing required fields surface as *storage.CorruptedRecordError.
func (l *Ledger) GetPR(ctx context.Context, number int) (types.PRMetadata, error) {
	key := prMetaKey(number)
	raw, err := l.kv.HGetAll(ctx, key)
	if err != nil {
		return types.PRMetadata{}, err
	}
	if len(raw) == 0 {
		return types.PRMetadata{}, &storage.NotFoundError{Resource: "pull request", Key: strconv.Itoa(number)}
	}
	authors, err := l.kv.SMembers(ctx, prAuthorsKey(number))
	if err != nil {
		return types.PRMetadata{}, err
	}
	return decodePR(number, key, raw, authors)
}

func decodePR(number int, key string, raw map[string]string, authors []string) (types.PRMetadata, error) {
	corrupt := func(reason string) error {
		return &storage.CorruptedRecordError{Resource: "pull request", Key: key, Reason: reason}
	}

	meta := types.PRMetadata{
		Number:  number,
		Repo:    raw[fieldRepo],
		Branch:  raw[fieldBranch],
		Title:   raw[fieldTitle],
		Authors: authors,
		Status:  types.PRStatus(raw[fieldStatus]),
	}
	if meta.Repo == "" {
		return types.PRMetadata{}, corrupt("missing repo")
	}
	if meta.Branch == "" {
		return types.PRMetadata{}, corrupt("missing branch")
	}
	if !meta.Status.Valid() {
		return types.PRMetadata{}, corrupt(fmt.Sprintf("invalid status %q", raw[fieldStatus]))
	}

	opened, err := parseTime(raw[fieldOpenedAt])
	if err != nil || opened == nil {
		return types.PRMetadata{}, corrupt("invalid opened_at")
	}
	meta.OpenedAt = *opened

	if meta.MergedAt, err = parseTime(raw[fieldMergedAt]); err != nil {
		return types.PRMetadata{}, corrupt("invalid merged_at")
	}
	if meta.ClosedAt, err = parseTime(raw[fieldClosedAt]); err != nil {
		return types.PRMetadata{}, corrupt("invalid closed_at")
	}
	if meta.Status == types.PRStatusMerged && meta.MergedAt == nil {
		return types.PRMetadata{}, corrupt("merged without merged_at")
	}
	if meta.Status == types.PRStatusClosed && meta.ClosedAt == nil {
		return types.PRMetadata{}, corrupt("closed without closed_at")
	}
	return meta, nil
}

// SetStatus moves a pull request to status. The status fields, expiries and
// open-index membership are written as one atomic batch. Concurrent
// transitions to different terminal states race on a claim field; the loser
// gets a *storage.ConflictError.
func (l *Ledger) SetStatus(ctx context.Context, number int, status types.PRStatus, at time.Time) (types.PRMetadata, error) {
	if !status.Valid() {
		return types.PRMetadata{}, &storage.ValidationError{Message: fmt.Sprintf("unknown status %q", status)}
	}
	if at.IsZero() {
		return types.PRMetadata{}, &storage.ValidationError{Message: "status transition time is required"}
	}

	current, err := l.GetPR(ctx, number)
	if err != nil {
		return types.PRMetadata{}, err
	}
	if current.Status == status {
		return current, nil
	}
	if current.Status != types.PRStatusOpen {
		return current, &storage.ConflictError{
			Resource: "pull request",
			Key:      strconv.Itoa(number),
			Reason:   fmt.Sprintf("cannot move from %s to %s", current.Status, status),
		}
	}
	if status == types.PRStatusOpen {
		return current, nil
	}

	claimed, err := l.kv.HSetNX(ctx, prMetaKey(number), fieldTransition, string(status))
	if err != nil {
		return types.PRMetadata{}, err
	}
	if !claimed {
		winner, err := l.kv.HGet(ctx, prMetaKey(number), fieldTransition)
		if err != nil {
			return types.PRMetadata{}, err
		}
		// A matching claim is a retry of an interrupted transition.
		if winner != string(status) {
			return current, &storage.ConflictError{
				Resource: "pull request",
				Key:      strconv.Itoa(number),
				Reason:   fmt.Sprintf("cannot move to %s, already moving to %s", status, winner),
			}
		}
	}

	member := strconv.Itoa(number)
	ts := formatTime(at)
	day := dayKey(l.Day(at))
	err = l.kv.Atomic(ctx, func(w storage.Writer) error {
		fields := map[string]string{fieldStatus: string(status)}
		ttl := l.retention.Merged
		if status == types.PRStatusMerged {
			fields[fieldMergedAt] = ts
		} else {
			fields[fieldClosedAt] = ts
			ttl = l.retention.Closed
		}
		if err := w.HSet(ctx, prMetaKey(number), fields); err != nil {
			return err
		}
		if err := w.Expire(ctx, prMetaKey(number), ttl); err != nil {
			return err
		}
		if err := w.Expire(ctx, prAuthorsKey(number), ttl); err != nil {
			return err
		}
		if status == types.PRStatusClosed {
			// Unmerged work: its blockers are no longer actionable.
			if err := w.Del(ctx, prBlockersKey(number)); err != nil {
				return err
			}
		} else if err := w.Expire(ctx, prBlockersKey(number), ttl); err != nil {
			return err
		}
		if err := w.SRem(ctx, openIndexKey, member); err != nil {
			return err
		}
		if err := w.SAdd(ctx, day, member); err != nil {
			return err
		}
		return w.Expire(ctx, day, l.retention.DayIndex)
	})
	if err != nil {
		return types.PRMetadata{}, fmt.Errorf("set status of pull request %d: %w", number, err)
	}
	return l.GetPR(ctx, number)
}

// OpenPRs returns the members of the open index in ascending order.
func (l *Ledger) OpenPRs(ctx context.Context) ([]int, error) {
	members, err := l.kv.SMembers(ctx, openIndexKey)
	if err != nil {
		return nil, err
	}
	numbers, err := parsePRNumbers("open index", openIndexKey, members)
	if err != nil {
		return nil, err
	}
	slices.Sort(numbers)
	return numbers, nil
}

// DropFromOpenIndex removes a stale open-index member.
func (l *Ledger) DropFromOpenIndex(ctx context.Context, number int) error {
	return l.kv.SRem(ctx, openIndexKey, strconv.Itoa(number))
}

// RecordActivity marks number as active on the calendar day of at.
func (l *Ledger) RecordActivity(ctx context.Context, number int, at time.Time) error {
	key := dayKey(l.Day(at))
	if err := l.kv.SAdd(ctx, key, strconv.Itoa(number)); err != nil {
		return err
	}
	return l.kv.Expire(ctx, key, l.retention.DayIndex)
}

// DayPRs returns the pull requests with activity on the calendar day of day.
func (l *Ledger) DayPRs(ctx context.Context, day time.Time) ([]int, error) {
	key := dayKey(l.Day(day))
	members, err := l.kv.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	numbers, err := parsePRNumbers("day index", key, members)
	if err != nil {
		return nil, err
	}
	slices.Sort(numbers)
	return numbers, nil
}

// alignExpiry copies the metadata TTL of a finished pull request onto key.
func (l *Ledger) alignExpiry(ctx context.Context, number int, key string) error {
	ttl, err := l.kv.TTL(ctx, prMetaKey(number))
	if err != nil {
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if ttl <= 0 {
		return nil
	}
	return l.kv.Expire(ctx, key, ttl)
}

func mergeImmutable(number int, field, existing, incoming string) (string, error) {
	switch {
	case existing == "":
		return incoming, nil
	case incoming == "" || incoming == existing:
		return existing, nil
	default:
		return "", &storage.ConflictError{
			Resource: "pull request",
			Key:      strconv.Itoa(number),
			Reason:   fmt.Sprintf("%s is %q, refusing %q", field, existing, incoming),
		}
	}
}

func compactAuthors(authors []string) []string {
	out := make([]string, 0, len(authors))
	for _, a := range authors {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
