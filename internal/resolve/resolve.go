// Package resolve joins the pull request registry with the branch commit logs
// at read time and computes report watermarks.
package resolve

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/onexay/devpulse/internal/ledger"
	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/types"
)

// ResolvedPR is a pull request with the commits surfaced for a window.
type ResolvedPR struct {
	Meta types.PRMetadata `json:"meta"`
	// Commits holds the in-scope commits ordered by timestamp.
	Commits []types.BranchCommit `json:"commits"`
	// TotalCommits counts the full history used for metadata, not only Commits.
	TotalCommits int  `json:"totalCommits"`
	ActiveToday  bool `json:"activeToday"`
	// Blockers lists the active blockers of an open pull request.
	Blockers []types.KeyedBlocker `json:"blockers,omitempty"`
}

// DirectCommit is a commit pushed straight to a repository's default branch.
type DirectCommit struct {
	Repo   string             `json:"repo"`
	Branch string             `json:"branch"`
	Commit types.BranchCommit `json:"commit"`
}

// Window is the half-open interval [From, To) a resolution covers.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Result is the outcome of a resolution.
type Result struct {
	Date          time.Time      `json:"date"`
	Window        Window         `json:"window"`
	OpenPRs       []ResolvedPR   `json:"openPRs"`
	MergedPRs     []ResolvedPR   `json:"mergedPRs"`
	DirectCommits []DirectCommit `json:"directCommits"`
}

// Empty reports whether the result carries nothing to report.
func (r Result) Empty() bool {
	if len(r.MergedPRs) > 0 || len(r.DirectCommits) > 0 {
		return false
	}
	for _, pr := range r.OpenPRs {
		if len(pr.Commits) > 0 {
			return false
		}
	}
	return true
}

// Options configures a Resolver.
type Options struct {
	// DefaultBranch names the branch whose commits count as direct commits.
	DefaultBranch string
	Logger        *zap.SugaredLogger
}

// Resolver performs read-time resolution over a ledger.
type Resolver struct {
	ledger        *ledger.Ledger
	defaultBranch string
	logger        *zap.SugaredLogger
}

// New builds a Resolver.
func New(l *ledger.Ledger, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{ledger: l, defaultBranch: opts.DefaultBranch, logger: logger}
}

// Resolve returns the open pull requests, the pull requests merged inside the
// window and the direct commits inside the window. With since nil the window
// is the calendar day of date; otherwise it runs from since through the end
// of date's calendar day.
func (r *Resolver) Resolve(ctx context.Context, date time.Time, since *time.Time) (Result, error) {
	loc := r.ledger.Location()
	dayStart := startOfDay(date, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	window := Window{From: dayStart, To: dayEnd}
	if since != nil {
		window.From = *since
	}

	result := Result{
		Date:          dayStart,
		Window:        window,
		OpenPRs:       []ResolvedPR{},
		MergedPRs:     []ResolvedPR{},
		DirectCommits: []DirectCommit{},
	}

	open, merged, err := r.candidates(ctx, window, dayStart)
	if err != nil {
		return Result{}, err
	}

	for _, meta := range open {
		pr, ok, err := r.resolveOpen(ctx, meta, window, dayStart, dayEnd)
		if err != nil {
			return Result{}, err
		}
		if ok {
			result.OpenPRs = append(result.OpenPRs, pr)
		}
	}
	for _, meta := range merged {
		pr, ok, err := r.resolveMerged(ctx, meta, dayStart, dayEnd)
		if err != nil {
			return Result{}, err
		}
		if ok {
			result.MergedPRs = append(result.MergedPRs, pr)
		}
	}

	if result.DirectCommits, err = r.directCommits(ctx, window); err != nil {
		return Result{}, err
	}

	slices.SortFunc(result.MergedPRs, func(a, b ResolvedPR) int {
		if c := a.Meta.MergedAt.Compare(*b.Meta.MergedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Meta.Number, b.Meta.Number)
	})
	return result, nil
}

// candidates returns every open pull request plus those merged inside the
// window, discovered by walking the day index one date at a time.
func (r *Resolver) candidates(ctx context.Context, window Window, dayStart time.Time) ([]types.PRMetadata, []types.PRMetadata, error) {
	openNumbers, err := r.ledger.OpenPRs(ctx)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[int]struct{}, len(openNumbers))
	var open, merged []types.PRMetadata
	for _, n := range openNumbers {
		seen[n] = struct{}{}
		meta, ok, err := r.lookup(ctx, n)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		switch meta.Status {
		case types.PRStatusOpen:
			open = append(open, meta)
		case types.PRStatusMerged:
			if window.Contains(*meta.MergedAt) {
				merged = append(merged, meta)
			}
		}
	}

	loc := r.ledger.Location()
	for day := startOfDay(window.From, loc); !day.After(dayStart); day = day.AddDate(0, 0, 1) {
		numbers, err := r.ledger.DayPRs(ctx, day)
		if err != nil {
			if isCorrupted(err) {
				r.logger.Warnw("skipping corrupted day index", "day", r.ledger.Day(day), "error", err)
				continue
			}
			return nil, nil, err
		}
		for _, n := range numbers {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			meta, ok, err := r.lookup(ctx, n)
			if err != nil {
				return nil, nil, err
			}
			if ok && meta.Status == types.PRStatusMerged && window.Contains(*meta.MergedAt) {
				merged = append(merged, meta)
			}
		}
	}
	return open, merged, nil
}

// lookup fetches a pull request, treating expired and corrupted records as
// absent.
func (r *Resolver) lookup(ctx context.Context, number int) (types.PRMetadata, bool, error) {
	meta, err := r.ledger.GetPR(ctx, number)
	if err == nil {
		return meta, true, nil
	}
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		return types.PRMetadata{}, false, nil
	}
	if isCorrupted(err) {
		r.logger.Warnw("skipping corrupted pull request", "pr", number, "error", err)
		return types.PRMetadata{}, false, nil
	}
	return types.PRMetadata{}, false, err
}

func (r *Resolver) branchLog(ctx context.Context, meta types.PRMetadata) ([]types.BranchCommit, bool, error) {
	log, err := r.ledger.BranchLog(ctx, meta.Repo, meta.Branch)
	if err == nil {
		return log, true, nil
	}
	if isCorrupted(err) {
		r.logger.Warnw("skipping pull request with corrupted branch log",
			"pr", meta.Number, "repo", meta.Repo, "branch", meta.Branch, "error", err)
		return nil, false, nil
	}
	return nil, false, err
}

func (r *Resolver) resolveOpen(ctx context.Context, meta types.PRMetadata, window Window, dayStart, dayEnd time.Time) (ResolvedPR, bool, error) {
	log, ok, err := r.branchLog(ctx, meta)
	if err != nil || !ok {
		return ResolvedPR{}, false, err
	}

	pr := ResolvedPR{
		Meta:         meta,
		Commits:      inScope(log, window.Contains),
		TotalCommits: len(log),
		ActiveToday:  activeOn(log, dayStart, dayEnd),
	}

	blockers, err := r.ledger.Blockers(ctx, meta.Number)
	switch {
	case err == nil:
		for _, b := range blockers {
			if b.Entry.Active() {
				pr.Blockers = append(pr.Blockers, b)
			}
		}
	case isCorrupted(err):
		r.logger.Warnw("ignoring corrupted blockers", "pr", meta.Number, "error", err)
	default:
		return ResolvedPR{}, false, err
	}
	return pr, true, nil
}

func (r *Resolver) resolveMerged(ctx context.Context, meta types.PRMetadata, dayStart, dayEnd time.Time) (ResolvedPR, bool, error) {
	log, ok, err := r.branchLog(ctx, meta)
	if err != nil || !ok {
		return ResolvedPR{}, false, err
	}
	mergedAt := *meta.MergedAt
	commits := inScope(log, func(t time.Time) bool { return !t.After(mergedAt) })
	return ResolvedPR{
		Meta:         meta,
		Commits:      commits,
		TotalCommits: len(commits),
		ActiveToday:  activeOn(log, dayStart, dayEnd),
	}, true, nil
}

func (r *Resolver) directCommits(ctx context.Context, window Window) ([]DirectCommit, error) {
	out := []DirectCommit{}
	if r.defaultBranch == "" {
		return out, nil
	}
	repos, err := r.ledger.Repos(ctx)
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		log, err := r.ledger.BranchLog(ctx, repo, r.defaultBranch)
		if err != nil {
			if isCorrupted(err) {
				r.logger.Warnw("skipping corrupted default branch log", "repo", repo, "error", err)
				continue
			}
			return nil, err
		}
		for _, c := range inScope(log, window.Contains) {
			out = append(out, DirectCommit{Repo: repo, Branch: r.defaultBranch, Commit: c})
		}
	}
	slices.SortStableFunc(out, func(a, b DirectCommit) int {
		return a.Commit.Timestamp.Compare(b.Commit.Timestamp)
	})
	return out, nil
}

// Watermark returns the latest merge or surfaced commit timestamp in result,
// or now when the result holds none.
func Watermark(result Result, now time.Time) time.Time {
	var mark time.Time
	bump := func(t time.Time) {
		if t.After(mark) {
			mark = t
		}
	}
	for _, pr := range result.MergedPRs {
		if pr.Meta.MergedAt != nil {
			bump(*pr.Meta.MergedAt)
		}
		for _, c := range pr.Commits {
			bump(c.Timestamp)
		}
	}
	for _, pr := range result.OpenPRs {
		for _, c := range pr.Commits {
			bump(c.Timestamp)
		}
	}
	for _, dc := range result.DirectCommits {
		bump(dc.Commit.Timestamp)
	}
	if mark.IsZero() {
		return now
	}
	return mark
}

func inScope(log []types.BranchCommit, keep func(time.Time) bool) []types.BranchCommit {
	out := make([]types.BranchCommit, 0, len(log))
	for _, c := range log {
		if keep(c.Timestamp) {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b types.BranchCommit) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

func activeOn(log []types.BranchCommit, dayStart, dayEnd time.Time) bool {
	return slices.ContainsFunc(log, func(c types.BranchCommit) bool {
		return !c.Timestamp.Before(dayStart) && c.Timestamp.Before(dayEnd)
	})
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func isCorrupted(err error) bool {
	var corrupted *storage.CorruptedRecordError
	return errors.As(err, &corrupted)
}
