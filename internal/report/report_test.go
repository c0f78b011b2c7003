package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexay/devpulse/internal/blocker"
	"github.com/onexay/devpulse/internal/resolve"
	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/types"
)

var monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func sampleResult() resolve.Result {
	merged := monday.Add(-36 * time.Hour)
	return resolve.Result{
		Date:   monday,
		Window: resolve.Window{From: monday.Add(-63 * time.Hour), To: monday.Add(24 * time.Hour)},
		MergedPRs: []resolve.ResolvedPR{{
			Meta: types.PRMetadata{Number: 21, Repo: "api", Branch: "hotfix", Title: "Fix crash", Authors: []string{"bo"}, Status: types.PRStatusMerged, MergedAt: &merged},
			Commits: []types.BranchCommit{
				{SHA: "f1", Summary: "Guard nil session", Timestamp: merged.Add(-time.Hour)},
			},
			TotalCommits: 1,
		}},
		OpenPRs: []resolve.ResolvedPR{{
			Meta:         types.PRMetadata{Number: 20, Repo: "api", Branch: "feat/export", Title: "CSV export", Authors: []string{"ana"}, Status: types.PRStatusOpen},
			Commits:      []types.BranchCommit{{SHA: "s1", Summary: "Stream rows", Timestamp: merged.Add(2 * time.Hour)}},
			TotalCommits: 4,
			ActiveToday:  true,
			Blockers: []types.KeyedBlocker{
				{Key: "review:cy", Entry: types.PRBlockerEntry{Type: types.BlockerChangesRequested, Description: "changes requested by cy", Reviewer: "cy", DetectedAt: monday.Add(-8 * 24 * time.Hour)}},
				{Key: "pending:dee", Entry: types.PRBlockerEntry{Type: types.BlockerPendingReview, Description: "awaiting review from dee", Reviewer: "dee", DetectedAt: monday.Add(-4 * 24 * time.Hour)}},
			},
		}},
		DirectCommits: []resolve.DirectCommit{{Repo: "web", Branch: "main", Commit: types.BranchCommit{SHA: "d1", Summary: "Bump banner", Author: "eve", Timestamp: merged}}},
	}
}

func buildSample() Report {
	return Build(Daily, sampleResult(), BuildOptions{
		Now:             monday.Add(9 * time.Hour),
		Thresholds:      blocker.DefaultThresholds(),
		StaleReviewDays: 3,
		Features:        map[int]string{20: "Bulk CSV export"},
	})
}

func TestBuild(t *testing.T) {
	r := buildSample()

	assert.Equal(t, blocker.Red, r.Status, "an eight day old blocker escalates")
	require.Len(t, r.Merged, 1)
	assert.Equal(t, "Fix crash", r.Merged[0].Feature, "title is the fallback feature name")
	require.Len(t, r.Open, 1)
	assert.Equal(t, "Bulk CSV export", r.Open[0].Feature)
	require.Len(t, r.Groups, 1)
	assert.Equal(t, "ana", r.Groups[0].User)
	assert.Equal(t, "8 days", r.Groups[0].OldestAge)
	require.Len(t, r.StaleReviews, 1)
	assert.Equal(t, "dee", r.StaleReviews[0].Entry.Reviewer)
	assert.True(t, r.Watermark.Equal(monday.Add(-34*time.Hour)))
	assert.True(t, r.HasContent())
}

func TestBuildStatusWithStalePendingReviews(t *testing.T) {
	result := sampleResult()
	blockers := []types.KeyedBlocker{
		{Key: "label:blocked", Entry: types.PRBlockerEntry{Type: types.BlockerLabel, Description: "labelled blocked", DetectedAt: monday.Add(-6 * 24 * time.Hour)}},
	}
	for _, reviewer := range []string{"dee", "fay", "gus"} {
		blockers = append(blockers, types.KeyedBlocker{
			Key:   "pending:" + reviewer,
			Entry: types.PRBlockerEntry{Type: types.BlockerPendingReview, Description: "awaiting review from " + reviewer, Reviewer: reviewer, DetectedAt: monday.Add(-4 * 24 * time.Hour)},
		})
	}
	result.OpenPRs[0].Blockers = blockers

	r := Build(Daily, result, BuildOptions{
		Now:             monday,
		Thresholds:      blocker.DefaultThresholds(),
		StaleReviewDays: 3,
	})
	assert.Len(t, r.StaleReviews, 3)
	assert.Equal(t, blocker.Yellow, r.Status, "pending reviews are not counted as blockers")
}

func TestBuildEmpty(t *testing.T) {
	now := monday.Add(9 * time.Hour)
	r := Build(Daily, resolve.Result{Date: monday, Window: resolve.Window{From: monday, To: monday.Add(24 * time.Hour)}}, BuildOptions{
		Now: now, Thresholds: blocker.DefaultThresholds(), StaleReviewDays: 3,
	})
	assert.Equal(t, blocker.Green, r.Status)
	assert.False(t, r.HasContent())
	assert.True(t, r.Watermark.Equal(now))
	assert.Contains(t, Render(r), "No activity.")
}

func TestRender(t *testing.T) {
	text := Render(buildSample())

	assert.True(t, strings.HasPrefix(text, "Daily report for Mon 2025-03-10 [RED]\n"))
	assert.Contains(t, text, "Shipped (1)\n- api#21 Fix crash (bo), 1 commit\n  - Guard nil session\n")
	assert.Contains(t, text, "In progress (1)\n- api#20 Bulk CSV export (ana), 1 new of 4 commits [active today]\n")
	assert.Contains(t, text, "Direct commits (1)\n- web@main: Bump banner (eve)\n")
	assert.Contains(t, text, "- ana: 2 blockers, oldest 8 days\n")
	assert.Contains(t, text, "Stale reviews (1)\n- api#20 waiting on dee for 4 days\n")
	assert.NotContains(t, text, "No activity.")
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, Weekly, k)
	_, err = ParseKind("monthly")
	require.Error(t, err)
	assert.Equal(t, "Weekly report for Mon 2025-03-10", Report{Kind: Weekly, Date: monday}.Title())
}

func TestDiff(t *testing.T) {
	assert.Empty(t, Diff("a\nb\n", "a\nb\n", "x", "y"))

	d := Diff("line one\nline two\n", "line one\nline 2\n", "2025-03-07", "2025-03-10")
	assert.Contains(t, d, "--- 2025-03-07")
	assert.Contains(t, d, "+++ 2025-03-10")
	assert.Contains(t, d, "-line two")
	assert.Contains(t, d, "+line 2")
}

func TestArchive(t *testing.T) {
	bolt, err := storage.NewBoltArchive(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	stores := map[string]storage.Archive{"memory": storage.NewMemoryArchive(), "bolt": bolt}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := NewArchive(store)

			for _, date := range []string{"2025-03-06", "2025-03-07", "2025-03-10"} {
				require.NoError(t, a.Save(ctx, Record{Kind: Daily, Date: date, Title: "t " + date, Text: "body " + date, GeneratedAt: monday}))
			}

			rec, err := a.Load(ctx, Daily, "2025-03-07")
			require.NoError(t, err)
			assert.Equal(t, "body 2025-03-07", rec.Text)
			assert.False(t, rec.Delivered)

			require.NoError(t, a.MarkDelivered(ctx, Daily, "2025-03-07"))
			rec, err = a.Load(ctx, Daily, "2025-03-07")
			require.NoError(t, err)
			assert.True(t, rec.Delivered)

			_, err = a.Load(ctx, Weekly, "2025-03-07")
			var notFound *storage.NotFoundError
			require.ErrorAs(t, err, &notFound)

			removed, err := a.Prune(ctx, Daily, "2025-03-07")
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			dates, err := a.Dates(ctx, Daily)
			require.NoError(t, err)
			assert.Equal(t, []string{"2025-03-07", "2025-03-10"}, dates)
		})
	}
}
