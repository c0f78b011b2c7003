// Package report assembles resolved activity into a report, renders it as
// plain text and keeps rendered copies for redelivery and comparison.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/onexay/devpulse/internal/blocker"
	"github.com/onexay/devpulse/internal/resolve"
)

// Kind distinguishes report cadences.
type Kind string

const (
	Daily  Kind = "daily"
	Weekly Kind = "weekly"
)

// ParseKind validates a report type name.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case Daily, Weekly:
		return k, nil
	}
	return "", fmt.Errorf("unknown report type %q", raw)
}

// PRLine is one pull request as shown in a report.
type PRLine struct {
	Number       int        `json:"number"`
	Repo         string     `json:"repo"`
	Title        string     `json:"title"`
	Feature      string     `json:"feature"`
	Authors      []string   `json:"authors"`
	Commits      []string   `json:"commits"`
	TotalCommits int        `json:"totalCommits"`
	ActiveToday  bool       `json:"activeToday"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
}

// DirectLine is a commit pushed straight to a default branch.
type DirectLine struct {
	Repo    string    `json:"repo"`
	Branch  string    `json:"branch"`
	Summary string    `json:"summary"`
	Author  string    `json:"author"`
	At      time.Time `json:"at"`
}

// Report is an assembled activity report.
type Report struct {
	Kind         Kind                `json:"kind"`
	Date         time.Time           `json:"date"`
	Window       resolve.Window      `json:"window"`
	Status       blocker.RAG         `json:"status"`
	Merged       []PRLine            `json:"merged"`
	Open         []PRLine            `json:"open"`
	Direct       []DirectLine        `json:"direct"`
	Groups       []blocker.UserGroup `json:"groups"`
	StaleReviews []blocker.Item      `json:"staleReviews"`
	Narrative    string              `json:"narrative,omitempty"`
	Watermark    time.Time           `json:"watermark"`
	GeneratedAt  time.Time           `json:"generatedAt"`
}

// HasContent reports whether anything happened in the window or anything is
// blocked.
func (r Report) HasContent() bool {
	if len(r.Merged) > 0 || len(r.Direct) > 0 || len(r.Groups) > 0 || len(r.StaleReviews) > 0 {
		return true
	}
	for _, pr := range r.Open {
		if len(pr.Commits) > 0 {
			return true
		}
	}
	return false
}

// Title is the headline of the report.
func (r Report) Title() string {
	name := "Daily report"
	if r.Kind == Weekly {
		name = "Weekly report"
	}
	return fmt.Sprintf("%s for %s", name, r.Date.Format("Mon 2006-01-02"))
}

// BuildOptions tune report assembly.
type BuildOptions struct {
	Now              time.Time
	Thresholds       blocker.Thresholds
	StaleReviewDays  int
	Features         map[int]string
	DirectCommitsMax int
}

// Build turns a resolution result into a report. Feature names missing from
// opts.Features fall back to the pull request title.
func Build(kind Kind, result resolve.Result, opts BuildOptions) Report {
	r := Report{
		Kind:        kind,
		Date:        result.Date,
		Window:      result.Window,
		Merged:      make([]PRLine, 0, len(result.MergedPRs)),
		Open:        make([]PRLine, 0, len(result.OpenPRs)),
		Direct:      make([]DirectLine, 0, len(result.DirectCommits)),
		Watermark:   resolve.Watermark(result, opts.Now),
		GeneratedAt: opts.Now,
	}

	var items []blocker.Item
	for _, pr := range result.MergedPRs {
		r.Merged = append(r.Merged, line(pr, opts.Features))
	}
	for _, pr := range result.OpenPRs {
		r.Open = append(r.Open, line(pr, opts.Features))
		for _, b := range pr.Blockers {
			items = append(items, blocker.Item{PR: pr.Meta, Key: b.Key, Entry: b.Entry})
		}
	}
	for i, dc := range result.DirectCommits {
		if opts.DirectCommitsMax > 0 && i >= opts.DirectCommitsMax {
			break
		}
		r.Direct = append(r.Direct, DirectLine{
			Repo:    dc.Repo,
			Branch:  dc.Branch,
			Summary: dc.Commit.Summary,
			Author:  dc.Commit.Author,
			At:      dc.Commit.Timestamp,
		})
	}

	r.Groups = blocker.GroupByUser(items, opts.Now)
	r.StaleReviews = blocker.StaleReviews(items, opts.Now, opts.StaleReviewDays)
	if r.StaleReviews == nil {
		r.StaleReviews = []blocker.Item{}
	}
	r.Status = blocker.Status(items, r.StaleReviews, opts.Now, opts.Thresholds)
	return r
}

func line(pr resolve.ResolvedPR, features map[int]string) PRLine {
	feature := features[pr.Meta.Number]
	if feature == "" {
		feature = pr.Meta.Title
	}
	if feature == "" {
		feature = pr.Meta.Branch
	}
	commits := make([]string, 0, len(pr.Commits))
	for _, c := range pr.Commits {
		commits = append(commits, c.Summary)
	}
	return PRLine{
		Number:       pr.Meta.Number,
		Repo:         pr.Meta.Repo,
		Title:        pr.Meta.Title,
		Feature:      feature,
		Authors:      pr.Meta.Authors,
		Commits:      commits,
		TotalCommits: pr.TotalCommits,
		ActiveToday:  pr.ActiveToday,
		MergedAt:     pr.Meta.MergedAt,
	}
}
