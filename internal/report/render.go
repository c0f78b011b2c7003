package report

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/onexay/devpulse/internal/blocker"
)

const timeLayout = "2006-01-02 15:04 MST"

// Render formats r as plain text suitable for chat delivery.
func Render(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\n", r.Title(), strings.ToUpper(string(r.Status)))
	fmt.Fprintf(&b, "Window: %s to %s\n", r.Window.From.Format(timeLayout), r.Window.To.Format(timeLayout))

	if r.Narrative != "" {
		fmt.Fprintf(&b, "\n%s\n", r.Narrative)
	}

	if len(r.Merged) > 0 {
		fmt.Fprintf(&b, "\nShipped (%d)\n", len(r.Merged))
		for _, pr := range r.Merged {
			fmt.Fprintf(&b, "- %s#%d %s%s, %s\n", pr.Repo, pr.Number, pr.Feature, byline(pr.Authors), count(pr.TotalCommits, "commit"))
			writeCommits(&b, pr.Commits)
		}
	}

	if len(r.Open) > 0 {
		fmt.Fprintf(&b, "\nIn progress (%d)\n", len(r.Open))
		for _, pr := range r.Open {
			state := "awaiting review"
			if pr.ActiveToday {
				state = "active today"
			}
			fmt.Fprintf(&b, "- %s#%d %s%s, %d new of %s [%s]\n",
				pr.Repo, pr.Number, pr.Feature, byline(pr.Authors), len(pr.Commits), count(pr.TotalCommits, "commit"), state)
			writeCommits(&b, pr.Commits)
		}
	}

	if len(r.Direct) > 0 {
		fmt.Fprintf(&b, "\nDirect commits (%d)\n", len(r.Direct))
		for _, dc := range r.Direct {
			fmt.Fprintf(&b, "- %s@%s: %s%s\n", dc.Repo, dc.Branch, dc.Summary, byline([]string{dc.Author}))
		}
	}

	if len(r.Groups) > 0 {
		b.WriteString("\nBlockers\n")
		for _, g := range r.Groups {
			fmt.Fprintf(&b, "- %s: %s, oldest %s\n", g.User, count(len(g.Blockers), "blocker"), g.OldestAge)
			for _, item := range g.Blockers {
				fmt.Fprintf(&b, "  - %s#%d %s\n", item.PR.Repo, item.PR.Number, item.Entry.Description)
			}
		}
	}

	if len(r.StaleReviews) > 0 {
		fmt.Fprintf(&b, "\nStale reviews (%d)\n", len(r.StaleReviews))
		for _, item := range r.StaleReviews {
			fmt.Fprintf(&b, "- %s#%d waiting on %s for %s\n",
				item.PR.Repo, item.PR.Number, item.Entry.Reviewer, blocker.FormatAge(item.AgeDays(r.GeneratedAt)))
		}
	}

	if !r.HasContent() && r.Narrative == "" {
		b.WriteString("\nNo activity.\n")
	}
	return b.String()
}

// Diff returns a unified diff between two renderings, or "" when equal.
func Diff(previous, current, fromName, toName string) string {
	if previous == current {
		return ""
	}
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return strings.TrimSpace(current)
	}
	return strings.TrimSpace(res)
}

func writeCommits(b *strings.Builder, commits []string) {
	for _, c := range commits {
		fmt.Fprintf(b, "  - %s\n", c)
	}
}

func byline(authors []string) string {
	var names []string
	for _, a := range authors {
		if a != "" {
			names = append(names, a)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return " (" + strings.Join(names, ", ") + ")"
}

func count(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
