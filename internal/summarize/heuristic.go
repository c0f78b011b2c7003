package summarize

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var conventionalPattern = regexp.MustCompile(`^(\w+)(?:\(([^)]*)\))?(!)?:\s*(.+)$`)

var categoryByType = map[string]string{
	"feat":     "feature",
	"feature":  "feature",
	"fix":      "bugfix",
	"bugfix":   "bugfix",
	"hotfix":   "bugfix",
	"perf":     "performance",
	"refactor": "refactor",
	"docs":     "docs",
	"test":     "test",
	"tests":    "test",
	"build":    "chore",
	"ci":       "chore",
	"chore":    "chore",
	"style":    "chore",
}

var (
	resolvePhrases = []string{"unblocked", "no longer blocked", "blocker resolved", "resolved the blocker", "good to go", "lgtm"}
	blockPhrases   = []string{"blocked", "blocker", "can't merge", "cannot merge", "waiting on", "waiting for", "do not merge", "depends on"}
)

// Heuristic is an offline Service built on commit conventions and keyword
// matching. It never fails.
type Heuristic struct{}

// NewHeuristic returns the offline summarizer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

func (Heuristic) TranslateCommit(_ context.Context, req CommitRequest) (Translation, error) {
	subject := strings.TrimSpace(firstLine(req.Message))
	if subject == "" {
		subject = "update " + shortSHA(req.SHA)
	}
	t := Translation{Summary: subject, Category: "change", Significance: "patch"}

	if m := conventionalPattern.FindStringSubmatch(subject); m != nil {
		if cat, ok := categoryByType[strings.ToLower(m[1])]; ok {
			t.Category = cat
			t.Summary = capitalize(m[4])
			if m[2] != "" {
				t.Summary = m[2] + ": " + t.Summary
			}
			if cat == "feature" || cat == "bugfix" {
				t.Significance = "minor"
			}
			if m[3] == "!" {
				t.Significance = "major"
			}
		}
	}
	if strings.Contains(req.Message, "BREAKING CHANGE") {
		t.Significance = "major"
	}
	return t, nil
}

func (Heuristic) NameFeature(_ context.Context, req FeatureRequest) (string, error) {
	if title := strings.TrimSpace(req.Title); title != "" {
		if m := conventionalPattern.FindStringSubmatch(title); m != nil {
			return capitalize(m[4]), nil
		}
		return title, nil
	}
	if len(req.Summaries) > 0 {
		return req.Summaries[0], nil
	}
	return fmt.Sprintf("%s #%d", req.Repo, req.Number), nil
}

func (Heuristic) Narrate(_ context.Context, req NarrativeRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "From %s to %s the team shipped %s",
		req.From.Format("Mon Jan 2"), req.To.Format("Mon Jan 2"), plural(len(req.Merged), "pull request"))
	if len(req.Open) > 0 {
		fmt.Fprintf(&b, " with %s still in flight", plural(len(req.Open), "pull request"))
	}
	b.WriteString(".")
	if len(req.Blockers) > 0 {
		verb := "need"
		if len(req.Blockers) == 1 {
			verb = "needs"
		}
		fmt.Fprintf(&b, " %s %s attention.", plural(len(req.Blockers), "blocker"), verb)
	}
	if req.Status != "" {
		fmt.Fprintf(&b, " Overall status: %s.", req.Status)
	}
	return b.String(), nil
}

func (Heuristic) ClassifyComment(_ context.Context, req CommentRequest) (Classification, error) {
	body := strings.ToLower(req.Body)
	for _, p := range resolvePhrases {
		if strings.Contains(body, p) {
			return Classification{Action: ActionResolveBlocker, Reason: "matched " + p}, nil
		}
	}
	for _, p := range blockPhrases {
		if strings.Contains(body, p) {
			return Classification{Action: ActionAddBlocker, Reason: "matched " + p}, nil
		}
	}
	return Classification{Action: ActionNone}, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
